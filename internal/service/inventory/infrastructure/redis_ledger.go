// internal/service/inventory/infrastructure/redis_ledger.go
package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"fulfillment/internal/pkg/redis"
	"fulfillment/internal/service/inventory/domain"
)

const (
	createProductScriptName = "inventory_create_product"
	reserveScriptName       = "inventory_reserve"
	transitionScriptName    = "inventory_transition"

	// 所有 key 共用 {inventory} hash tag，集群模式下脚本涉及的 key 落在同一个 slot
	keyPrefix   = "{inventory}"
	productsKey = keyPrefix + ":products"
	expiriesKey = keyPrefix + ":expiries"
)

func productKey(id string) string     { return keyPrefix + ":product:" + id }
func reservationKey(id string) string { return keyPrefix + ":reservation:" + id }
func idempotencyKey(k string) string  { return keyPrefix + ":idem:" + k }
func customerKey(id string) string    { return keyPrefix + ":customer:" + id }

// RedisLedger 是 domain.Ledger 的 Redis 实现，所有写操作都是一段 Lua 脚本
type RedisLedger struct {
	redisClient *redis.Client
}

// NewRedisLedger 创建实例并加载 Lua 脚本
func NewRedisLedger(redisClient *redis.Client) (*RedisLedger, error) {
	for name, src := range map[string]string{
		createProductScriptName: createProductScript,
		reserveScriptName:       reserveScript,
		transitionScriptName:    transitionScript,
	} {
		if err := redisClient.LoadScriptFromContent(name, src); err != nil {
			return nil, fmt.Errorf("failed to load inventory script %s: %w", name, err)
		}
	}
	return &RedisLedger{redisClient: redisClient}, nil
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (l *RedisLedger) CreateProduct(ctx context.Context, p *domain.ProductStock) error {
	keys := []string{productKey(p.ProductID), productsKey}
	args := []interface{}{
		p.ProductID, p.ProductName, strconv.FormatInt(p.TotalQuantity, 10),
		p.UnitPrice.String(), p.Currency, string(p.Status), millis(p.CreatedAt),
	}
	result, err := l.redisClient.RunScript(ctx, createProductScriptName, keys, args...)
	if err != nil {
		return errors.Wrap(err, "create product script")
	}
	if code, _ := result.(int64); code == 0 {
		return errors.Wrapf(domain.ErrProductExists, "product %s", p.ProductID)
	}
	return nil
}

func (l *RedisLedger) GetProduct(ctx context.Context, productID string) (*domain.ProductStock, error) {
	fields, err := l.redisClient.GetClient().HGetAll(ctx, productKey(productID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get product")
	}
	if len(fields) == 0 {
		return nil, errors.Wrapf(domain.ErrProductNotFound, "product %s", productID)
	}
	return productFromHash(fields)
}

func (l *RedisLedger) ListProducts(ctx context.Context) ([]*domain.ProductStock, error) {
	ids, err := l.redisClient.GetClient().SMembers(ctx, productsKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	sort.Strings(ids)
	hashes, err := l.hgetAll(ctx, ids, productKey)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.ProductStock, 0, len(hashes))
	for _, h := range hashes {
		p, err := productFromHash(h)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (l *RedisLedger) Reserve(ctx context.Context, r *domain.Reservation) (*domain.Reservation, error) {
	idem := r.IdempotencyKey
	if idem == "" {
		idem = r.ReservationID
	}
	keys := []string{
		productKey(r.ProductID), reservationKey(r.ReservationID), idempotencyKey(idem),
		customerKey(r.CustomerID), expiriesKey,
	}
	args := []interface{}{
		r.ReservationID, r.ProductID, r.CustomerID, strconv.FormatInt(r.Quantity, 10),
		millis(r.CreatedAt), millis(r.ExpiresAt), r.IdempotencyKey,
	}
	result, err := l.redisClient.RunScript(ctx, reserveScriptName, keys, args...)
	if err != nil {
		return nil, errors.Wrap(err, "reserve script")
	}
	code, ref, err := parseReserveResult(result)
	if err != nil {
		return nil, err
	}

	switch code {
	case 1:
		out := *r
		return &out, nil
	case 2:
		return l.GetReservation(ctx, ref)
	case 0:
		return nil, errors.Wrapf(domain.ErrInsufficientStock, "product %s: requested %d", r.ProductID, r.Quantity)
	case -1:
		return nil, errors.Wrapf(domain.ErrProductNotFound, "product %s", r.ProductID)
	case -2:
		return nil, errors.Wrapf(domain.ErrProductDiscontinued, "product %s", r.ProductID)
	default:
		return nil, fmt.Errorf("unknown result code from reserve script: %d", code)
	}
}

func parseReserveResult(result interface{}) (int64, string, error) {
	arr, ok := result.([]interface{})
	if !ok || len(arr) != 2 {
		return 0, "", fmt.Errorf("unexpected result type from reserve script: %T", result)
	}
	code, ok := arr[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected code type from reserve script: %T", arr[0])
	}
	ref, _ := arr[1].(string)
	return code, ref, nil
}

func (l *RedisLedger) Transition(ctx context.Context, reservationID string, to domain.ReservationStatus, now time.Time) (*domain.Reservation, error) {
	// 脚本访问的 key 都要经 KEYS 传入，集群模式下才能正确路由
	productID, err := l.redisClient.GetClient().HGet(ctx, reservationKey(reservationID), "product_id").Result()
	if err == goredis.Nil || (err == nil && productID == "") {
		return nil, errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", reservationID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load reservation product")
	}
	keys := []string{reservationKey(reservationID), expiriesKey, productKey(productID)}
	args := []interface{}{string(to), millis(now)}
	result, err := l.redisClient.RunScript(ctx, transitionScriptName, keys, args...)
	if err != nil {
		return nil, errors.Wrap(err, "transition script")
	}
	arr, ok := result.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("unexpected result type from transition script: %T", result)
	}
	code, _ := arr[0].(int64)
	if code == -1 {
		return nil, errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", reservationID)
	}
	if len(arr) != 2 {
		return nil, fmt.Errorf("transition script returned %d elements", len(arr))
	}
	r, err := reservationFromFlat(arr[1])
	if err != nil {
		return nil, err
	}

	switch code {
	case 1, 2:
		return r, nil
	case 3:
		return r, errors.Wrapf(domain.ErrReservationExpired, "reservation %s expired at %s", reservationID, r.ExpiresAt.Format(time.RFC3339))
	case 0:
		return nil, errors.Wrapf(domain.ErrInvalidStatus, "reservation %s is %s", reservationID, r.Status)
	default:
		return nil, fmt.Errorf("unknown result code from transition script: %d", code)
	}
}

func (l *RedisLedger) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	fields, err := l.redisClient.GetClient().HGetAll(ctx, reservationKey(reservationID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get reservation")
	}
	if len(fields) == 0 {
		return nil, errors.Wrapf(domain.ErrReservationNotFound, "reservation %s", reservationID)
	}
	return reservationFromHash(fields)
}

func (l *RedisLedger) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	id, err := l.redisClient.GetClient().Get(ctx, idempotencyKey(key)).Result()
	if err == goredis.Nil {
		return nil, errors.Wrapf(domain.ErrReservationNotFound, "idempotency key %s", key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "find reservation by key")
	}
	return l.GetReservation(ctx, id)
}

func (l *RedisLedger) ListReservationsByCustomer(ctx context.Context, customerID string) ([]*domain.Reservation, error) {
	ids, err := l.redisClient.GetClient().SMembers(ctx, customerKey(customerID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list customer reservations")
	}
	hashes, err := l.hgetAll(ctx, ids, reservationKey)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Reservation, 0, len(hashes))
	for _, h := range hashes {
		r, err := reservationFromHash(h)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *RedisLedger) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	// 开区间：只取 expiresAt 严格早于 now 的
	by := &goredis.ZRangeBy{Min: "-inf", Max: "(" + millis(now), Offset: 0, Count: int64(limit)}
	ids, err := l.redisClient.GetClient().ZRangeByScore(ctx, expiriesKey, by).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list expired reservations")
	}
	return ids, nil
}

// hgetAll 用 pipeline 批量读取 hash，跳过已不存在的 key
func (l *RedisLedger) hgetAll(ctx context.Context, ids []string, keyOf func(string) string) ([]map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := l.redisClient.GetClient().Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyOf(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "pipeline hgetall")
	}
	out := make([]map[string]string, 0, len(ids))
	for _, c := range cmds {
		if h := c.Val(); len(h) > 0 {
			out = append(out, h)
		}
	}
	return out, nil
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func productFromHash(h map[string]string) (*domain.ProductStock, error) {
	p := &domain.ProductStock{
		ProductID:   h["product_id"],
		ProductName: h["product_name"],
		Currency:    h["currency"],
		Status:      domain.ProductStatus(h["status"]),
	}
	var err error
	if p.TotalQuantity, err = strconv.ParseInt(h["total"], 10, 64); err != nil {
		return nil, errors.Wrapf(err, "product %s total", p.ProductID)
	}
	if p.ReservedQuantity, err = strconv.ParseInt(h["reserved"], 10, 64); err != nil {
		return nil, errors.Wrapf(err, "product %s reserved", p.ProductID)
	}
	if p.UnitPrice, err = decimal.NewFromString(h["unit_price"]); err != nil {
		return nil, errors.Wrapf(err, "product %s unit_price", p.ProductID)
	}
	if p.CreatedAt, err = parseMillis(h["created_at"]); err != nil {
		return nil, errors.Wrapf(err, "product %s created_at", p.ProductID)
	}
	if p.UpdatedAt, err = parseMillis(h["updated_at"]); err != nil {
		return nil, errors.Wrapf(err, "product %s updated_at", p.ProductID)
	}
	return p, nil
}

func reservationFromHash(h map[string]string) (*domain.Reservation, error) {
	r := &domain.Reservation{
		ReservationID:  h["reservation_id"],
		ProductID:      h["product_id"],
		CustomerID:     h["customer_id"],
		Status:         domain.ReservationStatus(h["status"]),
		IdempotencyKey: h["idempotency_key"],
	}
	var err error
	if r.Quantity, err = strconv.ParseInt(h["quantity"], 10, 64); err != nil {
		return nil, errors.Wrapf(err, "reservation %s quantity", r.ReservationID)
	}
	if r.CreatedAt, err = parseMillis(h["created_at"]); err != nil {
		return nil, errors.Wrapf(err, "reservation %s created_at", r.ReservationID)
	}
	if r.ExpiresAt, err = parseMillis(h["expires_at"]); err != nil {
		return nil, errors.Wrapf(err, "reservation %s expires_at", r.ReservationID)
	}
	if r.UpdatedAt, err = parseMillis(h["updated_at"]); err != nil {
		return nil, errors.Wrapf(err, "reservation %s updated_at", r.ReservationID)
	}
	return r, nil
}

// reservationFromFlat 解析 Lua 中 HGETALL 返回的 [k1, v1, k2, v2, ...]
func reservationFromFlat(v interface{}) (*domain.Reservation, error) {
	flat, ok := v.([]interface{})
	if !ok || len(flat)%2 != 0 {
		return nil, fmt.Errorf("unexpected hash payload from script: %T", v)
	}
	h := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		k, _ := flat[i].(string)
		val, _ := flat[i+1].(string)
		h[k] = val
	}
	return reservationFromHash(h)
}

var createProductScript = `
-- KEYS[1]: 商品 hash, KEYS[2]: 商品 ID 集合
-- ARGV: product_id, product_name, total, unit_price, currency, status, now_ms
if redis.call('exists', KEYS[1]) == 1 then
    return 0
end
redis.call('hset', KEYS[1],
    'product_id', ARGV[1], 'product_name', ARGV[2], 'total', ARGV[3], 'reserved', '0',
    'unit_price', ARGV[4], 'currency', ARGV[5], 'status', ARGV[6],
    'created_at', ARGV[7], 'updated_at', ARGV[7])
redis.call('sadd', KEYS[2], ARGV[1])
return 1
`

var reserveScript = `
-- KEYS[1]: 商品 hash
-- KEYS[2]: 预占 hash
-- KEYS[3]: 幂等 key -> reservation_id
-- KEYS[4]: 客户的预占 ID 集合
-- KEYS[5]: 过期时间 zset
-- ARGV: reservation_id, product_id, customer_id, quantity, now_ms, expires_ms, idempotency_key

-- 1. 幂等：同一个 key 已经预占过，直接返回原记录
if ARGV[7] ~= '' then
    local existing = redis.call('get', KEYS[3])
    if existing then
        return {2, existing}
    end
end

-- 2. 商品校验
if redis.call('exists', KEYS[1]) == 0 then
    return {-1, ''}
end
local p = redis.call('hmget', KEYS[1], 'total', 'reserved', 'status')
if p[3] ~= 'ACTIVE' then
    return {-2, ''}
end

-- 3. 检查并占用
local qty = tonumber(ARGV[4])
if tonumber(p[1]) - tonumber(p[2]) < qty then
    return {0, ''}
end
redis.call('hincrby', KEYS[1], 'reserved', qty)
redis.call('hset', KEYS[1], 'updated_at', ARGV[5])

-- 4. 写预占记录和索引
redis.call('hset', KEYS[2],
    'reservation_id', ARGV[1], 'product_id', ARGV[2], 'customer_id', ARGV[3],
    'quantity', ARGV[4], 'status', 'ACTIVE', 'idempotency_key', ARGV[7],
    'created_at', ARGV[5], 'expires_at', ARGV[6], 'updated_at', ARGV[5])
if ARGV[7] ~= '' then
    redis.call('set', KEYS[3], ARGV[1])
end
redis.call('sadd', KEYS[4], ARGV[1])
redis.call('zadd', KEYS[5], ARGV[6], ARGV[1])
return {1, ARGV[1]}
`

var transitionScript = `
-- KEYS[1]: 预占 hash, KEYS[2]: 过期时间 zset, KEYS[3]: 预占所属的商品 hash
-- ARGV[1]: 目标状态, ARGV[2]: now_ms
-- 返回 {code, hgetall}: 1 成功, 2 幂等, 3 确认时已过期, 0 状态非法, -1 不存在
if redis.call('exists', KEYS[1]) == 0 then
    return {-1}
end
local r = redis.call('hmget', KEYS[1], 'reservation_id', 'status', 'product_id', 'quantity', 'expires_at')
local rid, status, qty, expires = r[1], r[2], tonumber(r[4]), tonumber(r[5])
local target, now = ARGV[1], tonumber(ARGV[2])
local pkey = KEYS[3]

if status == target then
    return {2, redis.call('hgetall', KEYS[1])}
end
if status ~= 'ACTIVE' then
    redis.call('zrem', KEYS[2], rid)
    return {0, redis.call('hgetall', KEYS[1])}
end

local code = 1
if target == 'CONFIRMED' and now > expires then
    target = 'EXPIRED'
    code = 3
elseif target == 'EXPIRED' and now <= expires then
    return {0, redis.call('hgetall', KEYS[1])}
end

redis.call('hincrby', pkey, 'reserved', -qty)
if target == 'CONFIRMED' then
    redis.call('hincrby', pkey, 'total', -qty)
end
redis.call('hset', pkey, 'updated_at', ARGV[2])
redis.call('hset', KEYS[1], 'status', target, 'updated_at', ARGV[2])
redis.call('zrem', KEYS[2], rid)
return {code, redis.call('hgetall', KEYS[1])}
`
