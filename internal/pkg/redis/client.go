// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"
)

// Client 封装了 go-redis 的通用客户端，并管理按名字注册的 Lua 脚本。
// 多个地址时使用集群模式，所有 key 需要带 hash tag 保证落在同一个 slot。
type Client struct {
	rdb redis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*redis.Script
}

// NewClient 根据逗号分隔的地址创建客户端，并 PING 一次确认连通。
func NewClient(ctx context.Context, addrs, password string) (*Client, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    strings.Split(addrs, ","),
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis %s: %w", addrs, err)
	}
	zlog.Info().Str("addrs", addrs).Msg("✅ Successfully connected to Redis.")
	return NewFromUniversal(rdb), nil
}

// NewFromUniversal 包装一个已有的客户端，测试时传入 redismock 的客户端。
func NewFromUniversal(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb, scripts: make(map[string]*redis.Script)}
}

// LoadScriptFromContent 以 name 注册一段 Lua 脚本。
// 脚本在第一次执行时通过 EVALSHA 调用，服务端缺失时由 go-redis 自动回退到 EVAL。
func (c *Client) LoadScriptFromContent(name, src string) error {
	if strings.TrimSpace(src) == "" {
		return fmt.Errorf("script %s is empty", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = redis.NewScript(src)
	return nil
}

// Script 返回已注册的脚本，主要用于测试中计算 SHA。
func (c *Client) Script(name string) (*redis.Script, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scripts[name]
	return s, ok
}

// RunScript 执行已注册的脚本。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	script, ok := c.Script(name)
	if !ok {
		return nil, fmt.Errorf("script %s not loaded", name)
	}
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// GetClient 暴露底层客户端，用于 pipeline 等脚本之外的操作。
func (c *Client) GetClient() redis.UniversalClient {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
