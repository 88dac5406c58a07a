// cmd/fulfillment-service/main.go
package main

import (
	"context"
	"net/http"
	"time"

	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/database"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/pkg/redis"
	"fulfillment/internal/pkg/retry"
	invapp "fulfillment/internal/service/inventory/application"
	invdomain "fulfillment/internal/service/inventory/domain"
	invinfra "fulfillment/internal/service/inventory/infrastructure"
	invinterfaces "fulfillment/internal/service/inventory/interfaces"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
	"fulfillment/internal/service/order/infrastructure"
	"fulfillment/internal/service/order/infrastructure/adapter"
	"fulfillment/internal/service/order/infrastructure/rule"
	"fulfillment/internal/service/order/interfaces"
	"fulfillment/internal/zookeeper"
)

const serviceName = "fulfillment-service"

// app 收集组装过程中产生的后台任务和关闭钩子
type app struct {
	cfg        *bootstrap.Config
	tracer     trace.Tracer
	db         *gorm.DB
	workers    []bootstrap.Worker
	onShutdown []func(ctx context.Context) error
}

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg := bootstrap.Init()
	a := &app{cfg: cfg, tracer: otel.Tracer(serviceName)}
	ctx := context.Background()

	// 1. 集群互斥锁：清扫和 watchdog 只在一个实例上运行
	locker := a.newLocker()

	// 2. 库存预占引擎
	engine := invapp.NewEngine(a.newLedger(ctx), a.tracer,
		invapp.WithDefaultTTL(cfg.Inventory.DefaultTTL),
		invapp.WithSweepBatch(cfg.Inventory.SweepBatch),
	)
	a.workers = append(a.workers, invapp.NewSweeper(engine, locker, cfg.Inventory.SweepInterval).Run)

	// 3. 事件发布：进程内 hub 供 websocket 推送，启用 Kafka 时同时写主题
	hub := adapter.NewSagaEventHub()
	publisher := adapter.FanoutPublisher{hub}
	var submitter *infrastructure.OrderSubmissionProducer
	kafkaCfg := cfg.Infra.Kafka
	if kafkaCfg.Enabled {
		kafkaEvents := adapter.NewSagaEventKafkaAdapter(
			mq.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.SagaEventsTopic),
			mq.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.AlertsTopic),
		)
		publisher = append(publisher, kafkaEvents)
		submitter = infrastructure.NewOrderSubmissionProducer(mq.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.OrderCreationTopic))
		a.closeOnShutdown(kafkaEvents.Close, submitter.Close)
	}

	// 4. 准入规则，随配置中心热更新
	admission, err := rule.NewCELRuleEngine(cfg.Saga.AdmissionRule)
	if err != nil {
		zlog.Fatal().Err(err).Msg("FATAL: invalid admission rule")
	}
	bootstrap.OnConfigChange(func(next *bootstrap.Config) {
		if err := admission.Update(next.Saga.AdmissionRule); err != nil {
			zlog.Error().Err(err).Msg("Keeping previous admission rule")
			return
		}
		zlog.Info().Str("rule", admission.Rule()).Msg("Admission rule updated")
	})

	// 5. Saga 编排器
	inventory, payment, shipping := a.newProviders(engine)
	orchestrator := application.NewSagaOrchestrator(a.newSagaRepository(ctx), inventory, payment, shipping, a.tracer,
		application.WithRetryPolicies(a.retryPolicies()),
		application.WithPublisher(publisher),
		application.WithAdmission(admission),
		application.WithDefaultCurrency(cfg.Saga.Currency),
		application.WithMaxUnresolved(cfg.Saga.MaxUnresolved),
	)
	watchdog := application.NewWatchdog(orchestrator, locker, cfg.Saga.WatchdogInterval, cfg.Saga.StallDeadline)
	a.workers = append(a.workers, watchdog.Run)

	// 6. Kafka 下单入口和死信监听
	if kafkaCfg.Enabled {
		dltTopic := mq.DeadLetterTopic(kafkaCfg.OrderCreationTopic)
		dltWriter := mq.NewKafkaWriter(kafkaCfg.Brokers, dltTopic)
		consumer := interfaces.NewOrderConsumerAdapter(
			mq.NewKafkaReader(kafkaCfg.Brokers, kafkaCfg.OrderCreationTopic, kafkaCfg.ConsumerGroup),
			orchestrator,
			dltWriter,
		)
		dlt := interfaces.NewDltConsumerAdapter(mq.NewKafkaReader(kafkaCfg.Brokers, dltTopic, kafkaCfg.ConsumerGroup+"-dlt"))
		a.workers = append(a.workers, consumer.Run, dlt.Run)
		a.closeOnShutdown(dltWriter.Close)
	}

	// 编排器最后注册，最先关闭：等待后台 Saga 落库后再关闭 writer
	a.onShutdown = append(a.onShutdown, orchestrator.Shutdown)

	var handlerOpts []interfaces.HandlerOption
	handlerOpts = append(handlerOpts, interfaces.WithEvents(hub))
	if submitter != nil {
		handlerOpts = append(handlerOpts, interfaces.WithSubmitter(submitter))
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			invinterfaces.NewInventoryHandler(engine).RegisterRoutes(appCtx.Mux)
			interfaces.NewSagaHandler(orchestrator, a.tracer, handlerOpts...).RegisterRoutes(appCtx.Mux)
			appCtx.Mux.HandleFunc("GET /api/v1/admission/rule", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				_, _ = w.Write([]byte(admission.Rule()))
			})
		},
		Workers:    a.workers,
		OnShutdown: a.onShutdown,
	})
}

func (a *app) closeOnShutdown(closers ...func() error) {
	for _, c := range closers {
		c := c
		a.onShutdown = append(a.onShutdown, func(context.Context) error { return c() })
	}
}

func (a *app) newLocker() zookeeper.Locker {
	servers := a.cfg.Infra.Zookeeper.Servers
	if servers == "" {
		zlog.Warn().Msg("⚠️ WARNING: zookeeper not configured, background jobs use a process-local lock.")
		return zookeeper.NewLocalLocker()
	}
	conn, err := zookeeper.Connect(servers, 10*time.Second)
	if err != nil {
		zlog.Fatal().Err(err).Msg("FATAL: failed to connect zookeeper")
	}
	a.closeOnShutdown(func() error { conn.Close(); return nil })
	return zookeeper.NewZkLocker(conn)
}

// mysql 在库存和 Saga 之间共享同一个连接池
func (a *app) mysql() *gorm.DB {
	if a.db != nil {
		return a.db
	}
	db, err := database.OpenMySQL(a.cfg.Infra.MySQL.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("FATAL: failed to connect mysql")
	}
	sqlDB, err := db.DB()
	if err == nil {
		a.closeOnShutdown(sqlDB.Close)
	}
	a.db = db
	return db
}

func (a *app) newLedger(ctx context.Context) invdomain.Ledger {
	switch a.cfg.Inventory.Backend {
	case "mysql":
		ledger := invinfra.NewGormLedger(a.mysql())
		if err := ledger.Migrate(ctx); err != nil {
			zlog.Fatal().Err(err).Msg("FATAL: failed to migrate inventory tables")
		}
		return ledger
	case "redis":
		client, err := redis.NewClient(ctx, a.cfg.Infra.Redis.Addrs, a.cfg.Infra.Redis.Password)
		if err != nil {
			zlog.Fatal().Err(err).Msg("FATAL: failed to connect redis")
		}
		a.closeOnShutdown(client.Close)
		ledger, err := invinfra.NewRedisLedger(client)
		if err != nil {
			zlog.Fatal().Err(err).Msg("FATAL: failed to load inventory scripts")
		}
		return ledger
	default:
		zlog.Warn().Msg("⚠️ WARNING: inventory uses the in-memory ledger, state is lost on restart.")
		return invinfra.NewMemoryLedger()
	}
}

func (a *app) newSagaRepository(ctx context.Context) domain.SagaRepository {
	if a.cfg.Saga.Backend != "mysql" {
		zlog.Warn().Msg("⚠️ WARNING: sagas are kept in memory, in-flight orders are lost on restart.")
		return infrastructure.NewMemorySagaRepository()
	}
	repo := infrastructure.NewGormSagaRepository(a.mysql())
	if err := repo.Migrate(ctx); err != nil {
		zlog.Fatal().Err(err).Msg("FATAL: failed to migrate saga table")
	}
	return repo
}

func (a *app) newProviders(engine *invapp.Engine) (port.InventoryService, port.PaymentService, port.ShippingService) {
	providers := a.cfg.Providers

	client := httpclient.NewClient(a.tracer)
	if nc := bootstrap.NacosClient(); nc != nil {
		client = client.WithResolver(nc)
	}

	var inventory port.InventoryService = adapter.NewInventoryLocalAdapter(engine)
	if providers.InventoryURL != "" {
		inventory = adapter.NewInventoryHTTPAdapter(client, providers.InventoryURL)
	}

	if providers.Mode != "http" {
		zlog.Warn().Msg("⚠️ WARNING: payment and shipping are simulated.")
		return inventory, adapter.NewSimulatedPayment(), adapter.NewSimulatedShipping()
	}
	return inventory,
		adapter.NewPaymentHTTPAdapter(client, providers.PaymentURL),
		adapter.NewShippingHTTPAdapter(client, providers.ShippingURL)
}

func (a *app) retryPolicies() (retry.Policy, retry.Policy) {
	s := a.cfg.Saga
	forward := retry.Policy{
		MaxAttempts:    s.MaxAttempts,
		InitialBackoff: s.InitialBackoff,
		MaxBackoff:     s.MaxBackoff,
		AttemptTimeout: s.StepTimeout,
	}
	compensation := forward
	compensation.MaxAttempts = s.CompensationMaxAttempts
	return forward, compensation
}
