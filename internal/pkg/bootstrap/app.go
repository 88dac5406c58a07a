// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/nacos"
	"fulfillment/internal/pkg/tracing"
)

type AppCtx struct {
	Mux    *http.ServeMux
	Nacos  *nacos.Client // 未启用 Nacos 时为 nil
	Config *Config
}

// Worker 是随服务一起启动的后台任务，ctx 取消时应尽快返回。
type Worker func(ctx context.Context) error

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx) // 允许每个服务注册自己独特的 HTTP 路由
	Workers          []Worker
	// OnShutdown 在 HTTP 服务关闭之后按注册顺序的逆序执行
	OnShutdown []func(ctx context.Context) error
}

var (
	nacosClient *nacos.Client

	hooksMu     sync.Mutex
	changeHooks []func(*Config)
)

// Init 加载配置、初始化日志，并在启用时从 Nacos 拉取配置和监听变更。
func Init() *Config {
	cfg, err := Load(getEnv("FULFILLMENT_CONFIG", "config/fulfillment.yaml"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("FATAL: failed to load config")
	}
	logger.Init(cfg.App.Name, cfg.App.LogLevel, cfg.App.LogFormat)

	if cfg.Infra.Nacos.Enabled {
		nacosClient, err = nacos.NewNacosClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			zlog.Fatal().Err(err).Msg("FATAL: failed to initialize nacos client")
		}
		if content, err := nacosClient.GetConfig(cfg.Infra.Nacos.DataID); err == nil && content != "" {
			if remote, err := Parse([]byte(content)); err == nil {
				cfg = remote
			} else {
				zlog.Error().Err(err).Msg("Ignoring invalid config from Nacos")
			}
		}
		err = nacosClient.ListenConfig(cfg.Infra.Nacos.DataID, func(content string) {
			next, err := Parse([]byte(content))
			if err != nil {
				zlog.Error().Err(err).Msg("Ignoring invalid config push from Nacos")
				return
			}
			SetCurrentConfig(next)
			notifyConfigChange(next)
		})
		if err != nil {
			zlog.Error().Err(err).Msg("Failed to listen nacos config, hot reload disabled")
		}
	}

	SetCurrentConfig(cfg)
	return cfg
}

// NacosClient 返回 Init 创建的 Nacos 客户端，未启用时为 nil。
func NacosClient() *nacos.Client {
	return nacosClient
}

// OnConfigChange 注册配置热更新回调。
func OnConfigChange(fn func(*Config)) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	changeHooks = append(changeHooks, fn)
}

func notifyConfigChange(cfg *Config) {
	hooksMu.Lock()
	hooks := append([]func(*Config){}, changeHooks...)
	hooksMu.Unlock()
	for _, fn := range hooks {
		fn(cfg)
	}
}

// StartService 封装了通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	cfg := GetCurrentConfig()

	// 1. Tracer
	if cfg.Infra.Jaeger.Endpoint != "" {
		tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
		if err != nil {
			zlog.Fatal().Err(err).Msg("failed to initialize tracer provider")
		}
		info.OnShutdown = append([]func(context.Context) error{tp.Shutdown}, info.OnShutdown...)
	}

	// 2. 服务注册
	var ip string
	if nacosClient != nil {
		var err error
		if ip, err = getOutboundIP(); err != nil {
			zlog.Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := nacosClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			zlog.Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 3. HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: nacosClient, Config: cfg})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zlog.Info().Msgf("✅ %s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	// 4. 后台任务
	for _, w := range info.Workers {
		w := w
		g.Go(func() error { return w(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msgf("🛑 Shutting down service %s...", info.ServiceName)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// a. 从 Nacos 注销服务
		if nacosClient != nil {
			if err := nacosClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
				zlog.Error().Err(err).Msg("Error deregistering from Nacos")
			}
			nacosClient.Close()
		}
		// b. 关闭 HTTP 服务器
		if err := server.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Err(err).Msg("Error shutting down http server")
		}
		// c. 其余资源后进先出
		for i := len(info.OnShutdown) - 1; i >= 0; i-- {
			if err := info.OnShutdown[i](shutdownCtx); err != nil {
				zlog.Error().Err(err).Msg("Error during shutdown hook")
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		zlog.Error().Err(err).Msgf("Service %s stopped with error", info.ServiceName)
		os.Exit(1)
	}
	zlog.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}

func getOutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
