// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config 是整个服务的配置，来源优先级：环境变量 > Nacos / 配置文件 > 默认值。
type Config struct {
	App       AppConfig       `yaml:"app"`
	Infra     InfraConfig     `yaml:"infra"`
	Inventory InventoryConfig `yaml:"inventory"`
	Saga      SagaConfig      `yaml:"saga"`
	Providers ProvidersConfig `yaml:"providers"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json | console
}

type InfraConfig struct {
	Jaeger struct {
		Endpoint    string  `yaml:"endpoint"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"jaeger"`
	Kafka struct {
		Enabled            bool   `yaml:"enabled"`
		Brokers            string `yaml:"brokers"`
		OrderCreationTopic string `yaml:"order_creation_topic"`
		SagaEventsTopic    string `yaml:"saga_events_topic"`
		AlertsTopic        string `yaml:"alerts_topic"`
		ConsumerGroup      string `yaml:"consumer_group"`
	} `yaml:"kafka"`
	Redis struct {
		Addrs    string `yaml:"addrs"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Zookeeper struct {
		Servers string `yaml:"servers"` // 为空时使用进程内锁
	} `yaml:"zookeeper"`
	Nacos struct {
		Enabled     bool   `yaml:"enabled"`
		ServerAddrs string `yaml:"server_addrs"`
		Namespace   string `yaml:"namespace"`
		Group       string `yaml:"group"`
		DataID      string `yaml:"data_id"`
	} `yaml:"nacos"`
}

type InventoryConfig struct {
	Backend       string        `yaml:"backend"` // memory | mysql | redis
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SweepBatch    int           `yaml:"sweep_batch"`
}

type SagaConfig struct {
	Backend                 string        `yaml:"backend"` // memory | mysql
	MaxAttempts             int           `yaml:"max_attempts"`
	InitialBackoff          time.Duration `yaml:"initial_backoff"`
	MaxBackoff              time.Duration `yaml:"max_backoff"`
	StepTimeout             time.Duration `yaml:"step_timeout"`
	CompensationMaxAttempts int           `yaml:"compensation_max_attempts"`
	MaxUnresolved           int           `yaml:"max_unresolved"` // 结果未知时最多暂停几次
	WatchdogInterval        time.Duration `yaml:"watchdog_interval"`
	StallDeadline           time.Duration `yaml:"stall_deadline"`
	AdmissionRule           string        `yaml:"admission_rule"`
	Currency                string        `yaml:"currency"`
}

type ProvidersConfig struct {
	Mode         string `yaml:"mode"` // simulated | http
	PaymentURL   string `yaml:"payment_url"`
	ShippingURL  string `yaml:"shipping_url"`
	// InventoryURL 非空时通过 HTTP 调用独立部署的库存服务，否则使用进程内引擎
	InventoryURL string `yaml:"inventory_url"`
}

// Default 返回开发环境可直接运行的默认配置：全部内存实现，模拟支付和物流。
func Default() *Config {
	cfg := &Config{}
	cfg.App = AppConfig{Name: "fulfillment-service", Port: 8080, LogLevel: "info", LogFormat: "json"}
	cfg.Infra.Kafka.OrderCreationTopic = "order-creation-topic"
	cfg.Infra.Kafka.SagaEventsTopic = "saga-events"
	cfg.Infra.Kafka.AlertsTopic = "fulfillment-alerts"
	cfg.Infra.Kafka.ConsumerGroup = "fulfillment-service"
	cfg.Infra.Nacos.Group = "DEFAULT_GROUP"
	cfg.Infra.Nacos.DataID = "fulfillment-service.yaml"
	cfg.Inventory = InventoryConfig{
		Backend:       "memory",
		DefaultTTL:    24 * time.Hour,
		SweepInterval: time.Minute,
		SweepBatch:    500,
	}
	cfg.Saga = SagaConfig{
		Backend:                 "memory",
		MaxAttempts:             3,
		InitialBackoff:          200 * time.Millisecond,
		MaxBackoff:              5 * time.Second,
		StepTimeout:             5 * time.Second,
		CompensationMaxAttempts: 5,
		MaxUnresolved:           5,
		WatchdogInterval:        30 * time.Second,
		StallDeadline:           2 * time.Minute,
		Currency:                "USD",
	}
	cfg.Providers = ProvidersConfig{Mode: "simulated"}
	return cfg
}

// Parse 在默认值之上解析 yaml 内容。
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config yaml")
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load 读取配置文件，path 为空或文件不存在时只使用默认值和环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return Parse(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			zlog.Warn().Str("path", path).Msg("⚠️ WARNING: config file not found, using defaults.")
			return Parse(nil)
		}
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	return Parse(data)
}

func (c *Config) Validate() error {
	switch c.Inventory.Backend {
	case "memory", "mysql", "redis":
	default:
		return errors.Errorf("unknown inventory backend %q", c.Inventory.Backend)
	}
	switch c.Saga.Backend {
	case "memory", "mysql":
	default:
		return errors.Errorf("unknown saga backend %q", c.Saga.Backend)
	}
	if (c.Inventory.Backend == "mysql" || c.Saga.Backend == "mysql") && c.Infra.MySQL.DSN == "" {
		return errors.New("mysql backend selected but infra.mysql.dsn is empty")
	}
	if c.Inventory.Backend == "redis" && c.Infra.Redis.Addrs == "" {
		return errors.New("redis backend selected but infra.redis.addrs is empty")
	}
	if c.Providers.Mode == "http" && (c.Providers.PaymentURL == "" || c.Providers.ShippingURL == "") {
		return errors.New("http provider mode requires payment_url and shipping_url")
	}
	if c.Saga.MaxAttempts < 1 || c.Saga.CompensationMaxAttempts < 1 || c.Saga.MaxUnresolved < 1 {
		return errors.New("saga attempts must be at least 1")
	}
	if c.Inventory.DefaultTTL <= 0 {
		return errors.New("inventory.default_ttl must be positive")
	}
	return nil
}

// applyEnv 用环境变量覆盖部署相关的配置项。
func applyEnv(c *Config) {
	c.App.Port = getEnvInt("PORT", c.App.Port)
	c.App.LogLevel = getEnv("LOG_LEVEL", c.App.LogLevel)
	c.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", c.Infra.Jaeger.Endpoint)
	c.Infra.Kafka.Brokers = getEnv("KAFKA_BROKERS", c.Infra.Kafka.Brokers)
	c.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", c.Infra.Redis.Addrs)
	c.Infra.MySQL.DSN = getEnv("MYSQL_DSN", c.Infra.MySQL.DSN)
	c.Infra.Zookeeper.Servers = getEnv("ZOOKEEPER_SERVERS", c.Infra.Zookeeper.Servers)
	c.Infra.Nacos.ServerAddrs = getEnv("NACOS_SERVER_ADDRS", c.Infra.Nacos.ServerAddrs)
	c.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", c.Infra.Nacos.Namespace)
	c.Infra.Nacos.Group = getEnv("NACOS_GROUP", c.Infra.Nacos.Group)
	c.Inventory.Backend = getEnv("INVENTORY_BACKEND", c.Inventory.Backend)
	c.Saga.Backend = getEnv("SAGA_BACKEND", c.Saga.Backend)
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回当前生效的配置，Nacos 推送新配置后会被原子替换。
func GetCurrentConfig() *Config {
	if cfg := currentConfig.Load(); cfg != nil {
		return cfg
	}
	return Default()
}

func SetCurrentConfig(cfg *Config) {
	currentConfig.Store(cfg)
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
