package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Log      LogConfig       `mapstructure:"log"`
	MySQL    MySQLConfig     `mapstructure:"mysql"`
	Redis    RedisConfig     `mapstructure:"redis"`
	Kafka    KafkaConfig     `mapstructure:"kafka"`
	Business BusinessConfig  `mapstructure:"business"`
	Ledger   LedgerConfig    `mapstructure:"ledger"`
	Telegram TelegramConfig  `mapstructure:"telegram"`
	RunPod   RunPodConfig    `mapstructure:"runpod"`
	Payment  PaymentConfig   `mapstructure:"payment"`
	Packages []PackageConfig `mapstructure:"packages"`
}

// ServerConfig NodeID 为雪花算法节点号，多实例部署时必须互不相同
type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	NodeID     int64  `mapstructure:"node_id"`
	AdminToken string `mapstructure:"admin_token"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MySQLConfig 数据库配置，driver 为 sqlite 时 Database 即文件路径
type MySQLConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

// KafkaTopicConfig 出站消息的 topic，UserNotify 由聊天渠道投递，不经过 Kafka
type KafkaTopicConfig struct {
	PaymentResult string `mapstructure:"payment_result"`
	UserNotify    string `mapstructure:"user_notify"`
}

type BusinessConfig struct {
	QuotaEnabled             bool          `mapstructure:"quota_enabled"`
	DailyFreeAllowance       int           `mapstructure:"daily_free_allowance"`
	MaxConcurrentGenerations int           `mapstructure:"max_concurrent_generations"`
	PollInterval             time.Duration `mapstructure:"poll_interval"`
	PollTimeout              time.Duration `mapstructure:"poll_timeout"`
	AmountTolerance          float64       `mapstructure:"amount_tolerance"`
	OrderTimeoutMinutes      int           `mapstructure:"order_timeout_minutes"`
	MaxRetryCount            int           `mapstructure:"max_retry_count"`
}

// LedgerConfig 账本写锁配置，Lock 取值 local 或 redis
type LedgerConfig struct {
	Lock            string        `mapstructure:"lock"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	StuckClaimAfter time.Duration `mapstructure:"stuck_claim_after"`
}

type TelegramConfig struct {
	Token      string `mapstructure:"token"`
	WebhookURL string `mapstructure:"webhook_url"`
	APIBase    string `mapstructure:"api_base"`
}

type RunPodConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	EndpointID   string `mapstructure:"endpoint_id"`
	APIKey       string `mapstructure:"api_key"`
	WorkflowPath string `mapstructure:"workflow_path"`
}

type PaymentConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	IPNSecret       string `mapstructure:"ipn_secret"`
	CallbackURL     string `mapstructure:"callback_url"`
	SuccessURL      string `mapstructure:"success_url"`
	CancelURL       string `mapstructure:"cancel_url"`
	PriceCurrency   string `mapstructure:"price_currency"`
	PaidAmountField string `mapstructure:"paid_amount_field"`
}

// PackageConfig 可购买的积分套餐
type PackageConfig struct {
	ID       string  `mapstructure:"id"`
	Credits  int64   `mapstructure:"credits"`
	PriceUSD float64 `mapstructure:"price_usd"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.node_id", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("mysql.driver", "mysql")
	v.SetDefault("mysql.max_open_conns", 20)
	v.SetDefault("mysql.max_idle_conns", 5)
	v.SetDefault("kafka.topic.payment_result", "payment_result")
	v.SetDefault("kafka.topic.user_notify", "user_notify")
	v.SetDefault("business.quota_enabled", true)
	v.SetDefault("business.daily_free_allowance", 2)
	v.SetDefault("business.max_concurrent_generations", 1)
	v.SetDefault("business.poll_interval", 3*time.Second)
	v.SetDefault("business.poll_timeout", 300*time.Second)
	v.SetDefault("business.amount_tolerance", 0.02)
	v.SetDefault("business.order_timeout_minutes", 24*60)
	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("ledger.lock", "local")
	v.SetDefault("ledger.lock_ttl", 30*time.Second)
	v.SetDefault("ledger.stuck_claim_after", 10*time.Minute)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("runpod.base_url", "https://api.runpod.ai")
	v.SetDefault("runpod.workflow_path", "workflow_api.json")
	v.SetDefault("payment.base_url", "https://api.nowpayments.io/v1")
	v.SetDefault("payment.price_currency", "usd")
	v.SetDefault("payment.paid_amount_field", "actually_paid_at_fiat")
}

// Load 读取 YAML 配置文件，环境变量 GENRELAY_* 覆盖文件中的同名配置
func Load(configPath string) (*Config, error) {
	// .env 不存在时忽略
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("加载 .env 失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GENRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = cfg
	return cfg, nil
}

// Validate 检查关键配置项
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token 不能为空"))
	}
	if c.Business.DailyFreeAllowance < 0 {
		errs = append(errs, errors.New("business.daily_free_allowance 不能为负数"))
	}
	if c.Business.MaxConcurrentGenerations < 1 {
		errs = append(errs, errors.New("business.max_concurrent_generations 至少为 1"))
	}
	if c.Business.AmountTolerance < 0 || c.Business.AmountTolerance >= 1 {
		errs = append(errs, errors.New("business.amount_tolerance 必须在 [0, 1) 区间"))
	}
	if c.Business.PollInterval <= 0 || c.Business.PollTimeout < c.Business.PollInterval {
		errs = append(errs, errors.New("business.poll_interval/poll_timeout 配置不合法"))
	}
	switch c.Ledger.Lock {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("ledger.lock 不支持: %q", c.Ledger.Lock))
	}
	seen := make(map[string]bool, len(c.Packages))
	for _, p := range c.Packages {
		if p.ID == "" || p.Credits <= 0 || p.PriceUSD <= 0 {
			errs = append(errs, fmt.Errorf("套餐配置不合法: %+v", p))
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("套餐 ID 重复: %s", p.ID))
		}
		seen[p.ID] = true
	}
	return errors.Join(errs...)
}

// Package 按 ID 查找套餐
func (c *Config) Package(id string) (PackageConfig, bool) {
	for _, p := range c.Packages {
		if p.ID == id {
			return p, true
		}
	}
	return PackageConfig{}, false
}
