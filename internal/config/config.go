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

// Config 全局配置结构体（对应 config/config.yaml）
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`      // 管理接口配置
	Database    DatabaseConfig          `mapstructure:"database"`    // 存储配置
	Log         LogConfig               `mapstructure:"log"`         // 日志配置
	Pipeline    PipelineConfig          `mapstructure:"pipeline"`    // 流水线配置
	Redis       RedisConfig             `mapstructure:"redis"`       // 运行锁（可选）
	Export      ExportConfig            `mapstructure:"export"`      // 导出默认值
	Sources     map[string]SourceConfig `mapstructure:"sources"`     // 数据源配置（目前仅 tandem）
	Credentials CredentialsConfig       `mapstructure:"credentials"` // 凭据文件位置
}

// ServerConfig 管理接口
type ServerConfig struct {
	Port int    `mapstructure:"port"` // 服务端口
	Mode string `mapstructure:"mode"` // Gin运行模式：debug/release/test
}

// DatabaseConfig 存储配置；DSN 前缀决定驱动：sqlite:// 或 postgres://
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	BusyTimeout     time.Duration `mapstructure:"busy_timeout"` // sqlite 写锁等待
	LogSQL          bool          `mapstructure:"log_sql"`      // 是否输出SQL日志
}

// LogConfig 日志
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug/info/warn/error
	Format string `mapstructure:"format"` // text/json
}

// PipelineConfig 抓取、解析、抽取参数
type PipelineConfig struct {
	EpochFloor      string        `mapstructure:"epoch_floor"`      // 空库时的起始日期 YYYY-MM-DD
	WindowDays      int           `mapstructure:"window_days"`      // 抓取窗口天数
	ParseBatchSize  int           `mapstructure:"parse_batch_size"` // 解析批大小
	Timezone        string        `mapstructure:"timezone"`         // 泵本地时区
	Source          string        `mapstructure:"source"`           // 使用的数据源名称
	Extractors      []string      `mapstructure:"extractors"`       // 启用的抽取器，为空表示全部
	GlucoseMin      int           `mapstructure:"glucose_min"`
	GlucoseMax      int           `mapstructure:"glucose_max"`
	Retry           RetryConfig   `mapstructure:"retry"`
	WatchInterval   time.Duration `mapstructure:"watch_interval"`    // 持续抓取间隔
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`     // 只读查询超时
	QueryMaxRows    int           `mapstructure:"query_max_rows"`    // 只读查询行数上限
	QueryDefaultRow int           `mapstructure:"query_default_row"` // 只读查询默认行数
}

// RetryConfig 窗口级重试
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// RedisConfig 为空地址时使用进程内锁
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockKey  string        `mapstructure:"lock_key"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// ExportConfig 导出默认值
type ExportConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	Format    string `mapstructure:"format"`
}

// SourceConfig 单个数据源配置
type SourceConfig struct {
	LoginURL   string  `mapstructure:"login_url"`   // 登录接口
	AuthURL    string  `mapstructure:"auth_url"`    // OIDC 授权端点（含 connect/authorize）
	TokenURL   string  `mapstructure:"token_url"`   // OIDC token 端点
	SourceURL  string  `mapstructure:"source_url"`  // 数据接口基础地址
	ClientID   string  `mapstructure:"client_id"`   // OIDC client id
	Redirect   string  `mapstructure:"redirect"`    // OIDC 回调地址
	Timeout    int     `mapstructure:"timeout"`     // 请求超时（秒）
	RetryCount int     `mapstructure:"retry_count"` // 传输层重试次数（窗口级重试由流水线负责）
	Proxy      string  `mapstructure:"proxy"`       // 代理地址
	RateLimit  float64 `mapstructure:"rate_limit"`  // 每秒请求数上限，<=0 不限速

	Email        string `mapstructure:"-"`
	Password     string `mapstructure:"-"`
	SerialNumber string `mapstructure:"-"`
}

// CredentialsConfig 凭据文件（TOML）
type CredentialsConfig struct {
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.dsn", "sqlite://data/tandem.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.busy_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("pipeline.epoch_floor", "2020-01-01")
	v.SetDefault("pipeline.window_days", 7)
	v.SetDefault("pipeline.parse_batch_size", 1000)
	v.SetDefault("pipeline.timezone", "America/New_York")
	v.SetDefault("pipeline.source", "tandem")
	v.SetDefault("pipeline.glucose_min", 40)
	v.SetDefault("pipeline.glucose_max", 400)
	v.SetDefault("pipeline.retry.max_attempts", 5)
	v.SetDefault("pipeline.retry.initial_delay", time.Second)
	v.SetDefault("pipeline.retry.max_delay", 30*time.Second)
	v.SetDefault("pipeline.retry.multiplier", 2.0)
	v.SetDefault("pipeline.watch_interval", 5*time.Minute)
	v.SetDefault("pipeline.query_timeout", 30*time.Second)
	v.SetDefault("pipeline.query_max_rows", 10000)
	v.SetDefault("pipeline.query_default_row", 1000)
	v.SetDefault("redis.lock_key", "tandemsync:pipeline:lock")
	v.SetDefault("redis.lock_ttl", 30*time.Minute)
	v.SetDefault("export.output_dir", "exports")
	v.SetDefault("export.format", "parquet")
	v.SetDefault("credentials.path", "sensitive/credentials.toml")
	v.SetDefault("sources.tandem.login_url", "https://tdcservices.tandemdiabetes.com/accounts/api/login")
	v.SetDefault("sources.tandem.auth_url", "https://tdcservices.tandemdiabetes.com/accounts/api/connect/authorize")
	v.SetDefault("sources.tandem.token_url", "https://tdcservices.tandemdiabetes.com/accounts/api/connect/token")
	v.SetDefault("sources.tandem.source_url", "https://source.tandemdiabetes.com")
	v.SetDefault("sources.tandem.client_id", "0oa27ho9tpZE9Arjy4h7")
	v.SetDefault("sources.tandem.redirect", "https://sso.tandemdiabetes.com/auth/callback")
	v.SetDefault("sources.tandem.timeout", 60)
	v.SetDefault("sources.tandem.retry_count", 0)
	v.SetDefault("sources.tandem.rate_limit", 2.0)
}

// LoadConfig 加载配置文件，path 为空时读取 ./config/config.yaml；敏感项从 .env / 环境变量覆盖
func LoadConfig(path string) (*Config, error) {
	// 1. 加载 .env（若存在）
	_ = godotenv.Load()

	// 2. 读取 yaml（文件不存在时全部使用默认值）
	v := viper.New()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	// 3. 凭据文件 + 环境变量覆盖（优先级 env > toml > yaml）
	if err := loadCredentials(&cfg); err != nil {
		return nil, err
	}
	overrideFromEnv(&cfg)
	return &cfg, nil
}

// loadCredentials 读取 TOML 凭据文件（TANDEM_SOURCE_EMAIL / TANDEM_SOURCE_PASSWORD / PUMP_SERIAL_NUMBER）
func loadCredentials(cfg *Config) error {
	if cfg.Credentials.Path == "" {
		return nil
	}
	if _, err := os.Stat(cfg.Credentials.Path); os.IsNotExist(err) {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(cfg.Credentials.Path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取凭据文件失败: %w", err)
	}
	src := cfg.Sources["tandem"]
	src.Email = v.GetString("TANDEM_SOURCE_EMAIL")
	src.Password = v.GetString("TANDEM_SOURCE_PASSWORD")
	src.SerialNumber = v.GetString("PUMP_SERIAL_NUMBER")
	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceConfig{}
	}
	cfg.Sources["tandem"] = src
	return nil
}

// overrideFromEnv 用环境变量覆盖敏感配置
func overrideFromEnv(cfg *Config) {
	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceConfig{}
	}
	t := cfg.Sources["tandem"]
	if v := os.Getenv("TANDEM_SOURCE_EMAIL"); v != "" {
		t.Email = v
	}
	if v := os.Getenv("TANDEM_SOURCE_PASSWORD"); v != "" {
		t.Password = v
	}
	if v := os.Getenv("PUMP_SERIAL_NUMBER"); v != "" {
		t.SerialNumber = v
	}
	if v := os.Getenv("TANDEM_PROXY"); v != "" {
		t.Proxy = v
	}
	cfg.Sources["tandem"] = t

	if v := os.Getenv("TANDEMSYNC_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("TANDEMSYNC_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TANDEMSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate 启动前校验
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn 不能为空")
	}
	if !strings.HasPrefix(c.Database.DSN, "sqlite://") && !strings.HasPrefix(c.Database.DSN, "postgres://") &&
		!strings.HasPrefix(c.Database.DSN, "postgresql://") {
		return fmt.Errorf("database.dsn 仅支持 sqlite:// 或 postgres://，当前: %s", c.Database.DSN)
	}
	if c.Pipeline.WindowDays <= 0 {
		return fmt.Errorf("pipeline.window_days 必须大于0")
	}
	if _, err := c.Pipeline.Floor(); err != nil {
		return err
	}
	if _, err := c.Pipeline.Location(); err != nil {
		return err
	}
	if c.Pipeline.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.retry.max_attempts 必须大于0")
	}
	if c.Pipeline.GlucoseMin >= c.Pipeline.GlucoseMax {
		return fmt.Errorf("pipeline.glucose_min 必须小于 glucose_max")
	}
	return nil
}

// RequireCredentials 抓取前检查凭据是否齐全
func (s SourceConfig) RequireCredentials() error {
	if s.Email == "" || s.Password == "" {
		return fmt.Errorf("缺少 Tandem Source 凭据（TANDEM_SOURCE_EMAIL / TANDEM_SOURCE_PASSWORD）")
	}
	return nil
}

// Floor 解析空库起始日期
func (p PipelineConfig) Floor() (time.Time, error) {
	t, err := time.Parse("2006-01-02", p.EpochFloor)
	if err != nil {
		return time.Time{}, fmt.Errorf("pipeline.epoch_floor 格式错误（应为 YYYY-MM-DD）: %w", err)
	}
	return t, nil
}

// Location 泵本地时区
func (p PipelineConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("pipeline.timezone 无效: %w", err)
	}
	return loc, nil
}

// Window 抓取窗口长度
func (p PipelineConfig) Window() time.Duration {
	return time.Duration(p.WindowDays) * 24 * time.Hour
}
