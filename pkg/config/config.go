package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/betbot/ordercore/pkg/logger"
)

// envPrefix 所有环境变量覆盖项的前缀
const envPrefix = "ORDERCORE_"

// Duration 配置文件中的时长，写作 "5s"、"250ms"
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		// 兼容纯数字（秒）
		var secs float64
		if err2 := json.Unmarshal(b, &secs); err2 != nil {
			return fmt.Errorf("invalid duration %s", string(b))
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// ServerConfig HTTP 接口
type ServerConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// MetricsConfig metrics/debug 服务
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// ExecutionConfig 执行器
type ExecutionConfig struct {
	LockTimeout   Duration `yaml:"lock_timeout" json:"lock_timeout"`
	BrokerTimeout Duration `yaml:"broker_timeout" json:"broker_timeout"`
	LockShards    int      `yaml:"lock_shards" json:"lock_shards"`
	AutoExit      bool     `yaml:"auto_exit" json:"auto_exit"`
	// ReconcileInterval 后台对账周期，0 表示只在查询时对账
	ReconcileInterval Duration `yaml:"reconcile_interval" json:"reconcile_interval"`
	// OrderRetention 终态订单在内存中的保留时长，之后只从持久化读取
	OrderRetention Duration `yaml:"order_retention" json:"order_retention"`
}

// RiskConfig 风控阈值；<= 0 表示关闭对应规则
type RiskConfig struct {
	DailyLossLimit             float64 `yaml:"daily_loss_limit" json:"daily_loss_limit"`
	MaxTradesPerDay            int     `yaml:"max_trades_per_day" json:"max_trades_per_day"`
	MaxOpenPositions           int     `yaml:"max_open_positions" json:"max_open_positions"`
	MaxLeverage                float64 `yaml:"max_leverage" json:"max_leverage"`
	DefaultEquity              float64 `yaml:"default_equity" json:"default_equity"`
	DayBoundaryTZ              string  `yaml:"day_boundary_tz" json:"day_boundary_tz"`
	MaxConsecutiveBrokerErrors int     `yaml:"max_consecutive_broker_errors" json:"max_consecutive_broker_errors"`
}

// Location 日切时区
func (r RiskConfig) Location() (*time.Location, error) {
	if r.DayBoundaryTZ == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(r.DayBoundaryTZ)
}

// BrokerConfig 券商
type BrokerConfig struct {
	Kind          string   `yaml:"kind" json:"kind"` // paper | http
	BaseURL       string   `yaml:"base_url" json:"base_url"`
	APIKey        string   `yaml:"api_key" json:"api_key"`
	APISecret     string   `yaml:"api_secret" json:"api_secret"`
	AccountID     string   `yaml:"account_id" json:"account_id"`
	RateLimit     float64  `yaml:"rate_limit" json:"rate_limit"` // 每秒请求数
	Timeout       Duration `yaml:"timeout" json:"timeout"`
	StatusRetries int      `yaml:"status_retries" json:"status_retries"`
	// SecretDB 加密凭证库（badger）；密钥只从 ORDERCORE_SECRET_KEY 读取
	SecretDB string `yaml:"secret_db" json:"secret_db"`
	Paper    struct {
		Latency   Duration `yaml:"latency" json:"latency"`
		FillRatio float64  `yaml:"fill_ratio" json:"fill_ratio"`
	} `yaml:"paper" json:"paper"`
}

// StorageConfig 持久化
type StorageConfig struct {
	Driver string `yaml:"driver" json:"driver"` // memory | sqlite | badger
	Path   string `yaml:"path" json:"path"`
}

// MarketDataConfig 行情
type MarketDataConfig struct {
	WSURL        string   `yaml:"ws_url" json:"ws_url"`
	PollURL      string   `yaml:"poll_url" json:"poll_url"`
	Symbols      []string `yaml:"symbols" json:"symbols"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
	PriceTTL     Duration `yaml:"price_ttl" json:"price_ttl"`
	ProxyURL     string   `yaml:"proxy_url" json:"proxy_url"`
}

// Config 应用配置
type Config struct {
	Log            logger.Config    `yaml:"log" json:"log"`
	Server         ServerConfig     `yaml:"server" json:"server"`
	Metrics        MetricsConfig    `yaml:"metrics" json:"metrics"`
	Execution      ExecutionConfig  `yaml:"execution" json:"execution"`
	Risk           RiskConfig       `yaml:"risk" json:"risk"`
	Broker         BrokerConfig     `yaml:"broker" json:"broker"`
	Storage        StorageConfig    `yaml:"storage" json:"storage"`
	MarketData     MarketDataConfig `yaml:"marketdata" json:"marketdata"`
	PersistenceDir string           `yaml:"persistence_dir" json:"persistence_dir"`
}

// Default 默认配置：纸交易 + 内存存储
func Default() *Config {
	c := &Config{
		Log:     logger.Config{Level: "info", MaxSize: 100, MaxBackups: 3, MaxAge: 7, Compress: true},
		Server:  ServerConfig{Listen: ":8080"},
		Metrics: MetricsConfig{Listen: "127.0.0.1:6060"},
		Execution: ExecutionConfig{
			LockTimeout:    Duration(5 * time.Second),
			BrokerTimeout:  Duration(10 * time.Second),
			LockShards:     32,
			AutoExit:       true,
			OrderRetention: Duration(time.Hour),
		},
		Risk: RiskConfig{
			DefaultEquity:              100000,
			MaxConsecutiveBrokerErrors: 5,
		},
		Broker: BrokerConfig{
			Kind:          "paper",
			RateLimit:     10,
			Timeout:       Duration(10 * time.Second),
			StatusRetries: 3,
		},
		Storage: StorageConfig{Driver: "memory"},
		MarketData: MarketDataConfig{
			PollInterval: Duration(5 * time.Second),
			PriceTTL:     Duration(time.Minute),
		},
		PersistenceDir: "data",
	}
	c.Broker.Paper.FillRatio = 1
	return c
}

// Load 默认值 → 配置文件（可选）→ 环境变量，优先级依次升高
func Load(filePath string) (*Config, error) {
	cfg := Default()
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// loadConfigFile 加载配置文件（支持 YAML 和 JSON），覆盖到 cfg 上
func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", filepath.Ext(filePath))
	}
	return nil
}

func applyEnv(c *Config) {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.OutputFile = getEnv("LOG_FILE", c.Log.OutputFile)

	c.Server.Listen = getEnv("SERVER_LISTEN", c.Server.Listen)
	c.Metrics.Enabled = parseBoolEnv("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Listen = getEnv("METRICS_LISTEN", c.Metrics.Listen)

	c.Execution.LockTimeout = parseDurationEnv("EXECUTION_LOCK_TIMEOUT", c.Execution.LockTimeout)
	c.Execution.BrokerTimeout = parseDurationEnv("EXECUTION_BROKER_TIMEOUT", c.Execution.BrokerTimeout)
	c.Execution.LockShards = parseIntEnv("EXECUTION_LOCK_SHARDS", c.Execution.LockShards)
	c.Execution.AutoExit = parseBoolEnv("EXECUTION_AUTO_EXIT", c.Execution.AutoExit)
	c.Execution.ReconcileInterval = parseDurationEnv("EXECUTION_RECONCILE_INTERVAL", c.Execution.ReconcileInterval)
	c.Execution.OrderRetention = parseDurationEnv("EXECUTION_ORDER_RETENTION", c.Execution.OrderRetention)

	c.Risk.DailyLossLimit = parseFloatEnv("RISK_DAILY_LOSS_LIMIT", c.Risk.DailyLossLimit)
	c.Risk.MaxTradesPerDay = parseIntEnv("RISK_MAX_TRADES_PER_DAY", c.Risk.MaxTradesPerDay)
	c.Risk.MaxOpenPositions = parseIntEnv("RISK_MAX_OPEN_POSITIONS", c.Risk.MaxOpenPositions)
	c.Risk.MaxLeverage = parseFloatEnv("RISK_MAX_LEVERAGE", c.Risk.MaxLeverage)
	c.Risk.DefaultEquity = parseFloatEnv("RISK_DEFAULT_EQUITY", c.Risk.DefaultEquity)
	c.Risk.DayBoundaryTZ = getEnv("RISK_DAY_BOUNDARY_TZ", c.Risk.DayBoundaryTZ)
	c.Risk.MaxConsecutiveBrokerErrors = parseIntEnv("RISK_MAX_CONSECUTIVE_BROKER_ERRORS", c.Risk.MaxConsecutiveBrokerErrors)

	c.Broker.Kind = getEnv("BROKER_KIND", c.Broker.Kind)
	c.Broker.BaseURL = getEnv("BROKER_BASE_URL", c.Broker.BaseURL)
	c.Broker.APIKey = getEnv("BROKER_API_KEY", c.Broker.APIKey)
	c.Broker.APISecret = getEnv("BROKER_API_SECRET", c.Broker.APISecret)
	c.Broker.AccountID = getEnv("BROKER_ACCOUNT_ID", c.Broker.AccountID)
	c.Broker.RateLimit = parseFloatEnv("BROKER_RATE_LIMIT", c.Broker.RateLimit)
	c.Broker.Timeout = parseDurationEnv("BROKER_TIMEOUT", c.Broker.Timeout)
	c.Broker.SecretDB = getEnv("BROKER_SECRET_DB", c.Broker.SecretDB)

	c.Storage.Driver = getEnv("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)

	c.MarketData.WSURL = getEnv("MARKETDATA_WS_URL", c.MarketData.WSURL)
	c.MarketData.PollURL = getEnv("MARKETDATA_POLL_URL", c.MarketData.PollURL)
	if v := getEnv("MARKETDATA_SYMBOLS", ""); v != "" {
		c.MarketData.Symbols = parseList(v)
	}
	c.MarketData.PollInterval = parseDurationEnv("MARKETDATA_POLL_INTERVAL", c.MarketData.PollInterval)
	c.MarketData.PriceTTL = parseDurationEnv("MARKETDATA_PRICE_TTL", c.MarketData.PriceTTL)
	c.MarketData.ProxyURL = getEnv("MARKETDATA_PROXY_URL", c.MarketData.ProxyURL)

	c.PersistenceDir = getEnv("PERSISTENCE_DIR", c.PersistenceDir)
}

// Validate 返回第一个不合法的配置项
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen 未配置")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen 未配置")
	}
	if c.Execution.LockTimeout.Std() <= 0 {
		return fmt.Errorf("execution.lock_timeout 必须大于 0")
	}
	if c.Execution.BrokerTimeout.Std() <= 0 {
		return fmt.Errorf("execution.broker_timeout 必须大于 0")
	}
	if c.Execution.LockShards < 0 {
		return fmt.Errorf("execution.lock_shards 不能为负数")
	}
	if c.Execution.OrderRetention.Std() < 0 {
		return fmt.Errorf("execution.order_retention 不能为负数")
	}
	if c.Risk.DailyLossLimit < 0 {
		return fmt.Errorf("risk.daily_loss_limit 不能为负数")
	}
	if c.Risk.MaxLeverage < 0 {
		return fmt.Errorf("risk.max_leverage 不能为负数")
	}
	if c.Risk.MaxLeverage > 0 && c.Risk.DefaultEquity <= 0 {
		return fmt.Errorf("risk.default_equity 必须大于 0（启用了 max_leverage）")
	}
	if _, err := c.Risk.Location(); err != nil {
		return fmt.Errorf("risk.day_boundary_tz 无效: %w", err)
	}
	switch c.Broker.Kind {
	case "paper":
		if c.Broker.Paper.FillRatio <= 0 || c.Broker.Paper.FillRatio > 1 {
			return fmt.Errorf("broker.paper.fill_ratio 必须在 (0, 1] 之间")
		}
	case "http":
		if c.Broker.BaseURL == "" {
			return fmt.Errorf("broker.base_url 未配置")
		}
		if c.Broker.APIKey == "" && c.Broker.SecretDB == "" {
			return fmt.Errorf("broker.api_key 未配置（也未配置 broker.secret_db）")
		}
	default:
		return fmt.Errorf("未知的 broker.kind: %s (支持 paper, http)", c.Broker.Kind)
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "badger":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path 未配置（driver=%s）", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("未知的 storage.driver: %s (支持 memory, sqlite, badger)", c.Storage.Driver)
	}
	if (c.MarketData.WSURL != "" || c.MarketData.PollURL != "") && len(c.MarketData.Symbols) == 0 {
		return fmt.Errorf("marketdata.symbols 不能为空（配置了行情源）")
	}
	return nil
}

// parseList 解析逗号分隔列表
func parseList(str string) []string {
	parts := strings.Split(str, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv 获取环境变量（自动加前缀），不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationEnv(key string, defaultValue Duration) Duration {
	value := os.Getenv(envPrefix + key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return Duration(parsed)
}
