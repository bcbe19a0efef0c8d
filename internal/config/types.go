package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig              `mapstructure:"app"`
	Feed     FeedConfig             `mapstructure:"feed"`
	Price    PriceConfig            `mapstructure:"price"`
	Strategy StrategyConfig         `mapstructure:"strategy"`
	Dispatch DispatchConfig         `mapstructure:"dispatch"`
	Identity IdentityConfig         `mapstructure:"identity"`
	Ledger   LedgerConfig           `mapstructure:"ledger"`
	Markets  []string               `mapstructure:"markets"`
	Assets   map[string]AssetConfig `mapstructure:"assets"`
	Database DatabaseConfig         `mapstructure:"database"`
	Logging  LoggingConfig          `mapstructure:"logging"`
	Monitor  MonitorConfig          `mapstructure:"monitor"`
	Secrets  SecretsConfig          `mapstructure:"secrets"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// FeedConfig 描述订单簿推送连接。
type FeedConfig struct {
	WSURL            string        `mapstructure:"ws_url"`
	ResultLimit      int           `mapstructure:"result_limit"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
}

// PriceConfig 描述外部参考价来源。
type PriceConfig struct {
	Source        string         `mapstructure:"source"` // coingecko | exchange
	Host          string         `mapstructure:"host"`
	APIKeyHeader  string         `mapstructure:"api_key_header"`
	QuoteCurrency string         `mapstructure:"quote_currency"`
	PollInterval  time.Duration  `mapstructure:"poll_interval"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	Exchange      ExchangeConfig `mapstructure:"exchange"`
}

// ExchangeConfig 在 price.source=exchange 时使用。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// StrategyConfig 控制信号生成节奏与下单数量区间（可读单位）。
type StrategyConfig struct {
	Interval  time.Duration   `mapstructure:"interval"`
	Policy    string          `mapstructure:"policy"`
	MinAmount decimal.Decimal `mapstructure:"min_amount"`
	MaxAmount decimal.Decimal `mapstructure:"max_amount"`
}

// DispatchConfig 控制批量提交；batch_size 同时作为触发阈值与单批上限。
type DispatchConfig struct {
	BatchSize          int           `mapstructure:"batch_size"`
	FlushCheckInterval time.Duration `mapstructure:"flush_check_interval"`
	MaxInFlight        int           `mapstructure:"max_in_flight"`
	SubmitTimeout      time.Duration `mapstructure:"submit_timeout"`
	GasPerCall         uint64        `mapstructure:"gas_per_call"`
	Tip                uint64        `mapstructure:"tip"`
}

// IdentityConfig 控制交易身份派生。
type IdentityConfig struct {
	PoolSize        int    `mapstructure:"pool_size"`
	PartitionOffset int    `mapstructure:"partition_offset"`
	DerivationPath  string `mapstructure:"derivation_path"` // 含一个 %d 占位符
}

// LedgerConfig 描述账本网关。
type LedgerConfig struct {
	Mode     string           `mapstructure:"mode"` // rpc | simulate
	Endpoint string           `mapstructure:"endpoint"`
	Timeout  time.Duration    `mapstructure:"timeout"`
	Retry    RetryConfig      `mapstructure:"retry"`
	Simulate SimulationConfig `mapstructure:"simulate"`
}

// SimulationConfig 仅用于 ledger.mode=simulate。
type SimulationConfig struct {
	BaseAsset     string        `mapstructure:"base_asset"`
	BaseDecimals  uint8         `mapstructure:"base_decimals"`
	QuoteAsset    string        `mapstructure:"quote_asset"`
	QuoteDecimals uint8         `mapstructure:"quote_decimals"`
	Latency       time.Duration `mapstructure:"latency"`
	FailureRate   float64       `mapstructure:"failure_rate"`
}

// AssetConfig 描述单个资产的元数据。
type AssetConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Decimals uint8  `mapstructure:"decimals"`
	PriceID  string `mapstructure:"price_id"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string            `mapstructure:"level"`
	Encoding         string            `mapstructure:"encoding"`
	Development      bool              `mapstructure:"development"`
	OutputPaths      []string          `mapstructure:"output_paths"`
	ErrorOutputPaths []string          `mapstructure:"error_output_paths"`
	File             LoggingFileConfig `mapstructure:"file"`
}

// LoggingFileConfig 为可选的滚动日志文件。
type LoggingFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// MonitorConfig 控制状态接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SecretsConfig 只从环境变量读取。
type SecretsConfig struct {
	Mnemonic    string `mapstructure:"mnemonic"`
	PriceAPIKey string `mapstructure:"price_api_key"`
}

// PrimaryMarket 返回首个市场地址。
func (c *Config) PrimaryMarket() string {
	if len(c.Markets) == 0 {
		return ""
	}
	return c.Markets[0]
}

// Asset 按资产标识查找元数据，标识大小写不敏感。
func (c *Config) Asset(id string) (AssetConfig, bool) {
	asset, ok := c.Assets[strings.ToLower(strings.TrimSpace(id))]
	return asset, ok
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Feed.WSURL == "" {
		err = multierr.Append(err, errors.New("feed.ws_url 不能为空"))
	}
	if c.Feed.ResultLimit <= 0 {
		err = multierr.Append(err, errors.New("feed.result_limit 必须大于0"))
	}
	if c.Feed.ReconnectDelay <= 0 {
		err = multierr.Append(err, errors.New("feed.reconnect_delay 必须大于0"))
	}
	if c.Feed.ReadTimeout <= 0 {
		err = multierr.Append(err, errors.New("feed.read_timeout 必须大于0"))
	}

	switch strings.ToLower(c.Price.Source) {
	case "coingecko":
		if c.Price.Host == "" {
			err = multierr.Append(err, errors.New("price.host 不能为空"))
		}
		if c.Secrets.PriceAPIKey == "" {
			err = multierr.Append(err, errors.New("缺少价格接口凭证 (COINGECKO_API_KEY)"))
		}
		if c.Price.QuoteCurrency == "" {
			err = multierr.Append(err, errors.New("price.quote_currency 不能为空"))
		}
	case "exchange":
		if c.Price.Exchange.Name == "" {
			err = multierr.Append(err, errors.New("price.exchange.name 不能为空"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("price.source 取值非法: %q", c.Price.Source))
	}
	if c.Price.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("price.poll_interval 必须大于0"))
	}

	if c.Strategy.Interval <= 0 {
		err = multierr.Append(err, errors.New("strategy.interval 必须大于0"))
	}
	if !c.Strategy.MinAmount.IsPositive() {
		err = multierr.Append(err, errors.New("strategy.min_amount 必须大于0"))
	}
	if c.Strategy.MaxAmount.LessThan(c.Strategy.MinAmount) {
		err = multierr.Append(err, errors.New("strategy.max_amount 不能小于 min_amount"))
	}

	if c.Dispatch.BatchSize <= 0 {
		err = multierr.Append(err, errors.New("dispatch.batch_size 必须大于0"))
	}
	if c.Dispatch.FlushCheckInterval <= 0 {
		err = multierr.Append(err, errors.New("dispatch.flush_check_interval 必须大于0"))
	}
	if c.Dispatch.MaxInFlight < 0 {
		err = multierr.Append(err, errors.New("dispatch.max_in_flight 不能为负"))
	} else if c.Dispatch.MaxInFlight > 0 && c.Dispatch.MaxInFlight < c.Identity.PoolSize {
		err = multierr.Append(err, fmt.Errorf("dispatch.max_in_flight (%d) 不能小于 identity.pool_size (%d)", c.Dispatch.MaxInFlight, c.Identity.PoolSize))
	}
	if c.Dispatch.SubmitTimeout <= 0 {
		err = multierr.Append(err, errors.New("dispatch.submit_timeout 必须大于0"))
	}

	if c.Identity.PoolSize <= 0 {
		err = multierr.Append(err, errors.New("identity.pool_size 必须大于0"))
	}
	if c.Identity.PartitionOffset < 0 {
		err = multierr.Append(err, errors.New("identity.partition_offset 不能为负"))
	}
	if strings.Count(c.Identity.DerivationPath, "%d") != 1 {
		err = multierr.Append(err, errors.New("identity.derivation_path 必须包含且仅包含一个 %d"))
	}
	if c.Secrets.Mnemonic == "" {
		err = multierr.Append(err, errors.New("缺少主助记词 (WALLET_MNEMONIC)"))
	}

	switch strings.ToLower(c.Ledger.Mode) {
	case "rpc":
		if c.Ledger.Endpoint == "" {
			err = multierr.Append(err, errors.New("ledger.endpoint 不能为空"))
		}
		if c.Ledger.Retry.MaxAttempts <= 0 {
			err = multierr.Append(err, errors.New("ledger.retry.max_attempts 必须大于0"))
		}
		if c.Ledger.Retry.MinDelay > c.Ledger.Retry.MaxDelay {
			err = multierr.Append(err, errors.New("ledger.retry.min_delay 不能大于 max_delay"))
		}
	case "simulate":
		if c.Ledger.Simulate.FailureRate < 0 || c.Ledger.Simulate.FailureRate > 1 {
			err = multierr.Append(err, errors.New("ledger.simulate.failure_rate 必须位于[0,1]"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("ledger.mode 取值非法: %q", c.Ledger.Mode))
	}

	if len(c.Markets) == 0 {
		err = multierr.Append(err, errors.New("markets 至少包含一个市场"))
	}
	for id, asset := range c.Assets {
		if asset.PriceID == "" {
			err = multierr.Append(err, fmt.Errorf("assets.%s.price_id 不能为空", id))
		}
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 非法"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
