package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "filler"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	if path == "" {
		path = defaultConfigPath
	}

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

// LoadFromReader 从 YAML 内容加载配置，主要用于测试与内嵌配置。
func LoadFromReader(content string) (*Config, error) {
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("读取配置内容失败: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	// 凭证兼容历史环境变量名。
	_ = v.BindEnv("secrets.mnemonic", "FILLER_SECRETS_MNEMONIC", "WALLET_MNEMONIC")
	_ = v.BindEnv("secrets.price_api_key", "FILLER_SECRETS_PRICE_API_KEY", "COINGECKO_API_KEY")

	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if cfg.Dispatch.MaxInFlight == 0 {
		cfg.Dispatch.MaxInFlight = cfg.Identity.PoolSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("feed.ws_url", "wss://indexer.bigdevenergy.link/graphql")
	v.SetDefault("feed.result_limit", 25)
	v.SetDefault("feed.reconnect_delay", "5s")
	v.SetDefault("feed.handshake_timeout", "10s")
	v.SetDefault("feed.write_timeout", "5s")
	v.SetDefault("feed.read_timeout", "30s")

	v.SetDefault("price.source", "coingecko")
	v.SetDefault("price.host", "https://api.coingecko.com/api/v3")
	v.SetDefault("price.api_key_header", "x-cg-demo-api-key")
	v.SetDefault("price.quote_currency", "usd")
	v.SetDefault("price.poll_interval", "10s")
	v.SetDefault("price.timeout", "5s")
	v.SetDefault("price.exchange.name", "binance")
	v.SetDefault("price.exchange.use_sandbox", false)
	v.SetDefault("price.exchange.retry.max_attempts", 3)
	v.SetDefault("price.exchange.retry.min_delay", "500ms")
	v.SetDefault("price.exchange.retry.max_delay", "5s")

	v.SetDefault("strategy.interval", "1s")
	v.SetDefault("strategy.policy", "random")
	v.SetDefault("strategy.min_amount", "0.00001")
	v.SetDefault("strategy.max_amount", "0.0001")

	v.SetDefault("dispatch.batch_size", 10)
	v.SetDefault("dispatch.flush_check_interval", "400ms")
	v.SetDefault("dispatch.max_in_flight", 0)
	v.SetDefault("dispatch.submit_timeout", "30s")
	v.SetDefault("dispatch.gas_per_call", 800000)
	v.SetDefault("dispatch.tip", 1)

	v.SetDefault("identity.pool_size", 3)
	v.SetDefault("identity.partition_offset", 0)
	v.SetDefault("identity.derivation_path", "m/44'/60'/0'/%d")

	v.SetDefault("ledger.mode", "simulate")
	v.SetDefault("ledger.endpoint", "")
	v.SetDefault("ledger.timeout", "10s")
	v.SetDefault("ledger.retry.max_attempts", 3)
	v.SetDefault("ledger.retry.min_delay", "500ms")
	v.SetDefault("ledger.retry.max_delay", "5s")
	v.SetDefault("ledger.simulate.base_asset", "")
	v.SetDefault("ledger.simulate.base_decimals", 9)
	v.SetDefault("ledger.simulate.quote_asset", "")
	v.SetDefault("ledger.simulate.quote_decimals", 9)
	v.SetDefault("ledger.simulate.latency", "200ms")
	v.SetDefault("ledger.simulate.failure_rate", 0.0)

	v.SetDefault("database.path", "data/filler.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8080)

	v.SetDefault("secrets.mnemonic", "")
	v.SetDefault("secrets.price_api_key", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc 将字符串或数字解析为 decimal.Decimal。
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("解析数值 %q 失败: %w", value, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(value), nil
		case float32:
			return decimal.NewFromFloat32(value), nil
		case int:
			return decimal.NewFromInt(int64(value)), nil
		case int64:
			return decimal.NewFromInt(value), nil
		default:
			return data, nil
		}
	}
}
