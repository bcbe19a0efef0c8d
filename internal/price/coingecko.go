package price

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"filler/internal/config"
)

// CoinGeckoSource 通过 simple/price 接口查询参考价。
type CoinGeckoSource struct {
	client   *resty.Client
	currency string
	logger   *zap.Logger
}

// NewCoinGeckoSource 创建 CoinGecko 价格源。
func NewCoinGeckoSource(cfg config.PriceConfig, apiKey string, logger *zap.Logger) *CoinGeckoSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	header := cfg.APIKeyHeader
	if header == "" {
		header = "x-cg-demo-api-key"
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.Host, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader(header, apiKey)
	}

	return &CoinGeckoSource{
		client:   client,
		currency: strings.ToLower(cfg.QuoteCurrency),
		logger:   logger.Named("coingecko"),
	}
}

// FetchPrices 实现 Source。
func (s *CoinGeckoSource) FetchPrices(ctx context.Context, ids []string) ([]decimal.Decimal, error) {
	var out map[string]map[string]decimal.Decimal

	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"ids":           strings.Join(ids, ","),
			"vs_currencies": s.currency,
			"precision":     "full",
		}).
		SetResult(&out).
		Get("/simple/price")
	if err != nil {
		return nil, fmt.Errorf("请求参考价失败: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("参考价接口返回 %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}

	prices := make([]decimal.Decimal, 0, len(ids))
	for _, id := range ids {
		quotes, ok := out[id]
		if !ok {
			return nil, fmt.Errorf("%w: 缺少 %s", ErrMalformed, id)
		}
		value, ok := quotes[s.currency]
		if !ok {
			return nil, fmt.Errorf("%w: %s 缺少 %s 报价", ErrMalformed, id, s.currency)
		}
		prices = append(prices, value)
	}

	s.logger.Debug("参考价已获取", zap.Strings("ids", ids))
	return prices, nil
}
