package price

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"filler/internal/config"
)

var (
	// ErrMaintenance 表示交易所处于维护状态。
	ErrMaintenance = errors.New("exchange on maintenance")
)

// tickerFunc 返回指定交易对的最新行情。
type tickerFunc func(symbol string) (ccxt.Ticker, error)

// ExchangeSource 以交易所最新成交价作为参考价，ids 为交易所交易对。
type ExchangeSource struct {
	cfg         config.ExchangeConfig
	logger      *zap.Logger
	fetchTicker tickerFunc
	loadMarkets func() error

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewExchangeSource 按名称创建基于 ccxt 的价格源。
func NewExchangeSource(cfg config.ExchangeConfig, logger *zap.Logger) (*ExchangeSource, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}

	var (
		fetch tickerFunc
		load  func() error
	)
	switch strings.ToLower(cfg.Name) {
	case "binance":
		ex := ccxt.NewBinance(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		fetch = func(symbol string) (ccxt.Ticker, error) { return ex.FetchTicker(symbol) }
		load = func() error { _, err := ex.LoadMarkets(); return err }
	case "binanceusdm":
		userConfig["options"] = map[string]interface{}{"defaultType": "future"}
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		fetch = func(symbol string) (ccxt.Ticker, error) { return ex.FetchTicker(symbol) }
		load = func() error { _, err := ex.LoadMarkets(); return err }
	default:
		return nil, fmt.Errorf("不支持的交易所: %q", cfg.Name)
	}

	return newExchangeSource(cfg, fetch, load, logger), nil
}

func newExchangeSource(cfg config.ExchangeConfig, fetch tickerFunc, load func() error, logger *zap.Logger) *ExchangeSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	return &ExchangeSource{
		cfg:         cfg,
		logger:      logger.Named("exchange"),
		fetchTicker: fetch,
		loadMarkets: load,
	}
}

// FetchPrices 实现 Source。
func (s *ExchangeSource) FetchPrices(ctx context.Context, ids []string) ([]decimal.Decimal, error) {
	if err := s.ensureMarketsLoaded(ctx); err != nil {
		return nil, err
	}

	prices := make([]decimal.Decimal, 0, len(ids))
	for _, symbol := range ids {
		var ticker ccxt.Ticker
		err := s.callWithRetry(ctx, "fetch_ticker_"+symbol, func() error {
			result, err := s.fetchTicker(symbol)
			if err != nil {
				return err
			}
			ticker = result
			return nil
		})
		if err != nil {
			return nil, err
		}
		if ticker.Last == nil {
			return nil, fmt.Errorf("%w: %s 缺少最新成交价", ErrMalformed, symbol)
		}
		prices = append(prices, decimal.NewFromFloat(*ticker.Last))
	}
	return prices, nil
}

func (s *ExchangeSource) ensureMarketsLoaded(ctx context.Context) error {
	if s.loadMarkets == nil {
		return nil
	}

	s.marketsMu.Lock()
	defer s.marketsMu.Unlock()

	if s.marketsLoaded {
		return nil
	}

	if err := s.callWithRetry(ctx, "load_markets", s.loadMarkets); err != nil {
		return err
	}

	s.marketsLoaded = true
	s.logger.Info("已完成市场元数据加载", zap.String("exchange", s.cfg.Name))
	return nil
}

func (s *ExchangeSource) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := s.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := s.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				s.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)
		if errors.Is(normalizedErr, ErrMaintenance) || !retry || attempt >= s.cfg.Retry.MaxAttempts {
			return fmt.Errorf("%s: %w", operation, normalizedErr)
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		s.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}
