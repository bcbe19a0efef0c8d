package price

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"filler/internal/market"
)

// Pair 描述交叉价：以 Quote 计价的 Base 价格，按 Decimals 缩放为整数。
type Pair struct {
	BaseID   string
	QuoteID  string
	Decimals uint8
}

// ErrorRecorder 将轮询异常写入事件日志。
type ErrorRecorder interface {
	RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{})
}

// Oracle 定期轮询价格源，维护单一共享参考价。
type Oracle struct {
	source   Source
	pair     Pair
	interval time.Duration
	recorder ErrorRecorder
	logger   *zap.Logger

	mu        sync.RWMutex
	price     uint64
	valid     bool
	updatedAt time.Time
}

// NewOracle 创建参考价轮询器；首次成功轮询前参考价为空。
func NewOracle(source Source, pair Pair, interval time.Duration, logger *zap.Logger) *Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Oracle{
		source:   source,
		pair:     pair,
		interval: interval,
		recorder: nopRecorder{},
		logger:   logger.Named("oracle"),
	}
}

// SetErrorRecorder 设置轮询异常的记录方。
func (o *Oracle) SetErrorRecorder(r ErrorRecorder) {
	if r == nil {
		r = nopRecorder{}
	}
	o.recorder = r
}

// Price 返回当前参考价，尚未获取时 ok 为 false。
func (o *Oracle) Price() (uint64, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.price, o.valid
}

// UpdatedAt 返回最近一次成功更新的时间。
func (o *Oracle) UpdatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.updatedAt
}

// Run 立即轮询一次，之后按固定间隔轮询直到 ctx 结束。失败只记录日志。
func (o *Oracle) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		if err := o.Refresh(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("参考价更新失败，保留上一次结果", zap.Error(err))
			o.recorder.RecordError(ctx, "参考价更新失败", err, map[string]interface{}{
				"base":  o.pair.BaseID,
				"quote": o.pair.QuoteID,
			})
		}

		select {
		case <-ctx.Done():
			o.logger.Info("参考价轮询退出")
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh 执行一次轮询并在成功时更新参考价。
func (o *Oracle) Refresh(ctx context.Context) error {
	prices, err := o.source.FetchPrices(ctx, []string{o.pair.BaseID, o.pair.QuoteID})
	if err != nil {
		return err
	}
	if len(prices) != 2 {
		return fmt.Errorf("%w: 期望 2 个报价，实际 %d", ErrMalformed, len(prices))
	}

	base, quote := prices[0], prices[1]
	if !quote.IsPositive() || base.IsNegative() {
		return fmt.Errorf("%w: 非法报价 base=%s quote=%s", ErrMalformed, base, quote)
	}

	scaled, err := market.FromReadable(base.Div(quote), o.pair.Decimals)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	o.mu.Lock()
	o.price = scaled
	o.valid = true
	o.updatedAt = time.Now().UTC()
	o.mu.Unlock()

	o.logger.Info("参考价已更新",
		zap.Uint64("price", scaled),
		zap.String("base", base.String()),
		zap.String("quote", quote.String()),
	)
	return nil
}

type nopRecorder struct{}

func (nopRecorder) RecordError(context.Context, string, error, map[string]interface{}) {}
