package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"filler/internal/market"
	"filler/internal/orderbook"
	"filler/internal/queue"
)

// BookReader 提供订单簿只读快照。
type BookReader interface {
	Snapshot() orderbook.View
}

// PriceReader 提供当前参考价。
type PriceReader interface {
	Price() (uint64, bool)
}

// Sink 接收策略产生的操作。
type Sink interface {
	Enqueue(op market.Operation) (int, error)
}

// Engine 按固定节奏读取行情并产出挂单意图。
type Engine struct {
	book     BookReader
	price    PriceReader
	policy   Policy
	sink     Sink
	interval time.Duration
	logger   *zap.Logger

	// 连续跳过的原因与轮数，只在进入与离开跳过状态时输出 Info。
	skipReason string
	skipped    int
}

// NewEngine 创建策略引擎。
func NewEngine(book BookReader, price PriceReader, policy Policy, sink Sink, interval time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{
		book:     book,
		price:    price,
		policy:   policy,
		sink:     sink,
		interval: interval,
		logger:   logger.Named("strategy"),
	}
}

// Run 按 interval 执行 Tick，直到 ctx 结束或队列关闭。
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("策略引擎退出")
			return nil
		case <-ticker.C:
		}

		if err := e.Tick(); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				e.logger.Info("操作队列已关闭，策略引擎退出")
				return nil
			}
			return err
		}
	}
}

// Tick 执行一轮决策；参考价缺失或策略跳过时不产生任何操作。不可并发调用。
func (e *Engine) Tick() error {
	externalPrice, ok := e.price.Price()
	if !ok {
		e.skip("参考价缺失")
		return nil
	}

	view := e.book.Snapshot()
	decision, ok := e.policy.Decide(view, externalPrice)
	if !ok {
		e.skip("策略未给出决策", zap.Uint64("external_price", externalPrice))
		return nil
	}
	e.resume()

	op := market.NewOpenOrder(decision.Side, decision.Price, decision.Amount)
	if err := op.Validate(); err != nil {
		e.logger.Warn("忽略非法决策", zap.Error(err))
		return nil
	}

	length, err := e.sink.Enqueue(op)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return err
		}
		return fmt.Errorf("写入操作队列失败: %w", err)
	}

	e.logger.Info("已生成挂单意图",
		zap.Stringer("side", decision.Side),
		zap.Uint64("price", decision.Price),
		zap.Uint64("amount", decision.Amount),
		zap.Uint64("external_price", externalPrice),
		zap.Int("queue_len", length),
	)
	return nil
}

func (e *Engine) skip(reason string, fields ...zap.Field) {
	e.skipped++
	if reason == e.skipReason {
		e.logger.Debug("跳过本轮", append(fields, zap.String("reason", reason))...)
		return
	}
	e.skipReason = reason
	e.logger.Info("跳过本轮", append(fields, zap.String("reason", reason))...)
}

func (e *Engine) resume() {
	if e.skipped == 0 {
		return
	}
	e.logger.Info("恢复生成挂单意图", zap.Int("skipped", e.skipped), zap.String("reason", e.skipReason))
	e.skipReason = ""
	e.skipped = 0
}
