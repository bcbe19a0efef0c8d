package ledger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"filler/internal/config"
	"filler/internal/identity"
	"filler/internal/market"
)

// Submission 记录一次模拟提交。
type Submission struct {
	Sender identity.Identity
	Ops    []market.Operation
	TxRef  TxRef
	Err    error
}

// SimulatedClient 不访问网络，用于演练。
type SimulatedClient struct {
	market      market.MarketConfig
	latency     time.Duration
	failureRate float64
	logger      *zap.Logger

	mu          sync.Mutex
	rng         *rand.Rand
	submissions []Submission
}

// NewSimulatedClient 创建模拟账本。
func NewSimulatedClient(marketID string, cfg config.SimulationConfig, logger *zap.Logger) *SimulatedClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	seed := uint64(time.Now().UnixNano())
	return &SimulatedClient{
		market: market.MarketConfig{
			MarketID: marketID,
			Base:     market.NewAsset(cfg.BaseAsset, cfg.BaseDecimals),
			Quote:    market.NewAsset(cfg.QuoteAsset, cfg.QuoteDecimals),
		},
		latency:     cfg.Latency,
		failureRate: cfg.FailureRate,
		logger:      logger.Named("ledger_sim"),
		rng:         rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

// MarketConfig 实现 Client。
func (s *SimulatedClient) MarketConfig(ctx context.Context, marketID string) (market.MarketConfig, error) {
	if err := ctx.Err(); err != nil {
		return market.MarketConfig{}, err
	}
	if marketID != s.market.MarketID {
		return market.MarketConfig{}, fmt.Errorf("%w: 未知市场 %s", ErrRejected, marketID)
	}
	return s.market, nil
}

// SubmitBatch 实现 Client，按 failureRate 随机返回 ErrUnavailable。
func (s *SimulatedClient) SubmitBatch(ctx context.Context, sender identity.Identity, ops []market.Operation) (TxRef, error) {
	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record := Submission{Sender: sender, Ops: append([]market.Operation(nil), ops...)}
	if s.failureRate > 0 && s.rng.Float64() < s.failureRate {
		record.Err = fmt.Errorf("%w: 模拟提交失败", ErrUnavailable)
		s.submissions = append(s.submissions, record)
		return "", record.Err
	}

	record.TxRef = TxRef("sim-" + uuid.NewString())
	s.submissions = append(s.submissions, record)
	s.logger.Debug("模拟提交成功", zap.Stringer("sender", sender), zap.Int("calls", len(ops)))
	return record.TxRef, nil
}

// Submissions 返回全部提交记录的副本。
func (s *SimulatedClient) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}
