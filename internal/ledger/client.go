package ledger

import (
	"context"
	"errors"

	"filler/internal/identity"
	"filler/internal/market"
)

var (
	// ErrRejected 表示请求被网关明确拒绝，重复提交不会成功。
	ErrRejected = errors.New("ledger: request rejected")
	// ErrUnavailable 表示网关暂不可用或传输失败，可稍后再试。
	ErrUnavailable = errors.New("ledger: gateway unavailable")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	return err != nil && errors.Is(err, ErrUnavailable)
}

// TxRef 为网关受理批量提交后返回的交易引用。
type TxRef string

// Client 为账本交互能力。
type Client interface {
	// MarketConfig 查询市场的基础与计价资产。
	MarketConfig(ctx context.Context, marketID string) (market.MarketConfig, error)
	// SubmitBatch 以 sender 身份原子提交一批操作，网关受理即返回，不等待确认。
	SubmitBatch(ctx context.Context, sender identity.Identity, ops []market.Operation) (TxRef, error)
}
