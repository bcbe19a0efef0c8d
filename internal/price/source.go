package price

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrMalformed 表示价格源返回的数据缺失或不可用。
	ErrMalformed = errors.New("price: malformed response")
)

// Source 按外部标识批量查询参考价，返回值顺序与 ids 一致。
type Source interface {
	FetchPrices(ctx context.Context, ids []string) ([]decimal.Decimal, error)
}
