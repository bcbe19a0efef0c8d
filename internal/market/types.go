package market

import (
	"fmt"
	"strings"
	"time"
)

// Side 表示订单方向。
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

// String 返回小写方向名称。
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Tag 返回订阅使用的方向标识（Buy=0, Sell=1）。
func (s Side) Tag() string {
	return fmt.Sprintf("%d", uint8(s))
}

// MarshalText 实现 encoding.TextMarshaler。
func (s Side) MarshalText() ([]byte, error) {
	switch s {
	case SideBuy, SideSell:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("market: 非法订单方向 %d", uint8(s))
	}
}

// UnmarshalText 大小写不敏感地解析方向。
func (s *Side) UnmarshalText(text []byte) error {
	side, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = side
	return nil
}

// ParseSide 解析 "Buy"/"Sell"（大小写不敏感）。
func ParseSide(value string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("market: 无法识别的订单方向 %q", value)
	}
}

// Order 为订单簿中的一笔挂单。
type Order struct {
	ID        string    `json:"id"`
	User      string    `json:"user"`
	Asset     string    `json:"asset"`
	Side      Side      `json:"side"`
	Amount    uint64    `json:"amount"`
	Price     uint64    `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// SamePrice 判断两笔订单在盘口意义上是否相等，仅比较价格。
func (o Order) SamePrice(other Order) bool {
	return o.Price == other.Price
}

// Asset 描述资产标识及精度。
type Asset struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// NewAsset 创建资产描述。
func NewAsset(id string, decimals uint8) Asset {
	return Asset{ID: id, Decimals: decimals}
}

// MarketConfig 为账本返回的市场基础配置。
type MarketConfig struct {
	MarketID string
	Base     Asset
	Quote    Asset
}
