package strategy

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"filler/internal/market"
	"filler/internal/orderbook"
)

// Decision 为策略给出的挂单意图。
type Decision struct {
	Side   market.Side
	Price  uint64
	Amount uint64
}

// Policy 根据订单簿快照与参考价给出决策，ok 为 false 表示本轮跳过。
type Policy interface {
	Decide(view orderbook.View, externalPrice uint64) (Decision, bool)
}

// RandomPolicy 随机选择方向，并保证不高于参考价买入、不低于参考价卖出。
type RandomPolicy struct {
	minAmount decimal.Decimal
	maxAmount decimal.Decimal
	decimals  uint8

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomPolicy 创建随机策略；src 为 nil 时使用时间种子。
func NewRandomPolicy(minAmount, maxAmount decimal.Decimal, baseDecimals uint8, src rand.Source) *RandomPolicy {
	if src == nil {
		seed := uint64(time.Now().UnixNano())
		src = rand.NewPCG(seed, seed>>1)
	}
	if maxAmount.LessThan(minAmount) {
		minAmount, maxAmount = maxAmount, minAmount
	}
	return &RandomPolicy{
		minAmount: minAmount,
		maxAmount: maxAmount,
		decimals:  baseDecimals,
		rng:       rand.New(src),
	}
}

// Decide 实现 Policy。
func (p *RandomPolicy) Decide(view orderbook.View, externalPrice uint64) (Decision, bool) {
	p.mu.Lock()
	side := market.SideBuy
	if p.rng.IntN(2) == 1 {
		side = market.SideSell
	}
	fraction := p.rng.Float64()
	p.mu.Unlock()

	return p.quote(view, externalPrice, side, fraction)
}

// quote 根据方向与区间比例 fraction∈[0,1) 计算挂单价格与数量。
func (p *RandomPolicy) quote(view orderbook.View, externalPrice uint64, side market.Side, fraction float64) (Decision, bool) {
	price := externalPrice
	switch side {
	case market.SideBuy:
		if view.BestAsk != nil && view.BestAsk.Price < price {
			price = view.BestAsk.Price
		}
	case market.SideSell:
		if view.BestBid != nil && view.BestBid.Price > price {
			price = view.BestBid.Price
		}
	}
	if price == 0 {
		return Decision{}, false
	}

	span := p.maxAmount.Sub(p.minAmount)
	readable := p.minAmount.Add(span.Mul(decimal.NewFromFloat(fraction)))
	amount, err := market.FromReadable(readable, p.decimals)
	if err != nil || amount == 0 {
		return Decision{}, false
	}

	return Decision{Side: side, Price: price, Amount: amount}, true
}

// NewPolicy 按名称构造策略。
func NewPolicy(name string, minAmount, maxAmount decimal.Decimal, baseDecimals uint8) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "random":
		return NewRandomPolicy(minAmount, maxAmount, baseDecimals, nil), nil
	default:
		return nil, fmt.Errorf("未知策略: %q", name)
	}
}
