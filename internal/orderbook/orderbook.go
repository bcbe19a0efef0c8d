// Package orderbook 维护行情推送得到的盘口视图。
package orderbook

import (
	"sort"
	"sync"
	"time"

	"filler/internal/market"
)

// Book 保存买卖两侧的当前挂单，仅由行情订阅方写入。
//
// 每一侧按"最优"方向排序：买侧价格降序，卖侧价格升序，因此最优价位于下标 0。
// 每次快照整体替换对应一侧，不做增量合并。
type Book struct {
	mu        sync.RWMutex
	buy       []market.Order
	sell      []market.Order
	updatedAt time.Time
}

// New 创建空订单簿。
func New() *Book {
	return &Book{}
}

// Replace 用快照整体替换指定一侧，另一侧保持不变。
func (b *Book) Replace(side market.Side, orders []market.Order) {
	sorted := make([]market.Order, len(orders))
	copy(sorted, orders)
	sortSide(side, sorted)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch side {
	case market.SideBuy:
		b.buy = sorted
	case market.SideSell:
		b.sell = sorted
	}
	b.updatedAt = time.Now().UTC()
}

// BestBid 返回价格最高的买单。
func (b *Book) BestBid() (market.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.buy) == 0 {
		return market.Order{}, false
	}
	return b.buy[0], true
}

// BestAsk 返回价格最低的卖单。
func (b *Book) BestAsk() (market.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.sell) == 0 {
		return market.Order{}, false
	}
	return b.sell[0], true
}

// Orders 返回指定一侧挂单的副本，按最优方向排序。
func (b *Book) Orders(side market.Side) []market.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var src []market.Order
	if side == market.SideBuy {
		src = b.buy
	} else {
		src = b.sell
	}
	out := make([]market.Order, len(src))
	copy(out, src)
	return out
}

// Snapshot 在一次读锁内复制盘口顶部信息。
func (b *Book) Snapshot() View {
	b.mu.RLock()
	defer b.mu.RUnlock()

	view := View{
		BuyDepth:  len(b.buy),
		SellDepth: len(b.sell),
		UpdatedAt: b.updatedAt,
	}
	if len(b.buy) > 0 {
		bid := b.buy[0]
		view.BestBid = &bid
	}
	if len(b.sell) > 0 {
		ask := b.sell[0]
		view.BestAsk = &ask
	}
	return view
}

// View 为订单簿的只读快照，交叉盘（bid >= ask）不做修正。
type View struct {
	BestBid   *market.Order
	BestAsk   *market.Order
	BuyDepth  int
	SellDepth int
	UpdatedAt time.Time
}

func sortSide(side market.Side, orders []market.Order) {
	if side == market.SideBuy {
		sort.SliceStable(orders, func(i, j int) bool { return orders[i].Price > orders[j].Price })
		return
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].Price < orders[j].Price })
}
