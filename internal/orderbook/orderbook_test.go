package orderbook

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filler/internal/market"
)

func order(id string, side market.Side, price uint64) market.Order {
	return market.Order{ID: id, Side: side, Price: price, Amount: 1}
}

func TestReplace_FullyReplacesOneSide(t *testing.T) {
	book := New()
	book.Replace(market.SideBuy, []market.Order{order("b1", market.SideBuy, 10), order("b2", market.SideBuy, 12)})
	book.Replace(market.SideSell, []market.Order{order("s1", market.SideSell, 20)})

	book.Replace(market.SideBuy, []market.Order{order("b3", market.SideBuy, 11)})

	buys := book.Orders(market.SideBuy)
	require.Len(t, buys, 1)
	assert.Equal(t, "b3", buys[0].ID)

	sells := book.Orders(market.SideSell)
	require.Len(t, sells, 1)
	assert.Equal(t, "s1", sells[0].ID)
}

func TestReplace_EmptySnapshotClearsSide(t *testing.T) {
	book := New()
	book.Replace(market.SideSell, []market.Order{order("s1", market.SideSell, 20)})
	book.Replace(market.SideSell, nil)

	_, ok := book.BestAsk()
	assert.False(t, ok)
}

func TestBestBidAsk_ExtremalByPrice(t *testing.T) {
	book := New()
	book.Replace(market.SideBuy, []market.Order{
		order("a", market.SideBuy, 5),
		order("b", market.SideBuy, 9),
		order("c", market.SideBuy, 7),
	})
	book.Replace(market.SideSell, []market.Order{
		order("x", market.SideSell, 30),
		order("y", market.SideSell, 21),
		order("z", market.SideSell, 25),
	})

	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, uint64(9), bid.Price)

	ask, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, uint64(21), ask.Price)
}

func TestBestBidAsk_CrossedBookIsReported(t *testing.T) {
	book := New()
	book.Replace(market.SideBuy, []market.Order{order("b", market.SideBuy, 50)})
	book.Replace(market.SideSell, []market.Order{order("s", market.SideSell, 40)})

	view := book.Snapshot()
	require.NotNil(t, view.BestBid)
	require.NotNil(t, view.BestAsk)
	assert.Equal(t, uint64(50), view.BestBid.Price)
	assert.Equal(t, uint64(40), view.BestAsk.Price)
}

func TestReplace_DoesNotAliasCallerSlice(t *testing.T) {
	book := New()
	input := []market.Order{order("a", market.SideBuy, 1), order("b", market.SideBuy, 2)}
	book.Replace(market.SideBuy, input)

	input[0].Price = 1000
	bid, _ := book.BestBid()
	assert.Equal(t, uint64(2), bid.Price)
}

func TestBook_ConcurrentReadersAndWriter(t *testing.T) {
	book := New()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			book.Replace(market.SideBuy, []market.Order{order("b", market.SideBuy, uint64(i+1))})
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = book.Snapshot()
				_, _ = book.BestBid()
			}
		}()
	}
	wg.Wait()

	bid, ok := book.BestBid()
	require.True(t, ok)
	assert.Equal(t, uint64(500), bid.Price)
}
