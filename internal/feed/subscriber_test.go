package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filler/internal/config"
	"filler/internal/market"
	"filler/internal/orderbook"
)

// feedServer 模拟推送服务：每个连接交给 script 处理，并记录收到的客户端帧。
type feedServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	script   func(conn *websocket.Conn, session int)

	mu       sync.Mutex
	received []clientMessage
	sessions atomic.Int32
}

func newFeedServer(t *testing.T, script func(conn *websocket.Conn, session int)) (*feedServer, *httptest.Server) {
	fs := &feedServer{t: t, script: script}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := fs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fs.script(conn, int(fs.sessions.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *feedServer) read(conn *websocket.Conn) (clientMessage, bool) {
	var msg clientMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return msg, false
	}
	fs.mu.Lock()
	fs.received = append(fs.received, msg)
	fs.mu.Unlock()
	return msg, true
}

// drain 读取直到连接关闭。
func (fs *feedServer) drain(conn *websocket.Conn) {
	for {
		if _, ok := fs.read(conn); !ok {
			return
		}
	}
}

func (fs *feedServer) messages() []clientMessage {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]clientMessage(nil), fs.received...)
}

func handshake(fs *feedServer, conn *websocket.Conn) bool {
	msg, ok := fs.read(conn)
	if !ok || msg.Type != msgConnectionInit {
		return false
	}
	if err := conn.WriteJSON(map[string]string{"type": msgConnectionAck}); err != nil {
		return false
	}
	for i := 0; i < 2; i++ {
		if _, ok := fs.read(conn); !ok {
			return false
		}
	}
	return true
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) config.FeedConfig {
	return config.FeedConfig{
		WSURL:            url,
		ResultLimit:      25,
		ReconnectDelay:   20 * time.Millisecond,
		HandshakeTimeout: time.Second,
		WriteTimeout:     time.Second,
		ReadTimeout:      2 * time.Second,
	}
}

type errorLog struct {
	mu   sync.Mutex
	msgs []string
}

func (l *errorLog) RecordError(_ context.Context, msg string, err error, _ map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg+": "+err.Error())
}

func (l *errorLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

func order(id, side string, amount, price string) map[string]string {
	return map[string]string{
		"id":         id,
		"user":       "0xuser",
		"asset":      "0xasset",
		"amount":     amount,
		"price":      price,
		"timestamp":  "2024-05-01T10:00:00Z",
		"order_type": side,
	}
}

func dataFrame(id string, data map[string]any) map[string]any {
	return map[string]any{"type": msgData, "id": id, "payload": map[string]any{"data": data}}
}

func TestSubscriberAppliesSnapshots(t *testing.T) {
	book := orderbook.New()

	fs, srv := newFeedServer(t, nil)
	fs.script = func(conn *websocket.Conn, session int) {
		if !handshake(fs, conn) {
			return
		}
		_ = conn.WriteJSON(map[string]string{"type": msgKeepAlive})
		_ = conn.WriteJSON(dataFrame("0", map[string]any{
			"ActiveBuyOrder": []any{order("b1", "Buy", "10", "100"), order("b2", "Buy", "5", "120")},
		}))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		_ = conn.WriteJSON(map[string]any{"type": msgError, "id": "1", "payload": []any{map[string]string{"message": "boom"}}})
		_ = conn.WriteJSON(dataFrame("1", map[string]any{
			"ActiveSellOrder": []any{order("s1", "Sell", "7", "130"), order("s2", "Sell", "1", "125")},
		}))
		// 含非法订单的快照整体丢弃。
		_ = conn.WriteJSON(dataFrame("1", map[string]any{
			"ActiveSellOrder": []any{order("s3", "Sell", "7", "abc")},
		}))
		fs.drain(conn)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(testConfig(wsURL(srv)), book, nil)
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, bidOK := book.BestBid()
		_, askOK := book.BestAsk()
		return bidOK && askOK
	}, 2*time.Second, 10*time.Millisecond)

	bid, _ := book.BestBid()
	ask, _ := book.BestAsk()
	assert.Equal(t, "b2", bid.ID)
	assert.Equal(t, uint64(120), bid.Price)
	assert.Equal(t, "s2", ask.ID)
	assert.Equal(t, uint64(125), ask.Price)

	// 等待非法快照被处理后，卖侧不应被替换。
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, book.Orders(market.SideSell), 2)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未在取消后退出")
	}

	require.Eventually(t, func() bool {
		return len(fs.messages()) >= 5
	}, 2*time.Second, 10*time.Millisecond)

	msgs := fs.messages()
	assert.Equal(t, msgConnectionInit, msgs[0].Type)

	assert.Equal(t, msgStart, msgs[1].Type)
	assert.Equal(t, "0", msgs[1].ID)
	require.NotNil(t, msgs[1].Payload)
	assert.Contains(t, msgs[1].Payload.Query, "ActiveBuyOrder(limit: 25, order_by: { price: desc })")

	assert.Equal(t, msgStart, msgs[2].Type)
	assert.Equal(t, "1", msgs[2].ID)
	require.NotNil(t, msgs[2].Payload)
	assert.Contains(t, msgs[2].Payload.Query, "ActiveSellOrder(limit: 25, order_by: { price: asc })")

	assert.Equal(t, clientMessage{ID: "0", Type: msgStop}, msgs[3])
	assert.Equal(t, clientMessage{ID: "1", Type: msgStop}, msgs[4])
}

func TestSubscriberReconnectsAfterStreamEnds(t *testing.T) {
	book := orderbook.New()

	fs, srv := newFeedServer(t, nil)
	fs.script = func(conn *websocket.Conn, session int) {
		if !handshake(fs, conn) {
			return
		}
		if session == 1 {
			_ = conn.WriteJSON(dataFrame("0", map[string]any{
				"ActiveBuyOrder": []any{order("old", "Buy", "1", "90")},
			}))
			// 服务端主动断开。
			return
		}
		_ = conn.WriteJSON(dataFrame("0", map[string]any{
			"ActiveBuyOrder": []any{order("new", "Buy", "1", "95")},
		}))
		fs.drain(conn)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := NewSubscriber(testConfig(wsURL(srv)), book, nil)
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, func() bool {
		bid, ok := book.BestBid()
		return ok && bid.ID == "new"
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, fs.sessions.Load(), int32(2))

	cancel()
	require.NoError(t, <-done)
}

func TestSubscriberRetriesWhenDialFails(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/graphql")
	sub := NewSubscriber(cfg, orderbook.New(), nil)
	errs := &errorLog{}
	sub.SetErrorRecorder(errs)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, sub.Run(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.GreaterOrEqual(t, errs.count(), 1, "连接失败应写入事件日志")
}

func TestSubscriberReconnectsWhenServerGoesSilent(t *testing.T) {
	fs, srv := newFeedServer(t, nil)
	fs.script = func(conn *websocket.Conn, session int) {
		// 收到握手后不回 ack 也不发心跳。
		fs.drain(conn)
	}

	cfg := testConfig(wsURL(srv))
	cfg.ReadTimeout = 50 * time.Millisecond
	sub := NewSubscriber(cfg, orderbook.New(), nil)
	errs := &errorLog{}
	sub.SetErrorRecorder(errs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fs.sessions.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, errs.count(), 1)

	cancel()
	require.NoError(t, <-done)
	for _, msg := range fs.messages() {
		assert.Equal(t, msgConnectionInit, msg.Type, "未订阅时不应发送退订帧")
	}
}

func TestOrderWireParse(t *testing.T) {
	w := orderWire{ID: "x", Amount: "42", Price: "1000", Timestamp: "2024-05-01T10:00:00.123Z", OrderType: "Sell"}

	o, err := w.parse(market.SideSell)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), o.Amount)
	assert.Equal(t, uint64(1000), o.Price)
	assert.Equal(t, market.SideSell, o.Side)

	_, err = w.parse(market.SideBuy)
	assert.Error(t, err, "方向不一致")

	w.Timestamp = "yesterday"
	_, err = w.parse(market.SideSell)
	assert.Error(t, err)
}

func TestEmptySnapshotClearsSide(t *testing.T) {
	book := orderbook.New()
	book.Replace(market.SideBuy, []market.Order{{ID: "a", Side: market.SideBuy, Price: 1}})

	sub := NewSubscriber(testConfig(""), book, nil)
	payload, err := json.Marshal(map[string]any{"data": map[string]any{"ActiveBuyOrder": []any{}}})
	require.NoError(t, err)

	sub.apply(serverMessage{Type: msgData, ID: "0", Payload: payload})
	_, ok := book.BestBid()
	assert.False(t, ok)
}
