package ledger

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"filler/internal/config"
	"filler/internal/identity"
	"filler/internal/market"
)

func testIdentity(t *testing.T) identity.Identity {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return identity.NewIdentity(0, 0, key)
}

func newTestClient(url string) *HTTPClient {
	return NewHTTPClient(
		config.LedgerConfig{
			Endpoint: url,
			Timeout:  time.Second,
			Retry:    config.RetryConfig{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		},
		config.DispatchConfig{GasPerCall: 800_000, Tip: 1},
		"0xmarket",
		nil,
	)
}

func TestMarketConfigRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets/0xmarket/config", r.URL.Path)
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base_asset":"0xbase","base_decimals":9,"quote_asset":"0xquote","quote_decimals":6}`))
	}))
	defer srv.Close()

	cfg, err := newTestClient(srv.URL).MarketConfig(context.Background(), "0xmarket")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "0xmarket", cfg.MarketID)
	assert.Equal(t, "0xbase", cfg.Base.ID)
	assert.Equal(t, uint8(9), cfg.Base.Decimals)
	assert.Equal(t, "0xquote", cfg.Quote.ID)
	assert.Equal(t, uint8(6), cfg.Quote.Decimals)
}

func TestMarketConfigRejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).MarketConfig(context.Background(), "0xmissing")
	require.ErrorIs(t, err, ErrRejected)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitBatchSignsCanonicalBody(t *testing.T) {
	sender := testIdentity(t)
	ops := []market.Operation{
		market.NewOpenOrder(market.SideBuy, 100, 5),
		market.NewOpenOrder(market.SideSell, 101, 6),
		market.NewCancelOrder("0xorder"),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/markets/0xmarket/multicall", r.URL.Path)

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var body signedBatch
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, sender.Address.Hex(), body.Sender)
		assert.NotEmpty(t, body.Nonce)
		assert.Equal(t, uint64(3*800_000), body.GasLimit)
		assert.Equal(t, uint64(1), body.Tip)
		require.Len(t, body.Calls, 3)
		assert.Equal(t, callPayload{Kind: "open_order", Side: "buy", Price: "100", Amount: "5"}, body.Calls[0])
		assert.Equal(t, callPayload{Kind: "open_order", Side: "sell", Price: "101", Amount: "6"}, body.Calls[1])
		assert.Equal(t, callPayload{Kind: "cancel_order", OrderID: "0xorder"}, body.Calls[2])

		digest, err := batchDigest(body.unsignedBatch)
		require.NoError(t, err)
		sig, err := hexutil.Decode(body.Signature)
		require.NoError(t, err)
		pub, err := crypto.SigToPub(digest, sig)
		require.NoError(t, err)
		assert.Equal(t, sender.Address, crypto.PubkeyToAddress(*pub))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tx_id":"0xtx"}`))
	}))
	defer srv.Close()

	ref, err := newTestClient(srv.URL).SubmitBatch(context.Background(), sender, ops)
	require.NoError(t, err)
	assert.Equal(t, TxRef("0xtx"), ref)
}

func TestSubmitBatchClassifiesStatus(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}
	for _, tc := range cases {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(tc.status)
		}))

		_, err := newTestClient(srv.URL).SubmitBatch(context.Background(), testIdentity(t), []market.Operation{market.NewOpenOrder(market.SideBuy, 1, 1)})
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.retryable, IsRetryable(err), "status %d", tc.status)
		assert.Equal(t, int32(1), calls.Load(), "提交不在客户端内重试")
	}
}

func TestSubmitBatchTransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := newTestClient(url).SubmitBatch(context.Background(), testIdentity(t), []market.Operation{market.NewOpenOrder(market.SideBuy, 1, 1)})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestSubmitBatchRejectsInvalidOperation(t *testing.T) {
	_, err := newTestClient("http://127.0.0.1:1").SubmitBatch(context.Background(), testIdentity(t), []market.Operation{{Kind: "noop"}})
	require.ErrorIs(t, err, ErrRejected)
}

func TestSimulatedClient(t *testing.T) {
	sim := NewSimulatedClient("0xmarket", config.SimulationConfig{BaseAsset: "0xb", BaseDecimals: 9, QuoteAsset: "0xq", QuoteDecimals: 6}, nil)

	cfg, err := sim.MarketConfig(context.Background(), "0xmarket")
	require.NoError(t, err)
	assert.Equal(t, uint8(6), cfg.Quote.Decimals)

	_, err = sim.MarketConfig(context.Background(), "0xother")
	require.ErrorIs(t, err, ErrRejected)

	ops := []market.Operation{market.NewOpenOrder(market.SideSell, 9, 9)}
	ref, err := sim.SubmitBatch(context.Background(), testIdentity(t), ops)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	subs := sim.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, ops, subs[0].Ops)

	failing := NewSimulatedClient("0xmarket", config.SimulationConfig{FailureRate: 1}, nil)
	_, err = failing.SubmitBatch(context.Background(), testIdentity(t), ops)
	require.ErrorIs(t, err, ErrUnavailable)
}
