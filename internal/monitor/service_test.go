package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"filler/internal/config"
	"filler/internal/market"
	"filler/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestService_ListEventsFiltersByType(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	batch := BatchPayload{
		BatchID:    "b1",
		Identity:   2,
		Operations: []market.Operation{market.NewOpenOrder(market.SideSell, 10, 1)},
		Count:      1,
	}
	svc.RecordFlush(ctx, batch)
	svc.RecordSubmitFailed(ctx, BatchPayload{BatchID: "b1", Error: "boom"})
	svc.RecordRequeue(ctx, BatchPayload{BatchID: "b1", QueueLen: 3})
	svc.RecordError(ctx, "feed", errors.New("eof"), nil)

	all, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 events, got %d", len(all))
	}
	if all[0].Type != EventError {
		t.Errorf("expected newest event first, got %s", all[0].Type)
	}

	flushes, err := svc.ListEvents(ctx, EventFlush, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(flushes) != 1 {
		t.Fatalf("expected 1 flush event, got %d", len(flushes))
	}

	raw, ok := flushes[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload, got %T", flushes[0].Payload)
	}
	var decoded BatchPayload
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.BatchID != "b1" || decoded.Identity != 2 || len(decoded.Operations) != 1 {
		t.Errorf("unexpected payload %+v", decoded)
	}
	if decoded.Operations[0] != batch.Operations[0] {
		t.Errorf("operation mismatch: %+v", decoded.Operations[0])
	}
}

func TestService_ListEventsRespectsLimit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.RecordPending(ctx, "saved", i)
	}

	events, err := svc.ListEvents(ctx, EventPending, 2)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events, got %d", len(events))
	}
}

func TestNewService_RequiresStore(t *testing.T) {
	if _, err := NewService(nil, nil); err == nil {
		t.Fatalf("expected error for nil store")
	}
}
