package monitor

import (
	"time"

	"filler/internal/market"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventFlush        EventType = "flush"
	EventSubmitOK     EventType = "submit_ok"
	EventSubmitFailed EventType = "submit_failed"
	EventRequeue      EventType = "requeue"
	EventPending      EventType = "pending"
	EventError        EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// BatchPayload 记录一次批量提交的生命周期。
type BatchPayload struct {
	BatchID    string             `json:"batch_id"`
	Identity   int                `json:"identity"`
	Sender     string             `json:"sender"`
	Operations []market.Operation `json:"operations,omitempty"`
	Count      int                `json:"count"`
	QueueLen   int                `json:"queue_len"`
	TxRef      string             `json:"tx_ref,omitempty"`
	Error      string             `json:"error,omitempty"`
	Latency    time.Duration      `json:"latency,omitempty"`
}

// PendingPayload 记录停机保存或启动恢复的待提交操作数量。
type PendingPayload struct {
	Action string `json:"action"` // saved | restored
	Count  int    `json:"count"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
