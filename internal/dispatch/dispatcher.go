package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"filler/internal/identity"
	"filler/internal/ledger"
	"filler/internal/market"
	"filler/internal/monitor"
)

// Queue 为调度器所需的队列能力。
type Queue interface {
	Drain(max int) []market.Operation
	PushBack(ops ...market.Operation) int
	Len() int
	Threshold() int
	Notify() <-chan struct{}
}

// IdentitySource 按轮询顺序分配身份。
type IdentitySource interface {
	Next() identity.Identity
}

// Recorder 记录批次生命周期事件。
type Recorder interface {
	RecordFlush(ctx context.Context, payload monitor.BatchPayload)
	RecordSubmitOK(ctx context.Context, payload monitor.BatchPayload)
	RecordSubmitFailed(ctx context.Context, payload monitor.BatchPayload)
	RecordRequeue(ctx context.Context, payload monitor.BatchPayload)
}

// Options 控制调度行为。
type Options struct {
	BatchSize          int
	FlushCheckInterval time.Duration
	MaxInFlight        int
	SubmitTimeout      time.Duration
}

// Batch 为一次出队得到的批次。
type Batch struct {
	ID       string
	Identity identity.Identity
	Ops      []market.Operation
}

// Dispatcher 在刷新通知到达时占用下一个身份、出队并异步提交。
type Dispatcher struct {
	queue    Queue
	pool     IdentitySource
	client   ledger.Client
	recorder Recorder
	opts     Options
	logger   *zap.Logger

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// New 创建调度器。
func New(q Queue, pool IdentitySource, client ledger.Client, recorder Recorder, opts Options, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = q.Threshold()
	}
	if opts.FlushCheckInterval <= 0 {
		opts.FlushCheckInterval = 400 * time.Millisecond
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 1
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = 30 * time.Second
	}
	return &Dispatcher{
		queue:    q,
		pool:     pool,
		client:   client,
		recorder: recorder,
		opts:     opts,
		logger:   logger.Named("dispatch"),
		sem:      semaphore.NewWeighted(int64(opts.MaxInFlight)),
	}
}

// Run 响应刷新通知与周期检查，ctx 结束后等待在途提交完成。
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.FlushCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("调度器停止，等待在途提交", zap.Int64("in_flight", d.inFlight.Load()))
			d.Wait()
			d.logger.Info("调度器退出", zap.Int("queue_len", d.queue.Len()))
			return nil
		case <-d.queue.Notify():
			d.Flush(ctx)
		case <-ticker.C:
			if d.queue.Len() >= d.queue.Threshold() {
				d.Flush(ctx)
			}
		}
	}
}

// Flush 执行一次调度：占用身份、出队并异步提交。队列为空时不做任何事。
func (d *Dispatcher) Flush(ctx context.Context) (Batch, bool) {
	if d.queue.Len() == 0 {
		return Batch{}, false
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return Batch{}, false
	}

	sender := d.pool.Next()
	ops := d.queue.Drain(d.opts.BatchSize)
	if len(ops) == 0 {
		d.sem.Release(1)
		return Batch{}, false
	}

	batch := Batch{ID: uuid.NewString(), Identity: sender, Ops: ops}
	payload := d.payload(batch)

	if ctx.Err() != nil {
		payload.QueueLen = d.queue.PushBack(ops...)
		d.sem.Release(1)
		d.logger.Info("停机中，批次回退入队", zap.String("batch_id", batch.ID), zap.Int("count", len(ops)))
		d.recorder.RecordRequeue(context.WithoutCancel(ctx), payload)
		return Batch{}, false
	}

	payload.QueueLen = d.queue.Len()
	d.logger.Info("出队批次",
		zap.String("batch_id", batch.ID),
		zap.Stringer("identity", sender),
		zap.Int("count", len(ops)),
		zap.Int("queue_len", payload.QueueLen),
	)
	d.recorder.RecordFlush(ctx, payload)

	d.wg.Add(1)
	d.inFlight.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		defer d.inFlight.Add(-1)

		submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.SubmitTimeout)
		defer cancel()
		d.submit(submitCtx, batch)
	}()

	return batch, true
}

func (d *Dispatcher) submit(ctx context.Context, batch Batch) {
	start := time.Now()
	ref, err := d.client.SubmitBatch(ctx, batch.Identity, batch.Ops)
	payload := d.payload(batch)
	payload.Latency = time.Since(start)

	if err != nil {
		payload.Error = err.Error()
		d.recorder.RecordSubmitFailed(ctx, payload)

		payload.QueueLen = d.queue.PushBack(batch.Ops...)
		d.logger.Warn("批量提交失败，批次回退至队尾",
			zap.String("batch_id", batch.ID),
			zap.Stringer("identity", batch.Identity),
			zap.Int("count", len(batch.Ops)),
			zap.Bool("retryable", ledger.IsRetryable(err)),
			zap.Int("queue_len", payload.QueueLen),
			zap.Error(err),
		)
		d.recorder.RecordRequeue(ctx, payload)
		return
	}

	payload.TxRef = string(ref)
	d.logger.Info("批量提交成功",
		zap.String("batch_id", batch.ID),
		zap.Stringer("identity", batch.Identity),
		zap.Int("count", len(batch.Ops)),
		zap.String("tx", string(ref)),
		zap.Duration("latency", payload.Latency),
	)
	d.recorder.RecordSubmitOK(ctx, payload)
}

// Wait 阻塞直到全部在途提交结束。
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// InFlight 返回在途批次数量。
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

func (d *Dispatcher) payload(batch Batch) monitor.BatchPayload {
	return monitor.BatchPayload{
		BatchID:    batch.ID,
		Identity:   batch.Identity.Index,
		Sender:     batch.Identity.Address.Hex(),
		Operations: batch.Ops,
		Count:      len(batch.Ops),
	}
}

type nopRecorder struct{}

func (nopRecorder) RecordFlush(context.Context, monitor.BatchPayload)        {}
func (nopRecorder) RecordSubmitOK(context.Context, monitor.BatchPayload)     {}
func (nopRecorder) RecordSubmitFailed(context.Context, monitor.BatchPayload) {}
func (nopRecorder) RecordRequeue(context.Context, monitor.BatchPayload)      {}
