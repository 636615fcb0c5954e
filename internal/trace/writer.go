package trace

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

var writeFailureClasses = []string{
	ErrorClassConnection,
	ErrorClassTimeout,
	ErrorClassContention,
	ErrorClassConstraint,
	ErrorClassRejected,
	ErrorClassUnknown,
}

// IngestDiagnosticsReader exposes runtime queue and drop diagnostics.
type IngestDiagnosticsReader interface {
	IngestDiagnostics() IngestDiagnostics
}

// IngestDiagnostics captures ingest queue pressure and drop signals.
type IngestDiagnostics struct {
	QueueCapacity                    int              `json:"queue_capacity"`
	QueueDepth                       int              `json:"queue_depth"`
	QueueDepthHighWatermark          int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct              int              `json:"queue_utilization_pct"`
	QueueHighWatermarkUtilizationPct int              `json:"queue_high_watermark_utilization_pct"`
	QueuePressureState               string           `json:"queue_pressure_state"`
	QueueHighWatermarkPressureState  string           `json:"queue_high_watermark_pressure_state"`
	EnqueueAcceptedTotal             int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal              int64            `json:"enqueue_dropped_total"`
	WrittenTotal                     int64            `json:"written_total"`
	WriteDroppedTotal                int64            `json:"write_dropped_total"`
	TotalDroppedTotal                int64            `json:"total_dropped_total"`
	LastEnqueueDropAt                *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastWriteDropAt                  *time.Time       `json:"last_write_drop_at,omitempty"`
	LastWriteDropTraceID             string           `json:"last_write_drop_trace_id,omitempty"`
	WriteFailuresByClass             map[string]int64 `json:"write_failures_by_class,omitempty"`
	StoreDriver                      string           `json:"store_driver,omitempty"`
}

// WriteFailure describes an ingest batch that could not be persisted.
type WriteFailure struct {
	TraceID    string
	ProjectID  string
	SpanCount  int
	Err        error
	ErrorClass string
}

// WriteFailureHandler receives asynchronous ingest write failures.
type WriteFailureHandler func(WriteFailure)

var noopWriteFailureHandler = WriteFailureHandler(func(WriteFailure) {})

// WriterMetrics holds optional callbacks the Writer invokes at key pipeline points.
type WriterMetrics struct {
	// OnEnqueue is called each time a batch is placed on the queue.
	OnEnqueue func()
	// OnDrop is called each time a batch is rejected because the queue is full.
	OnDrop func()
	// OnWrite is called after each store write with its duration and error.
	OnWrite func(duration time.Duration, err error)
	// OnWriteStart is called before each store write. The returned function
	// is called once the write completes.
	OnWriteStart func(traceID string) func(error)
}

// Writer persists ingest batches asynchronously. Batches for the same trace
// are serialized by the store; the writer itself runs one worker so batches
// are applied in arrival order.
type Writer struct {
	store TraceStore
	queue chan *IngestBatch
	wg    sync.WaitGroup

	started            atomic.Bool
	stopped            atomic.Bool
	stopOnce           sync.Once
	doneOnce           sync.Once
	done               chan struct{}
	queueMu            sync.RWMutex
	lifecycleMu        sync.RWMutex
	workerCancel       context.CancelFunc
	writeFailureHandle atomic.Value // WriteFailureHandler
	metrics            atomic.Value // *WriterMetrics

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	writtenTotal            atomic.Int64
	writeDroppedTotal       atomic.Int64
	lastEnqueueDropUnixNano atomic.Int64
	lastWriteDropUnixNano   atomic.Int64
	lastWriteDropTraceID    atomic.Value // string

	failuresByClass map[string]*atomic.Int64
}

func NewWriter(store TraceStore, bufferSize int) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	writer := &Writer{
		store:           store,
		queue:           make(chan *IngestBatch, bufferSize),
		done:            make(chan struct{}),
		failuresByClass: make(map[string]*atomic.Int64, len(writeFailureClasses)),
	}
	for _, class := range writeFailureClasses {
		writer.failuresByClass[class] = &atomic.Int64{}
	}
	writer.writeFailureHandle.Store(noopWriteFailureHandler)
	writer.metrics.Store(&WriterMetrics{})
	writer.lastWriteDropTraceID.Store("")
	return writer
}

// SetWriteFailureHandler replaces the callback used for dropped batch signals.
func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = noopWriteFailureHandler
	}
	w.writeFailureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the writer pipeline.
func (w *Writer) SetMetrics(m *WriterMetrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) loadMetrics() *WriterMetrics {
	m, _ := w.metrics.Load().(*WriterMetrics)
	return m
}

// QueueLen returns the number of batches waiting to be written.
func (w *Writer) QueueLen() int {
	if w == nil {
		return 0
	}
	return len(w.queue)
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func(workerCtx context.Context) {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case batch, ok := <-w.queue:
				if !ok {
					return
				}
				w.write(workerCtx, batch)
			}
		}
	}(workerCtx)
}

// Enqueue queues batch without blocking. It reports false when the writer is
// stopped or the queue is full.
func (w *Writer) Enqueue(batch *IngestBatch) bool {
	if batch == nil || w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- batch:
		w.enqueueAcceptedTotal.Add(1)
		w.observeQueueDepth(len(w.queue))
		if m := w.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		w.observeQueueDepth(cap(w.queue))
		w.lastEnqueueDropUnixNano.Store(time.Now().UTC().UnixNano())
		if m := w.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (w *Writer) Stop() {
	_ = w.Shutdown(context.Background())
}

// Shutdown stops accepting batches and waits for queued ones to be written
// or for ctx to end.
func (w *Writer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	w.lifecycleMu.RLock()
	cancel := w.workerCancel
	w.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) write(ctx context.Context, batch *IngestBatch) {
	if batch == nil {
		return
	}
	var endSpan func(error)
	if m := w.loadMetrics(); m != nil && m.OnWriteStart != nil {
		endSpan = m.OnWriteStart(batch.TraceID())
	}
	start := time.Now()
	err := w.store.WriteIngest(ctx, batch)
	if endSpan != nil {
		endSpan(err)
	}
	if m := w.loadMetrics(); m != nil && m.OnWrite != nil {
		m.OnWrite(time.Since(start), err)
	}
	if err != nil {
		w.reportWriteFailure(WriteFailure{
			TraceID:   batch.TraceID(),
			ProjectID: batch.ProjectID.String(),
			SpanCount: len(batch.Spans),
			Err:       err,
		})
		return
	}
	w.writtenTotal.Add(1)
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	failure.ErrorClass = ClassifyStoreError(failure.Err)
	w.writeDroppedTotal.Add(1)
	w.lastWriteDropUnixNano.Store(time.Now().UTC().UnixNano())
	if failure.TraceID != "" {
		w.lastWriteDropTraceID.Store(failure.TraceID)
	}
	if counter, ok := w.failuresByClass[failure.ErrorClass]; ok {
		counter.Add(1)
	} else {
		w.failuresByClass[ErrorClassUnknown].Add(1)
	}
	handler, ok := w.writeFailureHandle.Load().(WriteFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// IngestDiagnostics returns a point-in-time snapshot of queue pressure and
// drop counters.
func (w *Writer) IngestDiagnostics() IngestDiagnostics {
	if w == nil {
		return IngestDiagnostics{}
	}

	queueCapacity := cap(w.queue)
	queueDepth := len(w.queue)
	highWatermark := int(w.queueDepthHighWatermark.Load())
	if queueDepth > highWatermark {
		highWatermark = queueDepth
	}

	utilPct := queueUtilizationPct(queueDepth, queueCapacity)
	highWatermarkUtilPct := queueUtilizationPct(highWatermark, queueCapacity)

	enqueueDropped := w.enqueueDroppedTotal.Load()
	writeDropped := w.writeDroppedTotal.Load()

	snapshot := IngestDiagnostics{
		QueueCapacity:                    queueCapacity,
		QueueDepth:                       queueDepth,
		QueueDepthHighWatermark:          highWatermark,
		QueueUtilizationPct:              utilPct,
		QueueHighWatermarkUtilizationPct: highWatermarkUtilPct,
		QueuePressureState:               queuePressureState(utilPct),
		QueueHighWatermarkPressureState:  queuePressureState(highWatermarkUtilPct),
		EnqueueAcceptedTotal:             w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:              enqueueDropped,
		WrittenTotal:                     w.writtenTotal.Load(),
		WriteDroppedTotal:                writeDropped,
		TotalDroppedTotal:                enqueueDropped + writeDropped,
	}

	if ts := w.lastEnqueueDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastEnqueueDropAt = &last
	}
	if ts := w.lastWriteDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastWriteDropAt = &last
	}
	if traceID, ok := w.lastWriteDropTraceID.Load().(string); ok {
		snapshot.LastWriteDropTraceID = traceID
	}

	byClass := make(map[string]int64)
	for class, counter := range w.failuresByClass {
		if v := counter.Load(); v > 0 {
			byClass[class] = v
		}
	}
	if len(byClass) > 0 {
		snapshot.WriteFailuresByClass = byClass
	}

	return snapshot
}

func (w *Writer) observeQueueDepth(depth int) {
	if depth < 0 {
		return
	}
	depthValue := int64(depth)
	for {
		current := w.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if w.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}

// Stopped reports whether Shutdown has been called.
func (w *Writer) Stopped() bool {
	return w != nil && w.stopped.Load()
}
