package stt

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Drop reasons reported through QueueOptions.OnDrop.
const (
	DropOverload = "queue_full"
	DropShutdown = "shutdown"
)

// Segment is one utterance waiting for inference. The queue owns Samples from
// Submit until they are handed to the engine.
type Segment struct {
	Sequence  uint64
	SessionID string
	Samples   []float32
	Enqueued  time.Time
}

// Completion is delivered once per started segment, in sequence order.
type Completion struct {
	Sequence      uint64
	SessionID     string
	AudioDuration time.Duration
	Inference     time.Duration
	Result        Result
	Err           error
}

type QueueOptions struct {
	Capacity         int
	InferenceTimeout time.Duration
	Params           Params
	// OnComplete runs on the worker goroutine.
	OnComplete func(Completion)
	// OnDrop runs on the goroutine that caused the drop and must not block.
	OnDrop func(seq uint64, sessionID, reason string)
	Logger *slog.Logger
}

// Queue serializes inference behind a single worker. Segments are started
// strictly in sequence order; a reserved sequence that has not been submitted
// holds back everything after it.
type Queue struct {
	engine Engine
	opts   QueueOptions
	log    *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  segmentHeap
	skipped  map[uint64]struct{}
	last     uint64 // last reserved sequence
	expected uint64 // next sequence the worker may start
	inFlight bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer    trace.Tracer
	outcomes  metric.Int64Counter
	inference metric.Float64Histogram
	depthReg  metric.Registration
}

func NewQueue(parent context.Context, engine Engine, opts QueueOptions) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = 1
	}
	if opts.InferenceTimeout <= 0 {
		opts.InferenceTimeout = 45 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// In-flight inference survives parent cancellation; Close ends the worker.
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	q := &Queue{
		engine:   engine,
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "stt.queue")),
		skipped:  make(map[uint64]struct{}),
		expected: 1,
		ctx:      ctx,
		cancel:   cancel,
		tracer:   otel.Tracer("github.com/loqalabs/flowstt/internal/stt"),
	}
	q.cond = sync.NewCond(&q.mu)
	if err := q.initMetrics(); err != nil {
		q.log.Warn("queue metrics unavailable", slogError(err))
	}
	return q
}

// Start launches the worker.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// Reserve allocates the next sequence number. Every reservation must be
// followed by Submit or Abandon.
func (q *Queue) Reserve() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.last++
	return q.last
}

// Abandon releases a reservation that will never be submitted.
func (q *Queue) Abandon(seq uint64) {
	q.mu.Lock()
	q.skipped[seq] = struct{}{}
	q.mu.Unlock()
	q.cond.Signal()
}

// Submit admits a reserved segment. When the queue is full the oldest pending
// segment is dropped and reported through OnDrop.
func (q *Queue) Submit(seg Segment) error {
	if seg.Enqueued.IsZero() {
		seg.Enqueued = time.Now()
	}
	q.mu.Lock()
	if q.closed {
		q.skipped[seg.Sequence] = struct{}{}
		q.mu.Unlock()
		return ErrQueueClosed
	}
	var dropped *Segment
	if q.pending.Len() >= q.opts.Capacity {
		oldest := heap.Pop(&q.pending).(*Segment)
		q.skipped[oldest.Sequence] = struct{}{}
		dropped = oldest
	}
	heap.Push(&q.pending, &seg)
	q.mu.Unlock()
	q.cond.Signal()

	if dropped != nil {
		q.record(DropOverload)
		if q.opts.OnDrop != nil {
			q.opts.OnDrop(dropped.Sequence, dropped.SessionID, DropOverload)
		}
	}
	return nil
}

// Enqueue reserves a sequence and submits samples under it.
func (q *Queue) Enqueue(sessionID string, samples []float32) (uint64, error) {
	seq := q.Reserve()
	err := q.Submit(Segment{Sequence: seq, SessionID: sessionID, Samples: samples})
	return seq, err
}

// Depth is the number of segments waiting to start.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Busy reports whether an inference is running.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Close discards pending segments, waits for the in-flight inference to
// deliver its completion, and stops the worker.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	discarded := make([]*Segment, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		discarded = append(discarded, heap.Pop(&q.pending).(*Segment))
	}
	q.mu.Unlock()
	q.cond.Broadcast()

	for _, seg := range discarded {
		q.record(DropShutdown)
		if q.opts.OnDrop != nil {
			q.opts.OnDrop(seg.Sequence, seg.SessionID, DropShutdown)
		}
	}
	q.wg.Wait()
	q.cancel()
	if q.depthReg != nil {
		if err := q.depthReg.Unregister(); err != nil {
			q.log.Warn("failed to unregister queue metrics", slog.String("error", err.Error()))
		}
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		seg, ok := q.next()
		if !ok {
			return
		}
		completion := q.process(seg)

		q.mu.Lock()
		q.inFlight = false
		q.mu.Unlock()

		if q.opts.OnComplete != nil {
			q.opts.OnComplete(completion)
		}
	}
}

// next blocks until the expected sequence is pending or the queue closes.
func (q *Queue) next() (*Segment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, false
		}
		q.skipAbandoned()
		if q.pending.Len() > 0 && q.pending[0].Sequence == q.expected {
			seg := heap.Pop(&q.pending).(*Segment)
			q.expected = seg.Sequence + 1
			q.inFlight = true
			return seg, true
		}
		q.cond.Wait()
	}
}

func (q *Queue) skipAbandoned() {
	for {
		if _, ok := q.skipped[q.expected]; !ok {
			return
		}
		delete(q.skipped, q.expected)
		q.expected++
	}
}

func (q *Queue) process(seg *Segment) Completion {
	audioDuration := time.Duration(len(seg.Samples)) * time.Second / 16000
	ctx, cancel := context.WithTimeout(q.ctx, q.opts.InferenceTimeout)
	defer cancel()
	ctx, span := q.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.Int64("flowstt.sequence", int64(seg.Sequence)),
		attribute.String("flowstt.session_id", seg.SessionID),
		attribute.Int64("flowstt.audio_ms", audioDuration.Milliseconds()),
	))
	defer span.End()

	start := time.Now()
	result, err := q.engine.Transcribe(ctx, seg.Samples, q.opts.Params)
	elapsed := time.Since(start)
	seg.Samples = nil

	if q.inference != nil {
		q.inference.Record(ctx, float64(elapsed.Milliseconds()))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.record("failed")
		q.log.Warn("transcription failed",
			slog.Uint64("sequence", seg.Sequence),
			slog.String("session_id", seg.SessionID),
			slogError(err))
	} else {
		q.record("completed")
	}

	return Completion{
		Sequence:      seg.Sequence,
		SessionID:     seg.SessionID,
		AudioDuration: audioDuration,
		Inference:     elapsed,
		Result:        result,
		Err:           err,
	}
}

func (q *Queue) record(outcome string) {
	if q.outcomes == nil {
		return
	}
	q.outcomes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (q *Queue) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/flowstt/internal/stt")
	depth, err := meter.Int64ObservableGauge("flowstt.queue.depth", metric.WithDescription("Segments waiting for inference"))
	if err != nil {
		return err
	}
	outcomes, err := meter.Int64Counter("flowstt.queue.segments", metric.WithDescription("Segments by outcome"))
	if err != nil {
		return err
	}
	inference, err := meter.Float64Histogram("flowstt.inference.duration", metric.WithDescription("Inference wall time"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	q.outcomes = outcomes
	q.inference = inference
	q.depthReg, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depth, int64(q.Depth()))
		return nil
	}, depth)
	return err
}

type segmentHeap []*Segment

func (h segmentHeap) Len() int           { return len(h) }
func (h segmentHeap) Less(i, j int) bool { return h[i].Sequence < h[j].Sequence }
func (h segmentHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *segmentHeap) Push(x any) { *h = append(*h, x.(*Segment)) }

func (h *segmentHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
