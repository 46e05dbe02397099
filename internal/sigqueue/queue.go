// ABOUTME: Serializes signing requests: FIFO order under a concurrency bound.
// ABOUTME: Every dispatch is timeout-wrapped; cancel-all sweeps queue and in-flight.

package sigqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/signet/internal/companion"
	"github.com/2389/signet/internal/event"
	"github.com/2389/signet/internal/signer"
)

var (
	// ErrCancelled is returned for operations rejected by CancelAll.
	ErrCancelled = errors.New("signing cancelled")

	// ErrNoSigner is returned when no signer is active at dispatch time.
	ErrNoSigner = errors.New("no active signer")
)

// Default bounds. External signer companion apps serialize user-approval
// prompts, so overlapping round-trips buy nothing; one at a time is the
// observed behavior, kept configurable for batched-approval signers.
const (
	DefaultMaxConcurrent = 1
	DefaultTimeout       = 15 * time.Second
)

// Result settles one signing operation: a hex signature or an error.
type Result struct {
	Signature string
	Err       error
}

// Operation is one pending signature request.
type Operation struct {
	ID         string
	Event      *event.Event
	EnqueuedAt time.Time

	ctx    context.Context
	seq    uint64 // monotonic tie-breaker for equal timestamps
	result chan Result
	once   sync.Once
}

// settle delivers the result exactly once.
func (op *Operation) settle(res Result) {
	op.once.Do(func() { op.result <- res })
}

// SignerProvider returns the currently active signer, or nil when logged out.
// The queue resolves the signer at dispatch time, not enqueue time.
type SignerProvider func() signer.Signer

// Options configures a Queue.
type Options struct {
	MaxConcurrent int           // default 1
	Timeout       time.Duration // per-dispatch bound, default 15s
}

// Queue serializes signing requests against a bounded concurrency limit,
// preserving enqueue order and supporting en-masse cancellation.
type Queue struct {
	mu       sync.Mutex
	ops      []*Operation
	inflight map[*Operation]context.CancelFunc

	maxConcurrent int
	timeout       time.Duration
	provider      SignerProvider
	logger        *slog.Logger
	seq           uint64
}

// New creates a Queue dispatching to the provider's current signer.
func New(provider SignerProvider, opts Options, logger *slog.Logger) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		inflight:      make(map[*Operation]context.CancelFunc),
		maxConcurrent: opts.MaxConcurrent,
		timeout:       opts.Timeout,
		provider:      provider,
		logger:        logger.With("component", "sigqueue"),
	}
}

// Enqueue appends a signing operation and returns a channel that settles with
// its result. The channel is buffered; the result is never lost if the caller
// reads late. id correlates the operation with state-machine bookkeeping; an
// empty id gets a generated one.
func (q *Queue) Enqueue(ctx context.Context, id string, ev *event.Event) <-chan Result {
	if id == "" {
		id = uuid.New().String()
	}
	op := &Operation{
		ID:         id,
		Event:      ev,
		EnqueuedAt: time.Now(),
		ctx:        ctx,
		result:     make(chan Result, 1),
	}

	q.mu.Lock()
	q.seq++
	op.seq = q.seq
	q.ops = append(q.ops, op)
	depth := len(q.ops)
	q.mu.Unlock()

	q.logger.Debug("enqueued signing operation", "op", op.ID, "depth", depth)
	q.drain()
	return op.result
}

// Len returns the number of queued (not yet dispatched) operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Active returns the number of in-flight dispatches.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// CancelAll synchronously rejects every queued and in-flight operation with a
// cancellation error carrying reason, clears the queue, and resets the active
// count. This is the only way operations leave the queue unsigned.
func (q *Queue) CancelAll(reason string) {
	q.mu.Lock()
	queued := q.ops
	q.ops = nil
	inflight := q.inflight
	q.inflight = make(map[*Operation]context.CancelFunc)
	q.mu.Unlock()

	err := fmt.Errorf("%w: %s", ErrCancelled, reason)
	for _, op := range queued {
		op.settle(Result{Err: err})
	}
	for op, cancel := range inflight {
		op.settle(Result{Err: err})
		cancel()
	}

	q.logger.Info("cancelled all signing operations",
		"queued", len(queued),
		"in_flight", len(inflight),
		"reason", reason,
	)
}

// drain dispatches queued operations while capacity remains. Operations are
// re-sorted by timestamp before each pop; they should already arrive in
// order, but this makes the FIFO guarantee explicit and testable.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.inflight) >= q.maxConcurrent || len(q.ops) == 0 {
			q.mu.Unlock()
			return
		}

		sort.SliceStable(q.ops, func(i, j int) bool {
			if q.ops[i].EnqueuedAt.Equal(q.ops[j].EnqueuedAt) {
				return q.ops[i].seq < q.ops[j].seq
			}
			return q.ops[i].EnqueuedAt.Before(q.ops[j].EnqueuedAt)
		})

		op := q.ops[0]
		q.ops = q.ops[1:]

		ctx, cancel := context.WithTimeout(op.ctx, q.timeout)
		q.inflight[op] = cancel
		q.mu.Unlock()

		go q.dispatch(ctx, op)
	}
}

// dispatch runs one operation against the active signer and settles it.
func (q *Queue) dispatch(ctx context.Context, op *Operation) {
	sgn := q.provider()
	if sgn == nil {
		q.finish(op, Result{Err: ErrNoSigner})
		return
	}

	sig, err := sgn.Sign(ctx, op.Event)
	if err != nil {
		// Local signers surface the raw deadline error; normalize it to the
		// same timeout the companion layer reports.
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: after %s", companion.ErrTimeout, q.timeout)
		}
		q.finish(op, Result{Err: err})
		return
	}
	q.finish(op, Result{Signature: sig})
}

// finish settles an operation, releases its slot, and keeps draining. A slot
// already released by CancelAll is not double-counted.
func (q *Queue) finish(op *Operation, res Result) {
	q.mu.Lock()
	cancel, wasInflight := q.inflight[op]
	if wasInflight {
		delete(q.inflight, op)
	}
	q.mu.Unlock()

	if wasInflight {
		cancel()
		op.settle(res)
		if res.Err != nil {
			q.logger.Debug("signing operation failed", "op", op.ID, "error", res.Err)
		} else {
			q.logger.Debug("signing operation resolved", "op", op.ID)
		}
	}

	q.drain()
}
