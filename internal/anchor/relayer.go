package anchor

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultConfirmTimeout = 30 * time.Second
	DefaultQueueSize      = 64
	submitTimeout         = 15 * time.Second
)

type jobKey struct {
	didHash    string
	controller string
}

type request struct {
	key    jobKey
	done   chan struct{}
	result Result
	err    error
}

// Relayer owns the signing account. Run is the only goroutine that reads or advances the
// nonce and the only one that submits, so submissions are strictly FIFO and one at a time.
// Confirmation waits happen off the actor so a slow block does not stall later jobs.
type Relayer struct {
	ledger         Ledger
	jobs           JobStore
	confirmTimeout time.Duration
	inbox          chan *request
	nowF           func() time.Time

	mu       sync.Mutex
	inflight map[jobKey]*request
	stopped  bool
	// finished counts completed requests, so a job store lookup made without mu can tell
	// whether a job finished while it ran.
	finished uint64

	// owned by Run
	nonce      uint64
	nonceKnown bool

	waiters sync.WaitGroup

	jobsCounter metric.Int64Counter
	queueDepth  metric.Int64UpDownCounter
}

// Options tunes a Relayer. Zero values select defaults.
type Options struct {
	ConfirmTimeout time.Duration
	QueueSize      int
}

// NewRelayer returns a relayer over ledger. Call Run to start it.
func NewRelayer(ledger Ledger, jobs JobStore, opts Options) *Relayer {
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if jobs == nil {
		jobs = NewMemoryJobStore()
	}
	meter := otel.Meter("identity-pairing/anchor")
	jobsCounter, err := meter.Int64Counter("anchor.jobs", metric.WithDescription("Anchoring jobs by outcome"))
	if err != nil {
		log.Printf("anchor: metric anchor.jobs: %v", err)
	}
	queueDepth, err := meter.Int64UpDownCounter("anchor.queue.depth", metric.WithDescription("Jobs waiting for submission"))
	if err != nil {
		log.Printf("anchor: metric anchor.queue.depth: %v", err)
	}
	return &Relayer{
		ledger:         ledger,
		jobs:           jobs,
		confirmTimeout: opts.ConfirmTimeout,
		inbox:          make(chan *request, opts.QueueSize),
		nowF:           func() time.Time { return time.Now().UTC() },
		inflight:       make(map[jobKey]*request),
		jobsCounter:    jobsCounter,
		queueDepth:     queueDepth,
	}
}

// Run processes the inbox until ctx is done, then fails queued jobs and waits for
// outstanding confirmation waits to finish.
func (r *Relayer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			r.stop()
			return
		}
		select {
		case <-ctx.Done():
			r.stop()
			return
		case req := <-r.inbox:
			r.addDepth(ctx, -1)
			r.submit(ctx, req)
		}
	}
}

func (r *Relayer) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	for {
		select {
		case req := <-r.inbox:
			r.finish(req, Result{Status: StatusFailed}, ErrStopped)
		default:
			r.waiters.Wait()
			return
		}
	}
}

// Anchor requests that didHash be registered with controller and waits for the outcome.
// A pair already confirmed returns its stored reference without a ledger write; a pair
// already queued or awaiting confirmation shares that job's outcome. A timed out
// confirmation returns StatusPending with ErrAnchorTimeout.
func (r *Relayer) Anchor(ctx context.Context, didHash, controller string) (Result, error) {
	if r == nil || r.ledger == nil {
		return Result{}, ErrAnchorUnavailable
	}
	key := jobKey{didHash: didHash, controller: controller}

	req, err := r.join(ctx, key)
	if err != nil {
		return Result{}, err
	}
	select {
	case <-req.done:
		return req.result, req.err
	default:
	}
	select {
	case <-req.done:
		return req.result, req.err
	case <-ctx.Done():
		return Result{Status: StatusPending}, ctx.Err()
	}
}

// join returns the in-flight request for key, starting one when there is none. The job store
// is read without holding mu; the lookup is repeated if a request finished meanwhile.
// A job already confirmed comes back as a finished request carrying the stored reference.
func (r *Relayer) join(ctx context.Context, key jobKey) (*request, error) {
	for {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return nil, ErrStopped
		}
		if req, ok := r.inflight[key]; ok {
			r.mu.Unlock()
			return req, nil
		}
		seen := r.finished
		r.mu.Unlock()

		existing, err := r.jobs.Get(ctx, key.didHash, key.controller)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Status == StatusConfirmed {
			req := &request{key: key, done: make(chan struct{}), result: Result{TxRef: existing.TxRef, Status: StatusConfirmed}}
			close(req.done)
			return req, nil
		}

		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return nil, ErrStopped
		}
		if req, ok := r.inflight[key]; ok {
			r.mu.Unlock()
			return req, nil
		}
		if r.finished != seen {
			r.mu.Unlock()
			continue
		}
		req := &request{key: key, done: make(chan struct{})}
		r.inflight[key] = req
		if existing != nil && existing.Status == StatusPending && existing.TxRef != "" {
			// Submitted before but unconfirmed: watch the same transaction again.
			r.waiters.Add(1)
			go r.await(context.WithoutCancel(ctx), req, existing)
		} else {
			select {
			case r.inbox <- req:
				r.addDepth(ctx, 1)
			default:
				delete(r.inflight, key)
				r.mu.Unlock()
				return nil, ErrQueueFull
			}
		}
		r.mu.Unlock()
		return req, nil
	}
}

func (r *Relayer) submit(ctx context.Context, req *request) {
	now := r.nowF()
	job := &Job{DIDHash: req.key.didHash, Controller: req.key.controller, CreatedAt: now, UpdatedAt: now}

	if !r.nonceKnown {
		n, err := r.ledger.PendingNonce(ctx)
		if err != nil {
			log.Printf("anchor: pending nonce: %v", err)
			r.fail(ctx, req, job, err)
			return
		}
		r.nonce, r.nonceKnown = n, true
	}

	subCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	txRef, err := r.ledger.SubmitAnchor(subCtx, r.nonce, job.DIDHash, job.Controller)
	cancel()
	if err != nil {
		// The ledger may or may not have taken the nonce; resync before the next job.
		r.nonceKnown = false
		log.Printf("anchor: submit nonce=%d: %v", r.nonce, err)
		r.fail(ctx, req, job, err)
		return
	}
	job.Nonce = r.nonce
	r.nonce++
	job.TxRef = txRef
	job.Status = StatusPending
	job.UpdatedAt = r.nowF()
	if err := r.jobs.Save(ctx, job); err != nil {
		log.Printf("anchor: save job: %v", err)
	}
	r.waiters.Add(1)
	go r.await(ctx, req, job)
}

func (r *Relayer) await(ctx context.Context, req *request, job *Job) {
	defer r.waiters.Done()
	waitCtx, cancel := context.WithTimeout(ctx, r.confirmTimeout)
	err := r.ledger.WaitConfirmation(waitCtx, job.TxRef)
	cancel()

	job.UpdatedAt = r.nowF()
	switch {
	case err == nil:
		job.Status = StatusConfirmed
		job.LastError = ""
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		job.Status = StatusPending
		err = ErrAnchorTimeout
	default:
		job.Status = StatusFailed
		job.LastError = err.Error()
	}
	if serr := r.jobs.Save(context.WithoutCancel(ctx), job); serr != nil {
		log.Printf("anchor: save job: %v", serr)
	}
	r.count(ctx, job.Status)
	r.finish(req, Result{TxRef: job.TxRef, Status: job.Status}, err)
}

func (r *Relayer) fail(ctx context.Context, req *request, job *Job, err error) {
	job.Status = StatusFailed
	job.LastError = err.Error()
	job.UpdatedAt = r.nowF()
	if serr := r.jobs.Save(ctx, job); serr != nil {
		log.Printf("anchor: save job: %v", serr)
	}
	r.count(ctx, StatusFailed)
	r.finish(req, Result{Status: StatusFailed}, err)
}

func (r *Relayer) finish(req *request, res Result, err error) {
	r.mu.Lock()
	if r.inflight[req.key] == req {
		delete(r.inflight, req.key)
	}
	r.finished++
	r.mu.Unlock()
	req.result, req.err = res, err
	close(req.done)
}

func (r *Relayer) count(ctx context.Context, s Status) {
	if r.jobsCounter != nil {
		r.jobsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(s))))
	}
}

func (r *Relayer) addDepth(ctx context.Context, d int64) {
	if r.queueDepth != nil {
		r.queueDepth.Add(ctx, d)
	}
}
