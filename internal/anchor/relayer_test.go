package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelayer(t *testing.T, ledger Ledger, opts Options) *Relayer {
	t.Helper()
	r := NewRelayer(ledger, NewMemoryJobStore(), opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r
}

func TestRelayer_AnchorConfirms(t *testing.T) {
	ledger := NewMemoryLedger(0)
	r := startRelayer(t, ledger, Options{ConfirmTimeout: time.Second})

	res, err := r.Anchor(context.Background(), "0xhash", "0xcontroller")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)
	assert.NotEmpty(t, res.TxRef)

	c, ok := ledger.Controller("0xhash")
	assert.True(t, ok)
	assert.Equal(t, "0xcontroller", c)
}

func TestRelayer_DuplicateConcurrentPairWritesOnce(t *testing.T) {
	ledger := NewMemoryLedger(50 * time.Millisecond)
	r := startRelayer(t, ledger, Options{ConfirmTimeout: time.Second})

	var wg sync.WaitGroup
	results := make([]Result, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Anchor(context.Background(), "0xsame", "0xctrl")
		}(i)
	}
	wg.Wait()

	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, StatusConfirmed, results[i].Status)
		assert.Equal(t, results[0].TxRef, results[i].TxRef)
	}
	assert.Len(t, ledger.Submissions(), 1)
}

func TestRelayer_ConfirmedPairIsNoOp(t *testing.T) {
	ledger := NewMemoryLedger(0)
	r := startRelayer(t, ledger, Options{ConfirmTimeout: time.Second})

	first, err := r.Anchor(context.Background(), "0xh", "0xc")
	require.NoError(t, err)
	second, err := r.Anchor(context.Background(), "0xh", "0xc")
	require.NoError(t, err)

	assert.Equal(t, first.TxRef, second.TxRef)
	assert.Len(t, ledger.Submissions(), 1)
}

func TestRelayer_SerializesNoncesInFIFOOrder(t *testing.T) {
	ledger := NewMemoryLedger(0)
	r := NewRelayer(ledger, NewMemoryJobStore(), Options{ConfirmTimeout: time.Second, QueueSize: 32})

	// Queue everything before the actor starts so arrival order is fixed.
	const n = 10
	type out struct {
		res Result
		err error
	}
	outs := make([]chan out, n)
	for i := 0; i < n; i++ {
		outs[i] = make(chan out, 1)
		go func(i int) {
			res, err := r.Anchor(context.Background(), fmt.Sprintf("0xh%02d", i), "0xc")
			outs[i] <- out{res, err}
		}(i)
		require.Eventually(t, func() bool { return len(r.inbox) == i+1 }, time.Second, time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	for i := 0; i < n; i++ {
		o := <-outs[i]
		require.NoError(t, o.err)
	}
	subs := ledger.Submissions()
	require.Len(t, subs, n)
	for i, s := range subs {
		assert.Equal(t, uint64(i), s.Nonce)
		assert.Equal(t, fmt.Sprintf("0xh%02d", i), s.DIDHash)
	}
}

func TestRelayer_ConcurrentDistinctJobsNeverReuseNonce(t *testing.T) {
	ledger := NewMemoryLedger(5 * time.Millisecond)
	r := startRelayer(t, ledger, Options{ConfirmTimeout: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Anchor(context.Background(), fmt.Sprintf("0x%d", i), "0xc")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, s := range ledger.Submissions() {
		assert.False(t, seen[s.Nonce], "nonce %d reused", s.Nonce)
		seen[s.Nonce] = true
	}
	assert.Len(t, seen, 20)
}

func TestRelayer_TimeoutReportsPendingAndDoesNotResubmit(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	r := startRelayer(t, ledger, Options{ConfirmTimeout: 20 * time.Millisecond})

	res, err := r.Anchor(context.Background(), "0xslow", "0xc")
	assert.True(t, errors.Is(err, ErrAnchorTimeout))
	assert.Equal(t, StatusPending, res.Status)
	assert.NotEmpty(t, res.TxRef)

	// Asking again watches the same transaction instead of sending another.
	again, err := r.Anchor(context.Background(), "0xslow", "0xc")
	assert.True(t, errors.Is(err, ErrAnchorTimeout))
	assert.Equal(t, res.TxRef, again.TxRef)
	assert.Len(t, ledger.Submissions(), 1)
}

func TestRelayer_SubmitFailureResyncsNonce(t *testing.T) {
	ledger := NewMemoryLedger(0)
	r := startRelayer(t, ledger, Options{ConfirmTimeout: time.Second})

	ledger.FailNextSubmit(errors.New("rpc down"))
	res, err := r.Anchor(context.Background(), "0xa", "0xc")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	// A failed pair may be requested again as a new job.
	res, err = r.Anchor(context.Background(), "0xa", "0xc")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, res.Status)
	subs := ledger.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, uint64(0), subs[0].Nonce)
}

func TestRelayer_NilLedgerIsUnavailable(t *testing.T) {
	r := NewRelayer(nil, nil, Options{})
	_, err := r.Anchor(context.Background(), "0xa", "0xc")
	assert.True(t, errors.Is(err, ErrAnchorUnavailable))

	var nilRelayer *Relayer
	_, err = nilRelayer.Anchor(context.Background(), "0xa", "0xc")
	assert.True(t, errors.Is(err, ErrAnchorUnavailable))
}

func TestRelayer_QueueFull(t *testing.T) {
	ledger := NewMemoryLedger(0)
	r := NewRelayer(ledger, nil, Options{QueueSize: 1})

	go func() { _, _ = r.Anchor(context.Background(), "0x1", "0xc") }()
	require.Eventually(t, func() bool { return len(r.inbox) == 1 }, time.Second, time.Millisecond)

	_, err := r.Anchor(context.Background(), "0x2", "0xc")
	assert.True(t, errors.Is(err, ErrQueueFull))
}

func TestRelayer_StopFailsQueuedJobs(t *testing.T) {
	r := NewRelayer(NewMemoryLedger(0), nil, Options{})
	errc := make(chan error, 1)
	go func() {
		_, err := r.Anchor(context.Background(), "0x1", "0xc")
		errc <- err
	}()
	require.Eventually(t, func() bool { return len(r.inbox) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Run(ctx)

	assert.True(t, errors.Is(<-errc, ErrStopped))
	_, err := r.Anchor(context.Background(), "0x2", "0xc")
	assert.True(t, errors.Is(err, ErrStopped))
}

// gatedJobStore blocks lookups of one DID hash until release is closed.
type gatedJobStore struct {
	*MemoryJobStore
	didHash string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gatedJobStore) Get(ctx context.Context, didHash, controller string) (*Job, error) {
	if didHash == s.didHash {
		s.once.Do(func() { close(s.entered) })
		<-s.release
	}
	return s.MemoryJobStore.Get(ctx, didHash, controller)
}

func TestRelayer_SlowJobLookupDoesNotBlockOtherCallers(t *testing.T) {
	ledger := NewMemoryLedger(0)
	jobs := &gatedJobStore{
		MemoryJobStore: NewMemoryJobStore(),
		didHash:        "0xslow",
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	r := NewRelayer(ledger, jobs, Options{ConfirmTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	slow := make(chan error, 1)
	go func() {
		_, err := r.Anchor(context.Background(), "0xslow", "0xc")
		slow <- err
	}()
	<-jobs.entered

	fast, err := r.Anchor(context.Background(), "0xfast", "0xc")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, fast.Status)

	close(jobs.release)
	require.NoError(t, <-slow)
	assert.Len(t, ledger.Submissions(), 2)
}
