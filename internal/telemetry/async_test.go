package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"identity-pairing/backend/internal/telemetry/domain"
)

type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.Event
	emitErr error
	done    chan struct{}
}

func newMockEmitter(buffer int) *mockEventEmitter {
	return &mockEventEmitter{done: make(chan struct{}, buffer)}
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	if m.done != nil {
		m.done <- struct{}{}
	}
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.Event(nil), m.events...)
}

func waitEmits(t *testing.T, m *mockEventEmitter, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-m.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for emit %d of %d", i+1, n)
		}
	}
}

func TestEmitAsync_NilEmitterOrEvent(t *testing.T) {
	EmitAsync(nil, context.Background(), &domain.Event{EventType: domain.EventCeremonyVerified})

	m := newMockEmitter(1)
	EmitAsync(m, context.Background(), nil)
	time.Sleep(10 * time.Millisecond)
	if n := len(m.getEvents()); n != 0 {
		t.Errorf("expected 0 events, got %d", n)
	}
}

func TestEmitAsync_StampsCreatedAt(t *testing.T) {
	m := newMockEmitter(1)
	ev := &domain.Event{EventType: domain.EventSessionCreated, Kind: "qr-login"}
	EmitAsync(m, context.Background(), ev)
	waitEmits(t, m, 1)

	got := m.getEvents()[0]
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if got.Kind != "qr-login" {
		t.Errorf("Kind = %q", got.Kind)
	}
}

func TestEmitAsync_IgnoresRequestCancellation(t *testing.T) {
	m := newMockEmitter(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	EmitAsync(m, ctx, &domain.Event{EventType: domain.EventCeremonyVerified})
	waitEmits(t, m, 1)
}

func TestEmitAsync_ErrorIsSwallowed(t *testing.T) {
	m := newMockEmitter(1)
	m.emitErr = errors.New("collector down")
	EmitAsync(m, context.Background(), &domain.Event{EventType: domain.EventCeremonyVerified})
	waitEmits(t, m, 1)
}

func TestEmitAsync_Concurrent(t *testing.T) {
	m := newMockEmitter(10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			EmitAsync(m, context.Background(), &domain.Event{EventType: domain.EventChallengeIssued})
		}()
	}
	wg.Wait()
	waitEmits(t, m, 10)
	if n := len(m.getEvents()); n != 10 {
		t.Errorf("expected 10 events, got %d", n)
	}
}

func TestFanout(t *testing.T) {
	a, b := newMockEmitter(1), newMockEmitter(1)
	b.emitErr = errors.New("b failed")
	err := Fanout{a, nil, b}.Emit(context.Background(), &domain.Event{EventType: domain.EventCeremonyVerified})
	if err == nil || err.Error() != "b failed" {
		t.Errorf("err = %v, want b failed", err)
	}
	if len(a.getEvents()) != 1 || len(b.getEvents()) != 1 {
		t.Error("every emitter should receive the event")
	}
}
