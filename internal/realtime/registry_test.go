package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/pkg/logger"
)

func TestRegistryOpenIsIdempotent(t *testing.T) {
	source := newFakeSource()
	registry := NewRegistry(source, logger.Nop())
	ctx := context.Background()

	first, err := registry.Open(ctx, conversationKey("C1"), func(model.RawEvent) {})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	second, err := registry.Open(ctx, conversationKey("C1"), func(model.RawEvent) {})
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}

	if first != second {
		t.Errorf("Open() handles differ: %q vs %q", first, second)
	}
	if got := source.Subscribes(); got != 1 {
		t.Errorf("Subscribe calls = %d, want 1", got)
	}
	if got := registry.Status(first); got != model.StatusActive {
		t.Errorf("Status() = %q, want %q", got, model.StatusActive)
	}
}

func TestRegistryConcurrentOpenSharesOneChannel(t *testing.T) {
	source := newFakeSource()
	source.gate = make(chan struct{})
	registry := NewRegistry(source, logger.Nop())

	var delivered atomic.Int32
	handler := func(model.RawEvent) { delivered.Add(1) }

	const callers = 2
	handles := make([]model.ChannelHandle, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = registry.Open(context.Background(), conversationKey("C1"), handler)
		}(i)
	}

	// Let both callers reach the registry before the transport answers.
	time.Sleep(20 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i, err)
		}
	}
	if handles[0] != handles[1] {
		t.Errorf("handles differ: %q vs %q", handles[0], handles[1])
	}
	if got := source.Subscribes(); got != 1 {
		t.Errorf("Subscribe calls = %d, want 1", got)
	}

	source.Emit(conversationKey("C1"), messageEvent("m1", "C1", "u2", "hi"))
	if got := delivered.Load(); got != 1 {
		t.Errorf("deliveries = %d, want 1", got)
	}
}

func TestRegistryOpenFailureLeavesNoRecord(t *testing.T) {
	source := newFakeSource()
	source.subscribeErr = errors.New("connection refused")
	registry := NewRegistry(source, logger.Nop())

	_, err := registry.Open(context.Background(), userKey("u1"), func(model.RawEvent) {})
	if !errors.Is(err, ErrChannelOpenFailed) {
		t.Fatalf("Open() error = %v, want ErrChannelOpenFailed", err)
	}
	if got := registry.Records(); len(got) != 0 {
		t.Errorf("Records() = %v, want none", got)
	}

	// A retry after the transport recovers opens a fresh channel.
	source.mu.Lock()
	source.subscribeErr = nil
	source.mu.Unlock()

	handle, err := registry.Open(context.Background(), userKey("u1"), func(model.RawEvent) {})
	if err != nil {
		t.Fatalf("retry Open() error = %v", err)
	}
	if got := registry.Status(handle); got != model.StatusActive {
		t.Errorf("Status() = %q, want %q", got, model.StatusActive)
	}
}

func TestRegistryClose(t *testing.T) {
	source := newFakeSource()
	registry := NewRegistry(source, logger.Nop())

	var delivered atomic.Int32
	handle, err := registry.Open(context.Background(), conversationKey("C1"), func(model.RawEvent) { delivered.Add(1) })
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := registry.Close(handle); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := registry.Close(handle); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := registry.Close("never-opened"); err != nil {
		t.Errorf("Close(unknown) error = %v", err)
	}

	if got := source.Unsubscribes(); got != 1 {
		t.Errorf("unsubscribes = %d, want 1", got)
	}
	if got := registry.Status(handle); got != model.StatusClosed {
		t.Errorf("Status() = %q, want %q", got, model.StatusClosed)
	}
	if source.Emit(conversationKey("C1"), messageEvent("m1", "C1", "u2", "late")) {
		t.Error("transport still has a handler after Close")
	}
	if got := delivered.Load(); got != 0 {
		t.Errorf("deliveries after close = %d, want 0", got)
	}
}

func TestRegistryCloseWaitsForInFlightDelivery(t *testing.T) {
	source := newFakeSource()
	registry := NewRegistry(source, logger.Nop())

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	handle, err := registry.Open(context.Background(), conversationKey("C1"), func(model.RawEvent) {
		close(entered)
		<-release
		finished.Store(true)
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	// Keep a reference to the raw transport callback so delivery can be
	// attempted after the channel is gone.
	source.mu.Lock()
	deliver := source.handlers[conversationKey("C1")]
	source.mu.Unlock()

	go deliver(messageEvent("m1", "C1", "u2", "hi"))
	<-entered

	closed := make(chan struct{})
	go func() {
		registry.Close(handle)
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close() returned while a handler call was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-closed
	if !finished.Load() {
		t.Error("handler did not finish before Close returned")
	}

	// A late callback from the transport is swallowed.
	deliver(messageEvent("m2", "C1", "u2", "late"))
}

func TestRegistryRecordsAndCloseAll(t *testing.T) {
	source := newFakeSource()
	registry := NewRegistry(source, logger.Nop())
	ctx := context.Background()

	var n int
	registry.newHandle = func() model.ChannelHandle {
		n++
		return model.ChannelHandle([]string{"", "h1", "h2"}[n])
	}

	if _, err := registry.Open(ctx, userKey("u1"), func(model.RawEvent) {}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := registry.Open(ctx, conversationKey("C1"), func(model.RawEvent) {}); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, r := range registry.Records() {
		got = append(got, string(r.Handle)+"="+r.Key.String()+"/"+string(r.Status))
	}
	want := []string{"h1=user_notifications:u1/active", "h2=conversation:C1/active"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Records() mismatch (-want +got):\n%s", diff)
	}

	if err := registry.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	if got := registry.Records(); len(got) != 0 {
		t.Errorf("Records() after CloseAll = %v", got)
	}
	if got := source.Unsubscribes(); got != 2 {
		t.Errorf("unsubscribes = %d, want 2", got)
	}
}

func TestRegistryCloseReportsTeardownError(t *testing.T) {
	source := newFakeSource()
	source.unsubscribeFn = func(model.ChannelKey) error { return errors.New("broken pipe") }
	registry := NewRegistry(source, logger.Nop())

	handle, err := registry.Open(context.Background(), conversationKey("C1"), func(model.RawEvent) {})
	if err != nil {
		t.Fatal(err)
	}
	if err := registry.Close(handle); err == nil {
		t.Error("Close() error = nil, want teardown error")
	}
	if got := registry.Status(handle); got != model.StatusClosed {
		t.Errorf("Status() = %q, want %q", got, model.StatusClosed)
	}
}

func TestScopeCloseAll(t *testing.T) {
	source := newFakeSource()
	registry := NewRegistry(source, logger.Nop())
	screen := registry.NewScope()
	other := registry.NewScope()
	ctx := context.Background()

	if _, err := screen.Open(ctx, conversationKey("C1"), func(model.RawEvent) {}); err != nil {
		t.Fatal(err)
	}
	if _, err := screen.Open(ctx, conversationKey("C2"), func(model.RawEvent) {}); err != nil {
		t.Fatal(err)
	}
	kept, err := other.Open(ctx, userKey("u1"), func(model.RawEvent) {})
	if err != nil {
		t.Fatal(err)
	}

	if got := screen.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
	if err := screen.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
	if got := screen.Len(); got != 0 {
		t.Errorf("Len() after CloseAll = %d, want 0", got)
	}
	if source.Open(conversationKey("C1")) || source.Open(conversationKey("C2")) {
		t.Error("scope channels still open")
	}
	if got := registry.Status(kept); got != model.StatusActive {
		t.Errorf("other scope channel status = %q, want active", got)
	}
}
