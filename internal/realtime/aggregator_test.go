package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/pkg/logger"
)

func newTestAggregator(t *testing.T, recounter Recounter) *Aggregator {
	t.Helper()
	a, err := NewAggregator(AggregatorConfig{
		UserID:          "u1",
		Recounter:       recounter,
		DebugInvariants: true,
	}, logger.Nop())
	if err != nil {
		t.Fatalf("NewAggregator() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func increment(id string, category model.Category) model.NotificationEvent {
	return model.NotificationEvent{ID: id, Category: category, Delta: model.DeltaIncrement}
}

func TestAggregatorIncrementAndMarkViewed(t *testing.T) {
	a := newTestAggregator(t, nil)
	if err := a.Replace(model.Counts{MatchRequests: 2, Messages: 5, Marketplace: 1}); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Apply(increment("n1", model.CategoryMatchRequest)); err != nil {
		t.Fatal(err)
	}
	want := model.NotificationCounters{MatchRequests: 3, Messages: 5, Marketplace: 1, Total: 9}
	if diff := cmp.Diff(want, a.Snapshot()); diff != "" {
		t.Errorf("after increment (-want +got):\n%s", diff)
	}

	prior, err := a.MarkCategoryViewed(model.CategoryMessage)
	if err != nil {
		t.Fatal(err)
	}
	if prior != 5 {
		t.Errorf("MarkCategoryViewed() prior = %d, want 5", prior)
	}
	want = model.NotificationCounters{MatchRequests: 3, Messages: 0, Marketplace: 1, Total: 4}
	if diff := cmp.Diff(want, a.Snapshot()); diff != "" {
		t.Errorf("after mark viewed (-want +got):\n%s", diff)
	}
}

func TestAggregatorDeduplicatesIncrements(t *testing.T) {
	a := newTestAggregator(t, nil)

	tests := []struct {
		event model.NotificationEvent
		want  bool
	}{
		{increment("m1", model.CategoryMessage), true},
		{increment("m1", model.CategoryMessage), false},
		{increment("m1", model.CategoryMatchRequest), true},
		{increment("", model.CategoryMarketplace), true},
		{increment("", model.CategoryMarketplace), true},
	}
	for i, tt := range tests {
		got, err := a.Apply(tt.event)
		if err != nil {
			t.Fatalf("#%d Apply() error = %v", i, err)
		}
		if got != tt.want {
			t.Errorf("#%d Apply(%+v) = %v, want %v", i, tt.event, got, tt.want)
		}
	}

	want := model.NotificationCounters{MatchRequests: 1, Messages: 1, Marketplace: 2, Total: 4}
	if diff := cmp.Diff(want, a.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregatorDecrementClampsAtZero(t *testing.T) {
	a := newTestAggregator(t, nil)
	if err := a.Replace(model.Counts{Messages: 2, Marketplace: 3}); err != nil {
		t.Fatal(err)
	}

	removed, err := a.Decrement(model.CategoryMessage, 5)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("Decrement() removed = %d, want 2", removed)
	}
	want := model.NotificationCounters{Marketplace: 3, Total: 3}
	if diff := cmp.Diff(want, a.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}

	if removed, _ := a.Decrement(model.CategoryMessage, 0); removed != 0 {
		t.Errorf("Decrement(0) removed = %d", removed)
	}
}

func TestAggregatorRejectsUnknownCategory(t *testing.T) {
	a := newTestAggregator(t, nil)

	if _, err := a.Apply(increment("x", "likes")); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("Apply() error = %v, want ErrUnknownCategory", err)
	}
	if _, err := a.MarkCategoryViewed("likes"); !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("MarkCategoryViewed() error = %v, want ErrUnknownCategory", err)
	}
	if diff := cmp.Diff(model.NotificationCounters{}, a.Snapshot()); diff != "" {
		t.Errorf("Snapshot() changed (-want +got):\n%s", diff)
	}
}

type stubRecounter struct {
	counts model.Counts
	err    error
}

func (s stubRecounter) RecountNotifications(ctx context.Context, userID string) (model.Counts, error) {
	return s.counts, s.err
}

func TestAggregatorRefresh(t *testing.T) {
	a := newTestAggregator(t, stubRecounter{counts: model.Counts{MatchRequests: 1, Messages: 4, Marketplace: 2}})
	if _, err := a.Apply(increment("n1", model.CategoryMarketplace)); err != nil {
		t.Fatal(err)
	}

	if err := a.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	want := model.NotificationCounters{MatchRequests: 1, Messages: 4, Marketplace: 2, Total: 7}
	if diff := cmp.Diff(want, a.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}

	failing := newTestAggregator(t, stubRecounter{err: errors.New("db down")})
	if err := failing.Refresh(context.Background()); err == nil {
		t.Error("Refresh() error = nil, want error")
	}
}

func TestAggregatorConservationUnderConcurrency(t *testing.T) {
	a := newTestAggregator(t, nil)
	ch, cancel := a.Subscribe()
	defer cancel()

	var observerErr error
	observed := make(chan struct{})
	go func() {
		defer close(observed)
		for c := range ch {
			if c.Total != c.MatchRequests+c.Messages+c.Marketplace || c.MatchRequests < 0 || c.Messages < 0 || c.Marketplace < 0 {
				observerErr = fmt.Errorf("inconsistent snapshot %+v", c)
				return
			}
		}
	}()

	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				category := model.Categories[(w+i)%len(model.Categories)]
				switch i % 5 {
				case 0:
					a.MarkCategoryViewed(category)
				case 1:
					a.Decrement(category, 2)
				case 2:
					a.Replace(model.Counts{MatchRequests: i, Messages: w, Marketplace: 1})
				default:
					a.Apply(increment(fmt.Sprintf("%d-%d", w, i), category))
				}
				snap := a.Snapshot()
				if snap.Total != snap.MatchRequests+snap.Messages+snap.Marketplace {
					t.Errorf("inconsistent snapshot %+v", snap)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	cancel()
	select {
	case <-observed:
	case <-time.After(time.Second):
		t.Fatal("observer did not stop")
	}
	if observerErr != nil {
		t.Error(observerErr)
	}
}

func TestAggregatorPublishesOnlyOnChange(t *testing.T) {
	a := newTestAggregator(t, nil)
	ch, cancel := a.Subscribe()
	defer cancel()

	if _, err := a.MarkCategoryViewed(model.CategoryMessage); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Apply(increment("n1", model.CategoryMessage)); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		want := model.NotificationCounters{Messages: 1, Total: 1}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("first snapshot mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected snapshot %+v", got)
	default:
	}
}

func TestAggregatorClosed(t *testing.T) {
	a := newTestAggregator(t, nil)
	a.Close()

	if _, err := a.Apply(increment("n1", model.CategoryMessage)); !errors.Is(err, ErrClosed) {
		t.Errorf("Apply() after Close error = %v, want ErrClosed", err)
	}
}
