package realtime

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestViewersShareConversation(t *testing.T) {
	f := newHubFixture(t)
	f.start(t)
	ctx := context.Background()

	a := f.hub.NewViewer()
	b := f.hub.NewViewer()

	ra, ha, err := a.Enter(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	rb, hb, err := b.Enter(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if ra != rb || ha != hb {
		t.Fatal("viewers got different channels for one conversation")
	}
	if got := f.source.Subscribes(); got != 2 {
		t.Errorf("Subscribe calls = %d, want 2", got)
	}

	appended, cancel := rb.Subscribe()
	defer cancel()

	if err := a.Leave("C1"); err != nil {
		t.Fatal(err)
	}
	if !f.source.Open(conversationKey("C1")) {
		t.Fatal("leave by one viewer closed the shared channel")
	}

	f.source.Emit(conversationKey("C1"), messageEvent("m1", "C1", "u2", "still here"))
	select {
	case msg, ok := <-appended:
		if !ok || msg.Message.ID != "m1" {
			t.Errorf("appended = %+v, %v; want m1", msg, ok)
		}
	default:
		t.Error("remaining viewer did not receive the message")
	}

	if err := b.Leave("C1"); err != nil {
		t.Fatal(err)
	}
	if f.source.Open(conversationKey("C1")) {
		t.Error("channel open after the last viewer left")
	}
	if _, ok := <-appended; ok {
		t.Error("appended stream not closed after the last viewer left")
	}
}

func TestViewerEnterIsIdempotent(t *testing.T) {
	f := newHubFixture(t)
	f.start(t)
	ctx := context.Background()
	v := f.hub.NewViewer()

	tests := []struct {
		name     string
		action   func() error
		wantRefs int
		wantHeld bool
	}{
		{name: "enter", action: func() error { _, _, err := v.Enter(ctx, "C1"); return err }, wantRefs: 1, wantHeld: true},
		{name: "enter again", action: func() error { _, _, err := v.Enter(ctx, "C1"); return err }, wantRefs: 1, wantHeld: true},
		{name: "leave", action: func() error { return v.Leave("C1") }, wantRefs: 0, wantHeld: false},
		{name: "leave again", action: func() error { return v.Leave("C1") }, wantRefs: 0, wantHeld: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.action(); err != nil {
				t.Fatal(err)
			}
			got := struct {
				Refs int
				Held bool
			}{f.hub.Refs("C1"), v.Holds("C1")}
			want := struct {
				Refs int
				Held bool
			}{tt.wantRefs, tt.wantHeld}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("viewer state mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestViewerCloseReleasesEverything(t *testing.T) {
	f := newHubFixture(t)
	f.data.addConversation("C2", "u1", "u3")
	f.start(t)
	ctx := context.Background()

	other := f.hub.NewViewer()
	if _, _, err := other.Enter(ctx, "C2"); err != nil {
		t.Fatal(err)
	}

	v := f.hub.NewViewer()
	for _, id := range []string{"C1", "C2"} {
		if _, _, err := v.Enter(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := v.Enter(ctx, "C9"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("Enter(C9) error = %v, want ErrNotParticipant", err)
	}
	if v.Holds("C9") {
		t.Error("viewer holds a conversation it could not enter")
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := v.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if f.source.Open(conversationKey("C1")) {
		t.Error("C1 still open after its only viewer closed")
	}
	if !f.source.Open(conversationKey("C2")) {
		t.Error("C2 closed while another viewer holds it")
	}
	if _, _, err := v.Enter(ctx, "C1"); !errors.Is(err, ErrClosed) {
		t.Errorf("Enter() after Close error = %v, want ErrClosed", err)
	}

	var keys []string
	for _, rec := range f.hub.Registry().Records() {
		keys = append(keys, rec.Key.String())
	}
	sort.Strings(keys)
	want := []string{"conversation:C2", "user_notifications:u1"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("open channels mismatch (-want +got):\n%s", diff)
	}
}

func TestViewerHeldAfterFailedLoad(t *testing.T) {
	f := newHubFixture(t)
	f.start(t)
	ctx := context.Background()
	v := f.hub.NewViewer()

	f.data.mu.Lock()
	f.data.historyErr = errors.New("timeout")
	f.data.mu.Unlock()

	if _, _, err := v.Enter(ctx, "C1"); !errors.Is(err, ErrHistoryLoadFailed) {
		t.Fatalf("Enter() error = %v, want ErrHistoryLoadFailed", err)
	}
	if !v.Holds("C1") {
		t.Fatal("viewer does not hold the conversation after a failed load")
	}

	f.data.mu.Lock()
	f.data.historyErr = nil
	f.data.mu.Unlock()

	if _, _, err := v.Enter(ctx, "C1"); err != nil {
		t.Fatalf("retry Enter() error = %v", err)
	}
	if got := f.hub.Refs("C1"); got != 1 {
		t.Errorf("Refs() = %d, want 1", got)
	}
	if err := v.Close(); err != nil {
		t.Fatal(err)
	}
	if f.source.Open(conversationKey("C1")) {
		t.Error("channel open after Close")
	}
}
