package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/pairup-app/realtime-core/internal/model"
	"github.com/pairup-app/realtime-core/internal/realtime"
)

var _ realtime.DataAccess = (*SQLite)(nil)

var ignoreMessageTimes = cmpopts.IgnoreFields(model.Message{}, "CreatedAt", "ReadAt")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedConversation(t *testing.T, s *SQLite) {
	t.Helper()
	ctx := context.Background()
	for _, p := range []model.Identity{
		{UserID: "u1", Name: "Ana", PhotoURL: "https://img/ana.png"},
		{UserID: "u2", Name: "Ben"},
		{UserID: "u3", Name: "Cleo"},
	} {
		if err := s.CreateProfile(ctx, p); err != nil {
			t.Fatalf("create profile: %v", err)
		}
	}
	for _, c := range []model.Conversation{
		{ID: "C1", UserA: "u1", UserB: "u2"},
		{ID: "C2", UserA: "u3", UserB: "u1"},
	} {
		c := c
		if err := s.CreateConversation(ctx, &c); err != nil {
			t.Fatalf("create conversation: %v", err)
		}
	}
}

func insert(t *testing.T, s *SQLite, id, conversationID, senderID, text string, at time.Time) {
	t.Helper()
	msg := &model.Message{ID: id, ConversationID: conversationID, SenderID: senderID, Text: text, CreatedAt: at}
	if err := s.InsertMessage(context.Background(), msg); err != nil {
		t.Fatalf("insert message: %v", err)
	}
}

func TestResolveUserIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seedConversation(t, s)

	got, err := s.ResolveUserIdentity(ctx, "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := model.Identity{UserID: "u1", Name: "Ana", PhotoURL: "https://img/ana.png"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ResolveUserIdentity mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.ResolveUserIdentity(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ResolveUserIdentity(nobody) error = %v, want ErrNotFound", err)
	}
}

func TestGetConversation(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seedConversation(t, s)

	got, err := s.GetConversation(ctx, "C2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := model.Conversation{ID: "C2", UserA: "u3", UserB: "u1"}
	if diff := cmp.Diff(want, *got, cmpopts.IgnoreFields(model.Conversation{}, "CreatedAt")); diff != "" {
		t.Errorf("GetConversation mismatch (-want +got):\n%s", diff)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if _, err := s.GetConversation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetConversation(missing) error = %v, want ErrNotFound", err)
	}
}

func TestLoadHistoryOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seedConversation(t, s)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	insert(t, s, "m2", "C1", "u2", "second", base.Add(time.Second))
	insert(t, s, "m1", "C1", "u1", "first", base)
	insert(t, s, "m3", "C1", "u2", "third", base.Add(time.Second+time.Millisecond))
	insert(t, s, "x1", "C2", "u3", "elsewhere", base)

	got, err := s.LoadHistory(ctx, "C1")
	if err != nil {
		t.Fatalf("load history: %v", err)
	}
	want := []model.Message{
		{ID: "m1", ConversationID: "C1", SenderID: "u1", Text: "first"},
		{ID: "m2", ConversationID: "C1", SenderID: "u2", Text: "second"},
		{ID: "m3", ConversationID: "C1", SenderID: "u2", Text: "third"},
	}
	if diff := cmp.Diff(want, got, ignoreMessageTimes); diff != "" {
		t.Errorf("LoadHistory mismatch (-want +got):\n%s", diff)
	}
	if !got[1].CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("CreatedAt = %v, want %v", got[1].CreatedAt, base.Add(time.Second))
	}

	empty, err := s.LoadHistory(ctx, "unknown")
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("LoadHistory(unknown) = %v, want empty", empty)
	}
}

func TestPersistMessagesRead(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seedConversation(t, s)

	now := time.Now().UTC()
	insert(t, s, "m1", "C1", "u2", "one", now)
	insert(t, s, "m2", "C1", "u2", "two", now.Add(time.Millisecond))
	insert(t, s, "m3", "C1", "u1", "mine", now.Add(2*time.Millisecond))

	n, err := s.PersistMessagesRead(ctx, "C1", "u1")
	if err != nil {
		t.Fatalf("persist read: %v", err)
	}
	if n != 2 {
		t.Errorf("transitioned = %d, want 2", n)
	}

	n, err = s.PersistMessagesRead(ctx, "C1", "u1")
	if err != nil {
		t.Fatalf("persist read again: %v", err)
	}
	if n != 0 {
		t.Errorf("second transitioned = %d, want 0", n)
	}

	msgs, err := s.LoadHistory(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if wantRead := m.SenderID != "u1"; m.Read() != wantRead {
			t.Errorf("message %s read = %v, want %v", m.ID, m.Read(), wantRead)
		}
	}
}

func TestRecountAndMarkViewed(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)
	seedConversation(t, s)

	now := time.Now().UTC()
	insert(t, s, "m1", "C1", "u2", "unread", now)
	insert(t, s, "m2", "C2", "u3", "unread too", now)
	insert(t, s, "m3", "C1", "u1", "own", now)

	for _, req := range []struct{ id, from, to string }{
		{"r1", "u2", "u1"},
		{"r2", "u3", "u1"},
		{"r3", "u1", "u2"},
	} {
		if err := s.CreateMatchRequest(ctx, req.id, req.from, req.to); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetMatchRequestStatus(ctx, "r2", MatchExpired); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateMarketplaceNotification(ctx, "k1", "u1", "Price drop", ""); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecountNotifications(ctx, "u1")
	if err != nil {
		t.Fatalf("recount: %v", err)
	}
	want := model.Counts{MatchRequests: 1, Messages: 2, Marketplace: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("RecountNotifications mismatch (-want +got):\n%s", diff)
	}

	for _, c := range model.Categories {
		if err := s.MarkCategoryViewed(ctx, "u1", c); err != nil {
			t.Fatalf("mark %s viewed: %v", c, err)
		}
	}
	if err := s.MarkCategoryViewed(ctx, "u1", "likes"); err == nil {
		t.Error("MarkCategoryViewed(likes) error = nil")
	}

	got, err = s.RecountNotifications(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	want = model.Counts{Messages: 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("after viewed (-want +got):\n%s", diff)
	}

	if err := s.SetMatchRequestStatus(ctx, "missing", MatchApproved); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetMatchRequestStatus(missing) error = %v, want ErrNotFound", err)
	}
}
