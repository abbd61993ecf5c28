package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ehrlich-b/threadline/internal/thread"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return s
}

func mustThread(t *testing.T, s *Store, title string) *Thread {
	t.Helper()
	th := &Thread{Title: title}
	if err := s.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("create thread %q: %v", title, err)
	}
	return th
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadline.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	th := &Thread{Title: "kept"}
	if err := s.CreateThread(context.Background(), th); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.GetThread(context.Background(), th.ID)
	if err != nil || got.Title != "kept" {
		t.Fatalf("GetThread after reopen = %+v, %v", got, err)
	}
	var n int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("schema_migrations rows = %d, want 1", n)
	}
}

func TestCreateAndGetThread(t *testing.T) {
	s := openTestStore(t)
	th := mustThread(t, s, "first")
	if th.ID == "" || th.CreatedAt.IsZero() {
		t.Fatalf("thread not populated: %+v", th)
	}
	got, err := s.GetThread(context.Background(), th.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(th, got); diff != "" {
		t.Errorf("thread (-want +got):\n%s", diff)
	}
	if _, err := s.GetThread(context.Background(), "nope"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("missing thread err = %v", err)
	}
}

func TestCreateThreadClientIDIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := &Thread{ClientID: "temp-1", Title: "New Thread"}
	if err := s.CreateThread(ctx, a); err != nil {
		t.Fatal(err)
	}
	b := &Thread{ClientID: "temp-1", Title: "New Thread"}
	if err := s.CreateThread(ctx, b); err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("resend created a second thread: %s vs %s", a.ID, b.ID)
	}
	list, _ := s.ListThreads(ctx)
	if len(list) != 1 {
		t.Errorf("threads = %d, want 1", len(list))
	}
}

func TestListThreadsByActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := mustThread(t, s, "a")
	b := mustThread(t, s, "b")
	mustThread(t, s, "c")

	if err := s.AppendMessage(ctx, &Message{ThreadID: a.ID, Role: "user", Content: "bump"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RenameThread(ctx, b.ID, "b2"); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListThreads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var titles []string
	for _, th := range list {
		titles = append(titles, th.Title)
	}
	if diff := cmp.Diff([]string{"b2", "a", "c"}, titles); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	if err := s.RenameThread(ctx, "nope", "x"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("rename missing = %v", err)
	}
}

func TestAppendAndListMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, "chat")
	for i := 1; i <= 5; i++ {
		m := &Message{ThreadID: th.ID, Role: "user", Content: fmt.Sprintf("msg %d", i)}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := s.ListMessages(ctx, th.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 || all[0].Content != "msg 1" || all[4].Content != "msg 5" {
		t.Errorf("all = %d messages, first %q", len(all), all[0].Content)
	}

	last, err := s.ListMessages(ctx, th.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, m := range last {
		got = append(got, m.Content)
	}
	if diff := cmp.Diff([]string{"msg 4", "msg 5"}, got); diff != "" {
		t.Errorf("limited (-want +got):\n%s", diff)
	}

	err = s.AppendMessage(ctx, &Message{ThreadID: "missing", Role: "user", Content: "x"})
	if !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("append to missing thread = %v", err)
	}
}

func TestAppendMessageClientIDIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, "chat")
	first := &Message{ThreadID: th.ID, ClientID: "temp-9", Role: "user", Content: "hello"}
	if err := s.AppendMessage(ctx, first); err != nil {
		t.Fatal(err)
	}
	again := &Message{ThreadID: th.ID, ClientID: "temp-9", Role: "user", Content: "hello"}
	if err := s.AppendMessage(ctx, again); err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Errorf("resend got id %s, want %s", again.ID, first.ID)
	}
	msgs, _ := s.ListMessages(ctx, th.ID, 0)
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
}

func TestUpdateDeleteMessage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, "chat")
	m := &Message{ThreadID: th.ID, Role: "user", Content: "before"}
	if err := s.AppendMessage(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateMessage(ctx, m.ID, "after"); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.ListMessages(ctx, th.ID, 0)
	if msgs[0].Content != "after" {
		t.Errorf("content = %q", msgs[0].Content)
	}
	if err := s.DeleteMessage(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteMessage(ctx, m.ID); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("second delete = %v", err)
	}
	if err := s.UpdateMessage(ctx, m.ID, "x"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("update deleted = %v", err)
	}
}

func TestDeleteThreadCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, "doomed")
	s.AppendMessage(ctx, &Message{ThreadID: th.ID, Role: "user", Content: "x"})
	s.SaveDraft(th.ID, "unsent")

	if err := s.DeleteThread(ctx, th.ID); err != nil {
		t.Fatal(err)
	}
	msgs, _ := s.ListMessages(ctx, th.ID, 0)
	if len(msgs) != 0 {
		t.Errorf("messages survived: %d", len(msgs))
	}
	drafts, _ := s.LoadDrafts()
	if _, ok := drafts[th.ID]; ok {
		t.Error("draft survived")
	}
	if err := s.DeleteThread(ctx, th.ID); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("second delete = %v", err)
	}
}

func TestLoadThread(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	th := mustThread(t, s, "chat")
	s.AppendMessage(ctx, &Message{ThreadID: th.ID, Role: "user", Content: "hi"})
	s.AppendMessage(ctx, &Message{ThreadID: th.ID, Role: "assistant", Content: "hello"})

	var loader thread.Loader = s
	res, err := loader.LoadThread(ctx, th.ID, thread.LoadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.ThreadID != th.ID || len(res.Messages) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if m := res.Messages[1]; m.Role != "assistant" || m.Content != "hello" || m.ThreadID != th.ID || m.Timestamp.IsZero() {
		t.Errorf("message = %+v", m)
	}

	empty := mustThread(t, s, "empty")
	res, err = loader.LoadThread(ctx, empty.ID, thread.LoadOptions{})
	if err != nil || len(res.Messages) != 0 {
		t.Errorf("empty thread = %+v, %v", res, err)
	}

	if _, err := loader.LoadThread(ctx, "missing", thread.LoadOptions{}); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("missing thread = %v", err)
	}
}

func TestDrafts(t *testing.T) {
	s := openTestStore(t)
	var saver thread.DraftSaver = s
	if err := saver.SaveDraft("t1", "one"); err != nil {
		t.Fatal(err)
	}
	if err := saver.SaveDraft("t1", "two"); err != nil {
		t.Fatal(err)
	}
	saver.SaveDraft("t2", "other")
	saver.SaveDraft("t2", "")

	got, err := saver.LoadDrafts()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[string]string{"t1": "two"}, got); diff != "" {
		t.Errorf("drafts (-want +got):\n%s", diff)
	}
}
