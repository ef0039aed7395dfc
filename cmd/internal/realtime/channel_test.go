package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"courier/cmd/identity"
)

type stubSessions map[SessionToken]bool

func (s stubSessions) Has(token SessionToken) bool { return s[token] }

func textMessage(text string) Message {
	return Message{
		ID:   text,
		From: identity.User{ID: 1, Username: "alice"},
		To:   identity.User{ID: 2, Username: "bob"},
		Text: text,
	}
}

func TestChannels_Open_RequiresSession(t *testing.T) {
	t.Parallel()

	cs := NewChannels(stubSessions{"live": true})
	if _, err := cs.Open("ghost"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err=%v want=%v", err, ErrUnknownSession)
	}
	if cs.Len() != 0 {
		t.Fatalf("len=%d want=0", cs.Len())
	}
}

func TestChannels_Open_OneSubscriberPerSession(t *testing.T) {
	t.Parallel()

	cs := NewChannels(stubSessions{"live": true})
	st, err := cs.Open("live")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := cs.Open("live"); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("second open err=%v want=%v", err, ErrAlreadyStreaming)
	}

	st.Cancel()
	if cs.Streaming("live") {
		t.Fatalf("channel survived cancel")
	}

	st2, err := cs.Open("live")
	if err != nil {
		t.Fatalf("reopen after cancel: %v", err)
	}
	st2.Cancel()
}

func TestChannels_Enqueue_FIFO(t *testing.T) {
	t.Parallel()

	cs := NewChannels(stubSessions{"live": true})
	st, err := cs.Open("live")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Cancel()

	want := []string{"one", "two", "three", "four"}
	for _, w := range want {
		if !cs.Enqueue("live", textMessage(w)) {
			t.Fatalf("enqueue %q dropped", w)
		}
	}
	for _, w := range want {
		if got := mustNext(t, st); got.Text != w {
			t.Fatalf("got=%q want=%q", got.Text, w)
		}
	}
	assertEmpty(t, st)
}

func TestChannels_Enqueue_NoChannelDrops(t *testing.T) {
	t.Parallel()

	cs := NewChannels(stubSessions{"live": true})
	if cs.Enqueue("live", textMessage("x")) {
		t.Fatalf("enqueue without subscriber reported delivery")
	}

	// Messages sent before subscribing are not replayed.
	st, err := cs.Open("live")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Cancel()
	assertEmpty(t, st)
}

func TestStream_Next_BlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	cs := NewChannels(stubSessions{"live": true})
	st, err := cs.Open("live")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Cancel()

	got := make(chan Message, 1)
	go func() {
		m, err := st.Next(context.Background())
		if err == nil {
			got <- m
		}
	}()

	time.Sleep(20 * time.Millisecond)
	cs.Enqueue("live", textMessage("late"))

	select {
	case m := <-got:
		if m.Text != "late" {
			t.Fatalf("got=%q want=late", m.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Next did not wake up")
	}
}

func TestStream_Cancel_EndsNext(t *testing.T) {
	t.Parallel()

	cs := NewChannels(stubSessions{"live": true})
	st, err := cs.Open("live")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	cs.Enqueue("live", textMessage("pending"))

	errCh := make(chan error, 1)
	st.Cancel()
	go func() {
		_, err := st.Next(context.Background())
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStreamCancelled) {
			t.Fatalf("err=%v want=%v", err, ErrStreamCancelled)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Next did not return after cancel")
	}

	select {
	case <-st.Done():
	default:
		t.Fatalf("Done not closed")
	}
	if !errors.Is(st.Err(), ErrStreamCancelled) {
		t.Fatalf("Err=%v want=%v", st.Err(), ErrStreamCancelled)
	}
	if cs.Enqueue("live", textMessage("after")) {
		t.Fatalf("enqueue after cancel reported delivery")
	}

	// Idempotent.
	st.Cancel()
}

func TestChannels_Close_EndsStreamWithEviction(t *testing.T) {
	t.Parallel()

	cs := NewChannels(stubSessions{"live": true})
	st, err := cs.Open("live")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !cs.Close("live") {
		t.Fatalf("close returned false")
	}
	if cs.Close("live") {
		t.Fatalf("second close returned true")
	}

	if _, err := st.Next(context.Background()); !errors.Is(err, ErrSessionEvicted) {
		t.Fatalf("err=%v want=%v", err, ErrSessionEvicted)
	}

	// Cancel after close keeps the eviction reason.
	st.Cancel()
	if !errors.Is(st.Err(), ErrSessionEvicted) {
		t.Fatalf("Err=%v want=%v", st.Err(), ErrSessionEvicted)
	}
}

func TestStream_Next_ContextDeadline(t *testing.T) {
	t.Parallel()

	cs := NewChannels(stubSessions{"live": true})
	st, err := cs.Open("live")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := st.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want=%v", err, context.DeadlineExceeded)
	}
	if !cs.Streaming("live") {
		t.Fatalf("deadline on Next must not close the channel")
	}
}
