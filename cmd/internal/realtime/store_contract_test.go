package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"courier/cmd/identity"
	"courier/cmd/identity/ids"
)

var (
	histAlice = identity.User{ID: 1, Username: "alice"}
	histBob   = identity.User{ID: 2, Username: "bob"}
	histCarol = identity.User{ID: 3, Username: "carol"}
)

// testHistoryStoreContract runs the behavior every HistoryStore must share.
func testHistoryStoreContract(t *testing.T, newStore func(t *testing.T) HistoryStore) {
	t.Run("append is idempotent per message id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		m := mustHistoryMessage(t, histAlice, histBob, "hello")
		first, err := s.AppendMessage(ctx, m)
		if err != nil {
			t.Fatalf("append first: %v", err)
		}
		again, err := s.AppendMessage(ctx, m)
		if err != nil {
			t.Fatalf("append again: %v", err)
		}
		if again.Seq != first.Seq {
			t.Fatalf("dup seq=%d want=%d", again.Seq, first.Seq)
		}

		res, err := s.FetchDialog(ctx, FetchDialogInput{UserID: histAlice.ID, WithUserID: histBob.ID})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(res.Messages) != 1 {
			t.Fatalf("len=%d want=1", len(res.Messages))
		}
		got := res.Messages[0]
		if got.ID != m.ID || got.Text != "hello" || got.From != histAlice || got.To != histBob {
			t.Fatalf("got=%+v want message %+v", got, m)
		}
		if !got.CreatedAt.Equal(m.CreatedAt) {
			t.Fatalf("created_at=%v want=%v", got.CreatedAt, m.CreatedAt)
		}
	})

	t.Run("dialog is symmetric ordered and paged", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			from, to := histAlice, histBob
			if i%2 == 1 {
				from, to = histBob, histAlice
			}
			if _, err := s.AppendMessage(ctx, mustHistoryMessage(t, from, to, fmt.Sprintf("m%d", i))); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		if _, err := s.AppendMessage(ctx, mustHistoryMessage(t, histAlice, histCarol, "other")); err != nil {
			t.Fatalf("append other: %v", err)
		}

		page, err := s.FetchDialog(ctx, FetchDialogInput{UserID: histBob.ID, WithUserID: histAlice.ID, Limit: 3})
		if err != nil {
			t.Fatalf("fetch page 1: %v", err)
		}
		if len(page.Messages) != 3 || !page.HasMore {
			t.Fatalf("page1 len=%d has_more=%v want=3,true", len(page.Messages), page.HasMore)
		}
		for i, m := range page.Messages {
			if want := fmt.Sprintf("m%d", i); m.Text != want {
				t.Fatalf("page1[%d]=%q want=%q", i, m.Text, want)
			}
		}

		after := page.Messages[len(page.Messages)-1].Seq
		page, err = s.FetchDialog(ctx, FetchDialogInput{UserID: histAlice.ID, WithUserID: histBob.ID, AfterSeq: &after, Limit: 3})
		if err != nil {
			t.Fatalf("fetch page 2: %v", err)
		}
		if len(page.Messages) != 2 || page.HasMore {
			t.Fatalf("page2 len=%d has_more=%v want=2,false", len(page.Messages), page.HasMore)
		}
		if page.Messages[0].Text != "m3" || page.Messages[1].Text != "m4" {
			t.Fatalf("page2=%q,%q want m3,m4", page.Messages[0].Text, page.Messages[1].Text)
		}
	})

	t.Run("dialog peers newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		steps := []struct{ from, to identity.User }{
			{histAlice, histBob},
			{histCarol, histAlice},
			{histAlice, histBob},
		}
		for i, st := range steps {
			if _, err := s.AppendMessage(ctx, mustHistoryMessage(t, st.from, st.to, fmt.Sprintf("s%d", i))); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}

		peers, err := s.DialogPeers(ctx, histAlice.ID)
		if err != nil {
			t.Fatalf("peers: %v", err)
		}
		if len(peers) != 2 || peers[0] != histBob.ID || peers[1] != histCarol.ID {
			t.Fatalf("peers=%v want=[%d %d]", peers, histBob.ID, histCarol.ID)
		}

		peers, err = s.DialogPeers(ctx, histBob.ID)
		if err != nil {
			t.Fatalf("peers bob: %v", err)
		}
		if len(peers) != 1 || peers[0] != histAlice.ID {
			t.Fatalf("bob peers=%v want=[%d]", peers, histAlice.ID)
		}

		peers, err = s.DialogPeers(ctx, 99)
		if err != nil {
			t.Fatalf("peers none: %v", err)
		}
		if len(peers) != 0 {
			t.Fatalf("peers=%v want none", peers)
		}
	})

	t.Run("concurrent appends keep unique increasing seq", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		const n = 20
		var wg sync.WaitGroup
		seqs := make(chan int64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				st, err := s.AppendMessage(ctx, mustHistoryMessage(t, histAlice, histBob, fmt.Sprintf("c%d", i)))
				if err != nil {
					t.Errorf("append %d: %v", i, err)
					return
				}
				seqs <- st.Seq
			}(i)
		}
		wg.Wait()
		close(seqs)

		seen := make(map[int64]bool)
		for seq := range seqs {
			if seen[seq] {
				t.Fatalf("duplicate seq %d", seq)
			}
			seen[seq] = true
		}

		res, err := s.FetchDialog(ctx, FetchDialogInput{UserID: histAlice.ID, WithUserID: histBob.ID, Limit: maxDialogLimit})
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if len(res.Messages) != n {
			t.Fatalf("len=%d want=%d", len(res.Messages), n)
		}
		for i := 1; i < len(res.Messages); i++ {
			if res.Messages[i].Seq <= res.Messages[i-1].Seq {
				t.Fatalf("seq not increasing at %d", i)
			}
		}
	})
}

func mustHistoryMessage(t *testing.T, from, to identity.User, text string) Message {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	id, err := ids.NewULID(now)
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return Message{ID: id, From: from, To: to, Text: text, CreatedAt: now}
}
