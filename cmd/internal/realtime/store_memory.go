package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
)

const (
	memMaxMessagesPerDialog = 10_000
)

// InMemoryStore is a dev-only HistoryStore used when no database is configured.
type InMemoryStore struct {
	mu      sync.Mutex
	seq     int64
	byID    map[string]StoredMessage
	dialogs map[dialogKey][]StoredMessage // ordered by seq
}

// dialogKey is the unordered pair of user ids, low id first.
type dialogKey struct{ a, b int64 }

func newDialogKey(x, y int64) dialogKey {
	if x > y {
		x, y = y, x
	}
	return dialogKey{a: x, b: y}
}

// NewInMemoryStore constructs an in-memory HistoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:    make(map[string]StoredMessage),
		dialogs: make(map[dialogKey][]StoredMessage),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage records m. Appending the same message id twice returns the first copy.
func (s *InMemoryStore) AppendMessage(ctx context.Context, m Message) (StoredMessage, error) {
	if m.ID == "" || m.From.ID == 0 || m.To.ID == 0 {
		return StoredMessage{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return StoredMessage{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byID[m.ID]; ok {
		return existing, nil
	}

	s.seq++
	stored := StoredMessage{Seq: s.seq, Message: m}
	s.byID[m.ID] = stored

	k := newDialogKey(m.From.ID, m.To.ID)
	msgs := append(s.dialogs[k], stored)

	// Bound memory to avoid unbounded growth in dev.
	if len(msgs) > memMaxMessagesPerDialog {
		for _, old := range msgs[:len(msgs)-memMaxMessagesPerDialog] {
			delete(s.byID, old.ID)
		}
		msgs = msgs[len(msgs)-memMaxMessagesPerDialog:]
	}
	s.dialogs[k] = msgs

	return stored, nil
}

// FetchDialog returns messages between the two users ordered by seq ASC with paging via AfterSeq.
func (s *InMemoryStore) FetchDialog(ctx context.Context, in FetchDialogInput) (FetchDialogResult, error) {
	if in.UserID == 0 || in.WithUserID == 0 {
		return FetchDialogResult{}, errors.New("missing user id")
	}
	if err := ctx.Err(); err != nil {
		return FetchDialogResult{}, err
	}

	limit := clampDialogLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	snap := append([]StoredMessage(nil), s.dialogs[newDialogKey(in.UserID, in.WithUserID)]...)
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchDialogResult{}, nil
	}

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchDialogResult{}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return FetchDialogResult{Messages: out, HasMore: hasMore}, nil
}

// DialogPeers returns counterpart ids ordered by their latest message, newest first.
func (s *InMemoryStore) DialogPeers(ctx context.Context, userID int64) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type peer struct {
		id      int64
		lastSeq int64
	}

	s.mu.Lock()
	var peers []peer
	for k, msgs := range s.dialogs {
		if len(msgs) == 0 {
			continue
		}
		var other int64
		switch userID {
		case k.a:
			other = k.b
		case k.b:
			other = k.a
		default:
			continue
		}
		peers = append(peers, peer{id: other, lastSeq: msgs[len(msgs)-1].Seq})
	}
	s.mu.Unlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].lastSeq > peers[j].lastSeq })

	out := make([]int64, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.id)
	}
	return out, nil
}
