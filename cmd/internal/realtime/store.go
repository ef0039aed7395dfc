package realtime

import (
	"context"
)

const (
	defaultDialogLimit = 50
	maxDialogLimit     = 200
)

// StoredMessage is a persisted message with its store-assigned sequence number.
type StoredMessage struct {
	Seq int64
	Message
}

// HistoryStore persists direct messages and answers dialog queries.
//
// Requirements:
//   - Idempotency per message id
//   - Monotonic seq across the store
//   - Dialog queries ordered by seq ASC
type HistoryStore interface {
	AppendMessage(ctx context.Context, m Message) (StoredMessage, error)
	FetchDialog(ctx context.Context, in FetchDialogInput) (FetchDialogResult, error)

	// DialogPeers returns the ids of every user userID exchanged messages with,
	// most recent conversation first.
	DialogPeers(ctx context.Context, userID int64) ([]int64, error)

	Close() error
}

// FetchDialogInput describes a dialog window between two users.
type FetchDialogInput struct {
	UserID     int64
	WithUserID int64
	AfterSeq   *int64
	Limit      int
}

// FetchDialogResult contains the retrieved dialog window.
type FetchDialogResult struct {
	Messages []StoredMessage
	HasMore  bool
}

func clampDialogLimit(limit int) int {
	if limit <= 0 {
		return defaultDialogLimit
	}
	if limit > maxDialogLimit {
		return maxDialogLimit
	}
	return limit
}
