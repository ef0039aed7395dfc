package realtime

import (
	"context"
	"testing"
)

func TestInMemoryStore_Contract(t *testing.T) {
	t.Parallel()
	testHistoryStoreContract(t, func(t *testing.T) HistoryStore { return NewInMemoryStore() })
}

func TestInMemoryStore_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	if _, err := s.AppendMessage(context.Background(), Message{ID: "x"}); err == nil {
		t.Fatalf("expected error for message without users")
	}
	if _, err := s.FetchDialog(context.Background(), FetchDialogInput{UserID: 1}); err == nil {
		t.Fatalf("expected error for missing with_user id")
	}
}

func TestClampDialogLimit(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want int }{
		{0, defaultDialogLimit},
		{-1, defaultDialogLimit},
		{10, 10},
		{maxDialogLimit + 50, maxDialogLimit},
	}
	for _, tt := range tests {
		if got := clampDialogLimit(tt.in); got != tt.want {
			t.Fatalf("clampDialogLimit(%d)=%d want=%d", tt.in, got, tt.want)
		}
	}
}
