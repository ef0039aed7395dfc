package realtime

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func TestSQLiteStore_Contract(t *testing.T) {
	t.Parallel()
	testHistoryStoreContract(t, func(t *testing.T) HistoryStore {
		path := filepath.Join(t.TempDir(), "history.db")
		db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = db.Close() })

		s, err := NewSQLiteStore(db)
		if err != nil {
			t.Fatalf("new sqlite store: %v", err)
		}
		return s
	})
}
