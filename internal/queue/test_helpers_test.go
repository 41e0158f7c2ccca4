package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type staticIDProvider struct {
	ids   []string
	index int
}

func (p *staticIDProvider) NewID() (string, error) {
	if p.index >= len(p.ids) {
		return "", errors.New("exhausted ids")
	}
	id := p.ids[p.index]
	p.index++
	return id, nil
}

func newTestStore(t *testing.T, ids ...string) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "queue.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		t.Fatalf("unexpected sqlite open error: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unexpected db handle error: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&PendingMutation{}, &IdentifierCorrelation{}); err != nil {
		t.Fatalf("unexpected migrate error: %v", err)
	}

	if len(ids) == 0 {
		ids = []string{"local-1", "local-2", "local-3", "local-4"}
	}
	store, err := NewStore(StoreConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0) },
		IDProvider: &staticIDProvider{ids: ids},
	})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func mustEnqueue(t *testing.T, store *Store, draft Draft) PendingMutation {
	t.Helper()
	mutation, err := store.Enqueue(context.Background(), draft)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	return mutation
}
