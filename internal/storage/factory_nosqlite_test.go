//go:build !sqlite

package storage

import (
	"errors"
	"testing"
)

func TestNewStoreSQLiteUnavailable(t *testing.T) {
	_, err := NewStore(KindSQLite, "markovnet.db")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected sqlite to be unavailable without the build tag, got %v", err)
	}
}
