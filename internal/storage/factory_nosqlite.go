//go:build !sqlite

package storage

import "fmt"

func newSQLiteStore(path string) (Store, error) {
	return nil, fmt.Errorf("%w: %s at %q needs a build with -tags sqlite", ErrStoreUnavailable, KindSQLite, path)
}
