package db

import "testing"

// createTestDB opens a fresh database in a temporary directory and returns
// it along with a cleanup function that closes it.
func createTestDB(t *testing.T, opts *Options) (DB, func()) {
	t.Helper()
	dir := t.TempDir()
	opts.CreateIfMissing = true

	database, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return database, func() { database.Close() }
}
