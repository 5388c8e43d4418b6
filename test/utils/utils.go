package utils

import (
	"bytes"
	"math/rand"
	"path/filepath"
	"testing"

	"hammersbald/pkg/db"
	"hammersbald/pkg/pref"
)

// GetTempStoreName returns a store base path inside the test's temp
// directory; the store files created next to it disappear with the test.
func GetTempStoreName(t *testing.T) string {
	return filepath.Join(t.TempDir(), "store")
}

// EnsureCleanup registers f to run when the test (or subtest) finishes.
func EnsureCleanup(t *testing.T, f func()) {
	t.Cleanup(f)
}

// RandomPayload returns n random bytes.
func RandomPayload(n int) []byte {
	payload := make([]byte, n)
	rand.Read(payload)
	return payload
}

// PutEntry tries to put (key, val) into the store, erroring the test if the
// operation fails.
func PutEntry(t *testing.T, store *db.DB, key, val string) pref.PRef {
	ref, err := store.Put([]byte(key), []byte(val))
	if err != nil {
		t.Errorf("Failed to put (%q, %q) into the store: %s", key, val, err)
	}
	return ref
}

// CheckGet verifies that key resolves to expectedVal, erroring the test if
// the key is missing or holds something else.
func CheckGet(t *testing.T, store *db.DB, key, expectedVal string) {
	_, val, found, err := store.Get([]byte(key))
	if err != nil {
		t.Errorf("Failed to get inserted key %q: %s", key, err)
		return
	}
	if !found {
		t.Errorf("Expected key %q to be present, but it wasn't", key)
		return
	}
	if !bytes.Equal(val, []byte(expectedVal)) {
		t.Errorf("Expected key %q to hold %q, but instead found %q", key, expectedVal, val)
	}
}

// CheckMissing verifies that key is not present in the store.
func CheckMissing(t *testing.T, store *db.DB, key string) {
	_, _, found, err := store.Get([]byte(key))
	if err != nil {
		t.Errorf("Failed to get key %q: %s", key, err)
		return
	}
	if found {
		t.Errorf("Expected key %q to be absent, but it was found", key)
	}
}
