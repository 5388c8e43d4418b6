package db

import (
	"fmt"
	"strconv"
	"strings"

	"hammersbald/pkg/pref"
	"hammersbald/pkg/repl"
)

// DBRepl creates a REPL over the given store.
func DBRepl(store *DB) *repl.REPL {
	r := repl.NewRepl()
	r.AddCommand("put", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandlePut(store, payload)
	}, "Store a value under a key. usage: put <key> <value>")

	r.AddCommand("putu", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandlePutUnkeyed(store, payload)
	}, "Store a value retrievable only by its reference. usage: putu <value>")

	r.AddCommand("get", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleGet(store, payload)
	}, "Retrieve the value stored under a key. usage: get <key>")

	r.AddCommand("getat", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleGetAt(store, payload)
	}, "Retrieve the record at a reference. usage: getat <ref>")

	r.AddCommand("batch", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleBatch(store, payload)
	}, "Commit everything put since the previous batch. usage: batch")

	r.AddCommand("stats", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleStats(store, payload)
	}, "Print table and file statistics. usage: stats")

	r.AddCommand("backup", func(payload string, replConfig *repl.REPLConfig) (string, error) {
		return HandleBackup(store, payload)
	}, "Copy the store files into a directory; batch first. usage: backup <dir>")

	return r
}

// HandlePut stores a key/value pair.
func HandlePut(store *DB, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 3 {
		return "", fmt.Errorf("usage: put <key> <value>")
	}
	ref, err := store.Put([]byte(fields[1]), []byte(fields[2]))
	if err != nil {
		return "", fmt.Errorf("put error: %w", err)
	}
	return fmt.Sprintf("stored at %d.\n", ref.U64()), nil
}

// HandlePutUnkeyed stores a value without a key.
func HandlePutUnkeyed(store *DB, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: putu <value>")
	}
	ref, err := store.PutUnkeyed([]byte(fields[1]))
	if err != nil {
		return "", fmt.Errorf("putu error: %w", err)
	}
	return fmt.Sprintf("stored at %d.\n", ref.U64()), nil
}

// HandleGet retrieves a value by key.
func HandleGet(store *DB, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: get <key>")
	}
	ref, value, found, err := store.Get([]byte(fields[1]))
	if err != nil {
		return "", fmt.Errorf("get error: %w", err)
	}
	if !found {
		return "no entry.\n", nil
	}
	return fmt.Sprintf("found %q at %d.\n", value, ref.U64()), nil
}

// HandleGetAt retrieves a record by reference.
func HandleGetAt(store *DB, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: getat <ref>")
	}
	n, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return "", fmt.Errorf("getat error: %v", err)
	}
	key, value, err := store.GetAt(pref.New(n))
	if err != nil {
		return "", fmt.Errorf("getat error: %w", err)
	}
	return fmt.Sprintf("found (%q, %q).\n", key, value), nil
}

// HandleBatch commits the open batch.
func HandleBatch(store *DB, payload string) (string, error) {
	if err := store.Batch(); err != nil {
		return "", fmt.Errorf("batch error: %w", err)
	}
	return "batch committed.\n", nil
}

// HandleStats prints store statistics.
func HandleStats(store *DB, payload string) (string, error) {
	stats, err := store.Stats()
	if err != nil {
		return "", fmt.Errorf("stats error: %w", err)
	}
	return stats.String() + "\n", nil
}

// HandleBackup copies the store files into a directory.
func HandleBackup(store *DB, payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) != 2 {
		return "", fmt.Errorf("usage: backup <dir>")
	}
	if err := store.Backup(fields[1]); err != nil {
		return "", fmt.Errorf("backup error: %w", err)
	}
	return fmt.Sprintf("backed up to %s.\n", fields[1]), nil
}
