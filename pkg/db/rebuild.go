package db

import (
	"os"

	"hammersbald/pkg/config"
	"hammersbald/pkg/data"
	"hammersbald/pkg/hash"
)

// Rebuild reconstructs the hash table of the store rooted at name by
// replaying the data file, then returns the reopened store. The old table
// file is discarded; surviving keys answer Get exactly as before. This is a
// standalone maintenance job, not part of the normal read or write path.
func Rebuild(name string, cachePages, bucketFillTarget int) (*DB, error) {
	return RebuildHasher(name, cachePages, bucketFillTarget, nil)
}

// RebuildHasher is Rebuild with an explicit hasher (nil means the default).
func RebuildHasher(name string, cachePages, bucketFillTarget int, hasher hash.Hasher) (*DB, error) {
	open := func() (*DB, error) {
		if hasher == nil {
			return Open(name, cachePages, bucketFillTarget)
		}
		return OpenHasher(name, cachePages, bucketFillTarget, hasher)
	}
	// A first regular open settles any interrupted batch, so the data file
	// holds exactly the committed records when the table is thrown away.
	store, err := open()
	if err != nil {
		return nil, err
	}
	if err = store.Close(); err != nil {
		return nil, err
	}
	if err = os.Remove(name + config.TableFileExt); err != nil {
		return nil, err
	}
	store, err = open()
	if err != nil {
		return nil, err
	}
	if err = store.relink(); err != nil {
		store.Close()
		return nil, err
	}
	if err = store.Batch(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// relink walks the data log in append order and links every keyed
// application record into the fresh table. Later records shadow earlier ones
// just as the original puts did; unkeyed records and old spill-over records
// are left alone.
func (db *DB) relink() error {
	scanner := db.data.NewScanner()
	for {
		ref, typ, content, ok, err := scanner.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if typ != data.TypeApp {
			continue
		}
		key, _, err := data.DecodeApp(content)
		if err != nil {
			return err
		}
		if len(key) == 0 {
			continue
		}
		if err = db.index.Link(key, ref); err != nil {
			return err
		}
	}
}
