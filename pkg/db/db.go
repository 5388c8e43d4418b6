// Package db implements the store engine: it owns the three files, recovers
// interrupted batches at open, and exposes the put/get/batch surface.
package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"hammersbald/pkg/config"
	"hammersbald/pkg/data"
	"hammersbald/pkg/dberr"
	"hammersbald/pkg/hash"
	"hammersbald/pkg/pager"
	"hammersbald/pkg/pref"
	"hammersbald/pkg/table"
	"hammersbald/pkg/wal"

	"github.com/otiai10/copy"
)

// DB is one open store: the data log, the bucket table, the batch journal and
// the hash directory over them, plus the lock that keeps other processes out.
type DB struct {
	name       string // base path; the files are name + {.dat,.tbl,.log,.lck}
	cachePages int
	fillTarget int
	hasher     hash.Hasher

	data    *data.Log
	table   *table.Store
	journal *wal.Log
	index   *hash.Index
	lock    *os.File
	closed  bool
}

// Open opens (or creates) the store rooted at name with the default hasher.
// cachePages is the per-file page cache capacity; bucketFillTarget is the
// per-bucket occupancy that triggers a split.
func Open(name string, cachePages, bucketFillTarget int) (*DB, error) {
	return OpenHasher(name, cachePages, bucketFillTarget, hash.XxHasher)
}

// OpenHasher is Open with an explicit hasher. A store must always be opened
// with the hasher it was written with.
func OpenHasher(name string, cachePages, bucketFillTarget int, hasher hash.Hasher) (*DB, error) {
	if cachePages < 1 {
		return nil, errors.New("cache must hold at least one page")
	}
	lock, err := acquireLock(name + config.LockFileExt)
	if err != nil {
		return nil, err
	}
	db := &DB{
		name:       name,
		cachePages: cachePages,
		fillTarget: bucketFillTarget,
		hasher:     hasher,
		lock:       lock,
	}
	if err = db.openFiles(); err != nil {
		releaseLock(lock)
		return nil, err
	}
	return db, nil
}

// openFiles opens journal and data log, runs recovery if the journal holds an
// uncommitted batch, then opens the table and starts a fresh batch.
func (db *DB) openFiles() (err error) {
	db.journal, err = wal.Open(db.name+config.LogFileExt, db.cachePages)
	if err != nil {
		return err
	}
	db.data, err = data.Open(db.name+config.DataFileExt, db.cachePages)
	if err != nil {
		db.journal.Close()
		return err
	}
	if !db.journal.Empty() {
		if err = db.recover(); err != nil {
			db.data.Close()
			db.journal.Close()
			return err
		}
	}
	db.table, err = table.Open(db.name+config.TableFileExt, db.cachePages, db.journal)
	if err != nil {
		db.data.Close()
		db.journal.Close()
		return err
	}
	db.index = hash.New(db.table, db.data, db.hasher, db.fillTarget)
	if err = db.journal.BeginBatch(db.data.Size(), db.table.Size()); err != nil {
		db.table.Close()
		db.data.Close()
		db.journal.Close()
		return err
	}
	return nil
}

// recover restores the pre-batch state of an interrupted batch: truncate the
// data and table files to the journaled sizes, write every journaled
// pre-image back to its table page, then erase the journal. A malformed
// journal refuses the open; nothing is salvaged. The table file is patched
// through a bare pager because its metadata cannot be trusted until the
// pre-images are back in place.
func (db *DB) recover() error {
	dataSize, tableSize, err := db.journal.ReadHeader()
	if err != nil {
		return err
	}
	if dataSize > db.data.Size() {
		return fmt.Errorf("journal records data size %d past the file end %d: %w", dataSize, db.data.Size(), dberr.ErrCorrupt)
	}
	if err = db.data.Truncate(dataSize); err != nil {
		return err
	}
	tablePager, err := pager.New(db.name+config.TableFileExt, db.cachePages)
	if err != nil {
		return err
	}
	defer tablePager.Close()
	if tableSize > uint64(tablePager.Size()) {
		return fmt.Errorf("journal records table size %d past the file end %d: %w", tableSize, tablePager.Size(), dberr.ErrCorrupt)
	}
	if err = tablePager.Truncate(int64(tableSize)); err != nil {
		return err
	}
	for i := int64(0); i < db.journal.NumPreImages(); i++ {
		pagenum, frame, err := db.journal.PreImage(i)
		if err != nil {
			return err
		}
		if uint64(pagenum)*uint64(pager.Pagesize) >= tableSize {
			return fmt.Errorf("journal pre-image for page %d past the recorded table end: %w", pagenum, dberr.ErrCorrupt)
		}
		page, err := tablePager.GetPage(pagenum)
		if err != nil {
			return err
		}
		page.Write(0, frame)
		err = tablePager.WritePage(page)
		tablePager.PutPage(page)
		if err != nil {
			return err
		}
	}
	if err = db.data.Flush(); err != nil {
		return err
	}
	if err = tablePager.Flush(); err != nil {
		return err
	}
	return db.journal.EndBatch()
}

// Batch commits everything put since the previous Batch and opens the next
// one. It returns once the data and table files are durable and the journal
// has been restarted with the new sizes.
func (db *DB) Batch() error {
	db.index.WLock()
	defer db.index.WUnlock()
	return db.batch()
}

// batch does the work of Batch; the writer lock must be held.
func (db *DB) batch() error {
	if err := db.data.Flush(); err != nil {
		return err
	}
	if err := db.table.Flush(); err != nil {
		return err
	}
	if err := db.journal.EndBatch(); err != nil {
		return err
	}
	return db.journal.BeginBatch(db.data.Size(), db.table.Size())
}

// Put stores payload under key and returns the record's reference. Storing
// under the same key again shadows this record.
func (db *DB) Put(key, payload []byte) (pref.PRef, error) {
	if len(key) > data.MaxKeyLen {
		return pref.Nil, fmt.Errorf("key of %d bytes: %w", len(key), dberr.ErrTooLarge)
	}
	if 1+len(key)+len(payload) > data.MaxContentLen {
		return pref.Nil, fmt.Errorf("payload of %d bytes: %w", len(payload), dberr.ErrTooLarge)
	}
	return db.index.Insert(key, payload)
}

// PutUnkeyed appends payload without linking it into the table. The returned
// reference is the only way to read it back.
func (db *DB) PutUnkeyed(payload []byte) (pref.PRef, error) {
	if 1+len(payload) > data.MaxContentLen {
		return pref.Nil, fmt.Errorf("payload of %d bytes: %w", len(payload), dberr.ErrTooLarge)
	}
	db.index.WLock()
	defer db.index.WUnlock()
	return db.data.AppendApp(nil, payload)
}

// Get returns the reference and payload of the most recent put under key, or
// found=false if the key has never been put.
func (db *DB) Get(key []byte) (ref pref.PRef, payload []byte, found bool, err error) {
	return db.index.Lookup(key)
}

// GetAt reads the application record at ref, returning its key and payload.
// A reference to any other record type fails with ErrWrongType.
func (db *DB) GetAt(ref pref.PRef) (key, payload []byte, err error) {
	db.index.RLock()
	defer db.index.RUnlock()
	return db.data.ReadApp(ref)
}

// Stats reports the directory shape and file sizes.
type Stats struct {
	Index      hash.Stats
	DataBytes  uint64
	TableBytes uint64
}

// Stats collects statistics over the whole store.
func (db *DB) Stats() (Stats, error) {
	indexStats, err := db.index.CollectStats()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Index: indexStats, DataBytes: db.data.Size(), TableBytes: db.table.Size()}, nil
}

func (s Stats) String() string {
	return fmt.Sprintf("%s data=%d table=%d", s.Index, s.DataBytes, s.TableBytes)
}

// Backup copies the store's files into dir. Only consistent when called
// directly after Batch, before any further put.
func (db *DB) Backup(dir string) error {
	db.index.RLock()
	defer db.index.RUnlock()
	if err := os.MkdirAll(dir, 0775); err != nil {
		return err
	}
	base := filepath.Base(db.name)
	for _, ext := range []string{config.DataFileExt, config.TableFileExt, config.LogFileExt} {
		if err := copy.Copy(db.name+ext, filepath.Join(dir, base+ext)); err != nil {
			return fmt.Errorf("backup %s%s: %w", base, ext, err)
		}
	}
	return nil
}

// Close commits the open batch, releases the files and the lock. Further
// calls are no-ops; the first error wins.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true
	err := db.data.Flush()
	if e := db.table.Flush(); err == nil {
		err = e
	}
	if err == nil {
		err = db.journal.EndBatch()
	}
	if e := db.data.Close(); err == nil {
		err = e
	}
	if e := db.table.Close(); err == nil {
		err = e
	}
	if e := db.journal.Close(); err == nil {
		err = e
	}
	releaseLock(db.lock)
	return err
}

// Name returns the store's base path.
func (db *DB) Name() string {
	return db.name
}
