// Package table implements paged storage for the hash-table buckets: a
// metadata page carrying the linear-hash level and split pointer, followed by
// pages of fixed-arity bucket slot arrays.
package table

import (
	"encoding/binary"
	"fmt"

	"hammersbald/pkg/dberr"
	"hammersbald/pkg/pager"
	"hammersbald/pkg/pref"
	"hammersbald/pkg/wal"
)

// SlotSize is the on-disk size of one bucket: two 48-bit references.
const SlotSize = 2 * pref.Size

// SlotsPerPage is the number of buckets on each table page past the metadata
// page: floor(4090 / 12), leaving ten zero bytes before the self-offset.
const SlotsPerPage = int64(pager.PayloadSize / SlotSize)

// InitialL is the initial hash-level exponent; a fresh table holds 2^InitialL
// buckets.
const InitialL = 9

// A Bucket is a single hash-table slot. Data points at the most recently
// inserted application record hashing here; Spill heads the chain of
// spill-over records covering earlier collisions.
type Bucket struct {
	Data  pref.PRef
	Spill pref.PRef
}

// Empty reports whether the bucket holds nothing.
func (b Bucket) Empty() bool {
	return b.Data.IsNil() && b.Spill.IsNil()
}

// Store is the paged bucket storage. Every mutation of a page that predates
// the current batch is pre-imaged to the journal before it is applied.
type Store struct {
	pager   *pager.Pager
	journal *wal.Log
	l       uint   // hash-level exponent
	s       uint64 // split pointer within the current level
}

// Open opens (or creates) the table store at filePath. A fresh store is
// initialized with 2^InitialL empty buckets.
func Open(filePath string, cachePages int, journal *wal.Log) (*Store, error) {
	pgr, err := pager.New(filePath, cachePages)
	if err != nil {
		return nil, err
	}
	store := &Store{pager: pgr, journal: journal}
	if pgr.Size() == 0 {
		if err = store.init(); err != nil {
			pgr.Close()
			return nil, err
		}
		return store, nil
	}
	if err = store.readMeta(); err != nil {
		pgr.Close()
		return nil, err
	}
	return store, nil
}

// L returns the current hash-level exponent.
func (store *Store) L() uint {
	return store.l
}

// S returns the current split pointer.
func (store *Store) S() uint64 {
	return store.s
}

// BucketCount returns the number of live buckets, 2^L + S.
func (store *Store) BucketCount() uint64 {
	return 1<<store.l + store.s
}

// Size returns the table file size in bytes.
func (store *Store) Size() uint64 {
	return uint64(store.pager.Size())
}

// Name returns the path of the backing file.
func (store *Store) Name() string {
	return store.pager.GetFileName()
}

// GetBucket reads bucket i.
func (store *Store) GetBucket(i uint64) (Bucket, error) {
	if i >= store.BucketCount() {
		return Bucket{}, fmt.Errorf("bucket %d of %d: %w", i, store.BucketCount(), dberr.ErrNotFound)
	}
	page, err := store.getCheckedPage(pageFor(i))
	if err != nil {
		return Bucket{}, err
	}
	defer store.pager.PutPage(page)
	page.RLock()
	defer page.RUnlock()
	pos := slotPos(i)
	buf := page.Data()
	return Bucket{
		Data:  pref.FromBytes(buf[pos:]),
		Spill: pref.FromBytes(buf[pos+pref.Size:]),
	}, nil
}

// PutBucket writes bucket i through to disk, journaling the page's pre-image
// first if this is the page's first mutation in the current batch.
func (store *Store) PutBucket(i uint64, b Bucket) error {
	if i >= store.BucketCount() {
		return fmt.Errorf("bucket %d of %d: %w", i, store.BucketCount(), dberr.ErrNotFound)
	}
	pagenum := pageFor(i)
	if err := store.preImage(pagenum); err != nil {
		return err
	}
	page, err := store.getCheckedPage(pagenum)
	if err != nil {
		return err
	}
	defer store.pager.PutPage(page)
	page.WLock()
	defer page.WUnlock()
	slot := make([]byte, SlotSize)
	b.Data.Put(slot[0:])
	b.Spill.Put(slot[pref.Size:])
	page.Write(slotPos(i), slot)
	return store.pager.WritePage(page)
}

// PutMeta journals and writes the metadata page with a new level and split
// pointer.
func (store *Store) PutMeta(l uint, s uint64) error {
	if err := store.preImage(0); err != nil {
		return err
	}
	page, err := store.pager.GetPage(0)
	if err != nil {
		return err
	}
	defer store.pager.PutPage(page)
	page.WLock()
	defer page.WUnlock()
	meta := make([]byte, 2+pref.Size)
	binary.BigEndian.PutUint16(meta[0:2], uint16(l))
	pref.New(s).Put(meta[2:])
	page.Write(0, meta)
	if err = store.pager.WritePage(page); err != nil {
		return err
	}
	store.l = l
	store.s = s
	return nil
}

// Grow makes room for one more bucket and returns its index. The slot array
// page is appended (zeroed) if the new index spills onto a page that does not
// exist yet; the caller still has to advance the split pointer via PutMeta.
func (store *Store) Grow() (uint64, error) {
	newIndex := store.BucketCount()
	pagenum := pageFor(newIndex)
	if pagenum == store.pager.GetNumPages() {
		if err := store.appendZeroPage(pagenum); err != nil {
			return 0, err
		}
	}
	return newIndex, nil
}

// Flush syncs the backing file.
func (store *Store) Flush() error {
	return store.pager.Flush()
}

// Close closes the backing pager.
func (store *Store) Close() error {
	return store.pager.Close()
}

// pageFor returns the table page holding bucket i.
func pageFor(i uint64) int64 {
	return int64(i)/SlotsPerPage + 1
}

// slotPos returns the in-page byte position of bucket i's slot.
func slotPos(i uint64) int64 {
	return int64(i) % SlotsPerPage * SlotSize
}

// pagesForBuckets returns the number of slot array pages needed for n buckets.
func pagesForBuckets(n uint64) int64 {
	return (int64(n) + SlotsPerPage - 1) / SlotsPerPage
}

// init writes a fresh metadata page and the zeroed slot pages for the initial
// buckets. No journaling: there is nothing to protect yet.
func (store *Store) init() error {
	store.l = InitialL
	store.s = 0
	page, err := store.pager.GetNewPage()
	if err != nil {
		return err
	}
	meta := make([]byte, 2+pref.Size)
	binary.BigEndian.PutUint16(meta[0:2], InitialL)
	page.Write(0, meta)
	err = store.pager.WritePage(page)
	store.pager.PutPage(page)
	if err != nil {
		return err
	}
	for p := int64(1); p <= pagesForBuckets(store.BucketCount()); p++ {
		if err = store.appendZeroPage(p); err != nil {
			return err
		}
	}
	return nil
}

// readMeta loads the level and split pointer from the metadata page and
// sanity checks them against the file size.
func (store *Store) readMeta() error {
	page, err := store.pager.GetPage(0)
	if err != nil {
		return err
	}
	defer store.pager.PutPage(page)
	page.RLock()
	defer page.RUnlock()
	buf := page.Data()
	l := uint(binary.BigEndian.Uint16(buf[0:2]))
	s := pref.FromBytes(buf[2:]).U64()
	if l < InitialL || l > 47 || s >= 1<<l {
		return fmt.Errorf("table metadata (L=%d, S=%d) is impossible: %w", l, s, dberr.ErrCorrupt)
	}
	if pagesForBuckets(1<<l+s)+1 > store.pager.GetNumPages() {
		return fmt.Errorf("table of %d pages cannot hold %d buckets: %w", store.pager.GetNumPages(), 1<<l+s, dberr.ErrCorrupt)
	}
	store.l = l
	store.s = s
	return nil
}

// getCheckedPage fetches a slot array page and verifies its self-offset.
func (store *Store) getCheckedPage(pagenum int64) (*pager.Page, error) {
	page, err := store.pager.GetPage(pagenum)
	if err != nil {
		return nil, err
	}
	page.RLock()
	self := page.SelfOffset()
	page.RUnlock()
	if self != pagenum*pager.Pagesize {
		store.pager.PutPage(page)
		return nil, fmt.Errorf("table page %d carries self-offset %d: %w", pagenum, self, dberr.ErrCorrupt)
	}
	return page, nil
}

// appendZeroPage appends an empty slot array page stamped with its
// self-offset. New pages are not journaled; recovery truncates them away.
func (store *Store) appendZeroPage(pagenum int64) error {
	page, err := store.pager.GetNewPage()
	if err != nil {
		return err
	}
	defer store.pager.PutPage(page)
	if page.PageNum() != pagenum {
		return fmt.Errorf("table page %d appended at %d: %w", pagenum, page.PageNum(), dberr.ErrCorrupt)
	}
	page.StampOffset()
	return store.pager.WritePage(page)
}

// preImage captures the page's current content into the journal if this is
// its first mutation in the current batch.
func (store *Store) preImage(pagenum int64) error {
	if !store.journal.NeedsPreImage(pagenum) {
		return nil
	}
	page, err := store.pager.GetPage(pagenum)
	if err != nil {
		return err
	}
	page.RLock()
	frame := make([]byte, pager.Pagesize)
	copy(frame, page.Data())
	page.RUnlock()
	store.pager.PutPage(page)
	return store.journal.CapturePage(pagenum, frame)
}
