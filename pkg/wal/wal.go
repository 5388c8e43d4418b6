// Package wal implements the batch journal: a header page recording the
// pre-batch file sizes followed by verbatim pre-images of every table page
// mutated during the current batch. Replaying it at open undoes a batch that
// never committed.
package wal

import (
	"fmt"

	"hammersbald/pkg/dberr"
	"hammersbald/pkg/pager"
	"hammersbald/pkg/pref"

	"github.com/bits-and-blooms/bitset"
)

// Log is the write-ahead journal over one paged file.
type Log struct {
	pager     *pager.Pager
	imaged    *bitset.BitSet // table pages already captured in the current batch
	tableSize uint64         // table file size at batch start; later pages need no pre-image
}

// Open opens (or creates) the journal at filePath.
func Open(filePath string, cachePages int) (*Log, error) {
	pgr, err := pager.New(filePath, cachePages)
	if err != nil {
		return nil, err
	}
	return &Log{pager: pgr, imaged: bitset.New(64)}, nil
}

// Empty reports whether the journal holds no batch, ie the last batch
// committed cleanly.
func (log *Log) Empty() bool {
	return log.pager.Size() == 0
}

// ReadHeader parses the journal's header page, returning the data and table
// file sizes recorded at the start of the interrupted batch.
func (log *Log) ReadHeader() (dataSize, tableSize uint64, err error) {
	page, err := log.pager.GetPage(0)
	if err != nil {
		return 0, 0, err
	}
	defer log.pager.PutPage(page)
	page.RLock()
	defer page.RUnlock()
	buf := page.Data()
	dataSize = pref.FromBytes(buf[0:]).U64()
	tableSize = pref.FromBytes(buf[pref.Size:]).U64()
	for _, b := range buf[2*pref.Size:] {
		if b != 0 {
			return 0, 0, fmt.Errorf("journal header carries stray bytes: %w", dberr.ErrCorrupt)
		}
	}
	if dataSize%uint64(pager.Pagesize) != 0 || tableSize%uint64(pager.Pagesize) != 0 ||
		dataSize < uint64(pager.Pagesize) || tableSize < uint64(pager.Pagesize) {
		return 0, 0, fmt.Errorf("journal records impossible sizes %d/%d: %w", dataSize, tableSize, dberr.ErrCorrupt)
	}
	return dataSize, tableSize, nil
}

// NumPreImages returns the number of pre-image pages in the journal.
func (log *Log) NumPreImages() int64 {
	if log.pager.GetNumPages() == 0 {
		return 0
	}
	return log.pager.GetNumPages() - 1
}

// PreImage returns the i-th pre-image (counting from zero) and the table page
// number it belongs to, recovered from the page's own self-offset.
func (log *Log) PreImage(i int64) (tablePage int64, frame []byte, err error) {
	page, err := log.pager.GetPage(i + 1)
	if err != nil {
		return 0, nil, err
	}
	defer log.pager.PutPage(page)
	page.RLock()
	defer page.RUnlock()
	frame = make([]byte, pager.Pagesize)
	copy(frame, page.Data())
	self := page.SelfOffset()
	if self%pager.Pagesize != 0 {
		return 0, nil, fmt.Errorf("journal pre-image %d carries unaligned self-offset %d: %w", i, self, dberr.ErrCorrupt)
	}
	return self / pager.Pagesize, frame, nil
}

// BeginBatch erases the journal, records the given pre-batch sizes on a fresh
// header page, and syncs it to disk before any table mutation may proceed.
func (log *Log) BeginBatch(dataSize, tableSize uint64) error {
	if err := log.pager.Truncate(0); err != nil {
		return err
	}
	page, err := log.pager.GetNewPage()
	if err != nil {
		return err
	}
	buf := make([]byte, 2*pref.Size)
	pref.New(dataSize).Put(buf[0:])
	pref.New(tableSize).Put(buf[pref.Size:])
	page.Write(0, buf)
	err = log.pager.WritePage(page)
	log.pager.PutPage(page)
	if err != nil {
		return err
	}
	if err = log.pager.Flush(); err != nil {
		return err
	}
	log.imaged.ClearAll()
	log.tableSize = tableSize
	return nil
}

// NeedsPreImage reports whether the given table page must be captured before
// its first mutation in this batch. Pages appended after the batch started
// need no pre-image; recovery truncates them away.
func (log *Log) NeedsPreImage(tablePage int64) bool {
	if uint64(tablePage)*uint64(pager.Pagesize) >= log.tableSize {
		return false
	}
	return !log.imaged.Test(uint(tablePage))
}

// CapturePage appends the given table page verbatim to the journal and syncs
// it. The frame carries the page's self-offset, which is how recovery finds
// the page again.
func (log *Log) CapturePage(tablePage int64, frame []byte) error {
	page, err := log.pager.GetNewPage()
	if err != nil {
		return err
	}
	page.Write(0, frame)
	err = log.pager.WritePage(page)
	log.pager.PutPage(page)
	if err != nil {
		return err
	}
	if err = log.pager.Flush(); err != nil {
		return err
	}
	log.imaged.Set(uint(tablePage))
	return nil
}

// EndBatch erases the journal after the data and table files have been made
// durable, marking the batch committed.
func (log *Log) EndBatch() error {
	if err := log.pager.Truncate(0); err != nil {
		return err
	}
	return log.pager.Flush()
}

// Close closes the backing pager.
func (log *Log) Close() error {
	return log.pager.Close()
}
