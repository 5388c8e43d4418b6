// Package data implements the append-only data log: typed records laid out
// across pages of the data file and addressed by 48-bit references.
package data

import (
	"fmt"

	"hammersbald/pkg/dberr"
	"hammersbald/pkg/pager"
	"hammersbald/pkg/pref"
)

// Log is the append-only record log over one paged file. A single writer
// appends; any number of readers may read committed references. The open
// append page lives in memory until it fills or the log is flushed, and reads
// are served from it so a put is visible to a get within the same batch.
type Log struct {
	pager   *pager.Pager
	cursor  pref.PRef // next append position (a byte offset into the file)
	tail    []byte    // image of the open append page, trailer included
	tailNum int64     // page number of the open append page, or NoPage
}

// Open opens (or creates) the data log at filePath with a page cache of
// cachePages pages. A fresh log starts with a zero preamble page so that no
// record ever sits at offset zero, keeping the nil reference unambiguous.
func Open(filePath string, cachePages int) (*Log, error) {
	pgr, err := pager.New(filePath, cachePages)
	if err != nil {
		return nil, err
	}
	log := &Log{
		pager:   pgr,
		cursor:  pref.New(uint64(pgr.Size())),
		tail:    make([]byte, pager.Pagesize),
		tailNum: pager.NoPage,
	}
	if pgr.Size() == 0 {
		page, err := pgr.GetNewPage()
		if err != nil {
			pgr.Close()
			return nil, err
		}
		if err = pgr.WritePage(page); err != nil {
			pgr.PutPage(page)
			pgr.Close()
			return nil, err
		}
		pgr.PutPage(page)
		log.cursor = pref.New(uint64(pager.Pagesize))
	}
	return log, nil
}

// Size returns the append cursor, ie the number of valid bytes in the log.
func (log *Log) Size() uint64 {
	return log.cursor.U64()
}

// Name returns the path of the backing file.
func (log *Log) Name() string {
	return log.pager.GetFileName()
}

// AppendRecord appends a record of the given type and returns its reference.
// If fewer than four payload bytes remain in the current page the tail is
// zero-filled first so the header does not straddle the page boundary.
func (log *Log) AppendRecord(typ byte, content []byte) (pref.PRef, error) {
	if len(content) > MaxContentLen {
		return pref.Nil, fmt.Errorf("record content of %d bytes: %w", len(content), dberr.ErrTooLarge)
	}
	if headroom := pager.PayloadSize - log.cursor.InPagePos(); headroom < RecordHeaderSize {
		if err := log.appendSlice(make([]byte, headroom)); err != nil {
			return pref.Nil, err
		}
	}
	me := log.cursor
	header := []byte{typ, byte(len(content) >> 16), byte(len(content) >> 8), byte(len(content))}
	if err := log.appendSlice(header); err != nil {
		return pref.Nil, err
	}
	if err := log.appendSlice(content); err != nil {
		return pref.Nil, err
	}
	return me, nil
}

// ReadRecord reads the record at p, returning its type and content.
func (log *Log) ReadRecord(p pref.PRef) (byte, []byte, error) {
	if p.U64() < uint64(pager.Pagesize) || p >= log.cursor {
		return 0, nil, fmt.Errorf("record %d: %w", p.U64(), dberr.ErrNotFound)
	}
	if p.InPagePos() > pager.PayloadSize-RecordHeaderSize {
		return 0, nil, fmt.Errorf("record %d starts inside a page trailer: %w", p.U64(), dberr.ErrCorrupt)
	}
	header, err := log.readSpan(p, RecordHeaderSize)
	if err != nil {
		return 0, nil, err
	}
	typ := header[0]
	if typ > TypeSpill {
		return 0, nil, fmt.Errorf("record %d has type %d: %w", p.U64(), typ, dberr.ErrCorrupt)
	}
	length := int64(header[1])<<16 | int64(header[2])<<8 | int64(header[3])
	end := advance(advance(p, RecordHeaderSize), length)
	if end > log.cursor {
		return 0, nil, fmt.Errorf("record %d overruns the log: %w", p.U64(), dberr.ErrCorrupt)
	}
	content, err := log.readSpan(advance(p, RecordHeaderSize), length)
	if err != nil {
		return 0, nil, err
	}
	return typ, content, nil
}

// AppendApp appends an application record holding key and payload.
func (log *Log) AppendApp(key, payload []byte) (pref.PRef, error) {
	if len(key) > MaxKeyLen {
		return pref.Nil, fmt.Errorf("key of %d bytes: %w", len(key), dberr.ErrTooLarge)
	}
	if 1+len(key)+len(payload) > MaxContentLen {
		return pref.Nil, fmt.Errorf("payload of %d bytes: %w", len(payload), dberr.ErrTooLarge)
	}
	return log.AppendRecord(TypeApp, encodeApp(key, payload))
}

// ReadApp reads the application record at p, returning its key and payload.
// Reading any other record type fails with ErrWrongType.
func (log *Log) ReadApp(p pref.PRef) (key, payload []byte, err error) {
	typ, content, err := log.ReadRecord(p)
	if err != nil {
		return nil, nil, err
	}
	if typ != TypeApp {
		return nil, nil, fmt.Errorf("record %d has type %d: %w", p.U64(), typ, dberr.ErrWrongType)
	}
	return DecodeApp(content)
}

// AppendSpill appends a spill-over record chaining refs in front of next.
func (log *Log) AppendSpill(refs []pref.PRef, next pref.PRef) (pref.PRef, error) {
	if len(refs) == 0 || len(refs) > MaxSpillSlots {
		return pref.Nil, fmt.Errorf("spill-over record with %d slots", len(refs))
	}
	return log.AppendRecord(TypeSpill, encodeSpill(refs, next))
}

// ReadSpill reads the spill-over record at p.
func (log *Log) ReadSpill(p pref.PRef) (refs []pref.PRef, next pref.PRef, err error) {
	typ, content, err := log.ReadRecord(p)
	if err != nil {
		return nil, pref.Nil, err
	}
	if typ != TypeSpill {
		return nil, pref.Nil, fmt.Errorf("record %d has type %d where a spill-over was expected: %w", p.U64(), typ, dberr.ErrCorrupt)
	}
	return DecodeSpill(content)
}

// Flush writes out the open append page (zero padded to a full page), rounds
// the cursor up to the next page boundary and syncs the file. Committed log
// sizes are therefore always page aligned.
func (log *Log) Flush() error {
	if log.cursor.InPagePos() != 0 {
		if err := log.writeTail(); err != nil {
			return err
		}
		log.cursor = log.cursor.NextPage()
	}
	return log.pager.Flush()
}

// Truncate discards everything at and past size, which must be page aligned.
func (log *Log) Truncate(size uint64) error {
	if err := log.pager.Truncate(int64(size)); err != nil {
		return err
	}
	log.cursor = pref.New(size)
	log.tailNum = pager.NoPage
	return nil
}

// Close closes the backing pager. The caller is responsible for flushing.
func (log *Log) Close() error {
	return log.pager.Close()
}

// appendSlice writes b at the cursor, spanning pages as needed. Full pages
// are written through immediately; the cursor skips each page's trailer.
func (log *Log) appendSlice(b []byte) error {
	for len(b) > 0 {
		pos := log.cursor.InPagePos()
		if log.tailNum == pager.NoPage {
			for i := range log.tail {
				log.tail[i] = 0
			}
			log.tailNum = log.cursor.PageNum()
		}
		space := pager.PayloadSize - pos
		if int64(len(b)) < space {
			space = int64(len(b))
		}
		copy(log.tail[pos:pos+space], b[:space])
		b = b[space:]
		log.cursor = log.cursor.Add(uint64(space))
		if log.cursor.InPagePos() == pager.PayloadSize {
			if err := log.writeTail(); err != nil {
				return err
			}
			log.cursor = log.cursor.Add(pref.Size)
		}
	}
	return nil
}

// writeTail stamps the open append page with its self-offset and writes it
// through. The cursor is not moved.
func (log *Log) writeTail() error {
	page, err := log.pager.GetNewPage()
	if err != nil {
		return err
	}
	if page.PageNum() != log.tailNum {
		log.pager.PutPage(page)
		return fmt.Errorf("append page %d landed at %d: %w", log.tailNum, page.PageNum(), dberr.ErrCorrupt)
	}
	page.Write(0, log.tail)
	page.StampOffset()
	err = log.pager.WritePage(page)
	log.pager.PutPage(page)
	if err != nil {
		return err
	}
	log.tailNum = pager.NoPage
	return nil
}

// readSpan reads length payload bytes starting at p, skipping page trailers.
func (log *Log) readSpan(p pref.PRef, length int64) ([]byte, error) {
	out := make([]byte, 0, length)
	for length > 0 {
		pos := p.InPagePos()
		if pos >= pager.PayloadSize {
			p = p.NextPage()
			continue
		}
		space := pager.PayloadSize - pos
		if length < space {
			space = length
		}
		pagenum := p.PageNum()
		if pagenum == log.tailNum {
			out = append(out, log.tail[pos:pos+space]...)
		} else {
			page, err := log.pager.GetPage(pagenum)
			if err != nil {
				return nil, err
			}
			page.RLock()
			if self := page.SelfOffset(); self != pagenum*pager.Pagesize {
				page.RUnlock()
				log.pager.PutPage(page)
				return nil, fmt.Errorf("data page %d carries self-offset %d: %w", pagenum, self, dberr.ErrCorrupt)
			}
			out = append(out, page.Data()[pos:pos+space]...)
			page.RUnlock()
			log.pager.PutPage(page)
		}
		p = p.Add(uint64(space))
		length -= space
	}
	return out, nil
}

// advance returns the reference n payload bytes past p, skipping trailers.
func advance(p pref.PRef, n int64) pref.PRef {
	for {
		pos := p.InPagePos()
		space := pager.PayloadSize - pos
		if n < space {
			return p.Add(uint64(n))
		}
		p = p.NextPage()
		n -= space
		if n == 0 {
			return p
		}
	}
}
