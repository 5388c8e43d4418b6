package data

import (
	"fmt"

	"hammersbald/pkg/dberr"
	"hammersbald/pkg/pager"
	"hammersbald/pkg/pref"
)

// Scanner walks the data log's records in append order. It is used to rebuild
// the hash table from the data file alone and by the stats tooling; the
// store's normal read path never scans.
type Scanner struct {
	log *Log
	pos pref.PRef
	end pref.PRef // cursor snapshot at creation; records appended later are not visited
}

// NewScanner positions a scanner on the first record past the preamble page.
func (log *Log) NewScanner() *Scanner {
	return &Scanner{
		log: log,
		pos: pref.New(uint64(pager.Pagesize)),
		end: log.cursor,
	}
}

// Next returns the reference, type and content of the next record, or
// ok=false once the scanner has passed the last record. Padding records are
// skipped; a zero-length padding record ends its page, as does a tail too
// short to hold a record header.
func (s *Scanner) Next() (p pref.PRef, typ byte, content []byte, ok bool, err error) {
	for {
		if s.pos >= s.end {
			return pref.Nil, 0, nil, false, nil
		}
		if pager.PayloadSize-s.pos.InPagePos() < RecordHeaderSize {
			s.pos = s.pos.NextPage()
			continue
		}
		header, err := s.log.readSpan(s.pos, RecordHeaderSize)
		if err != nil {
			return pref.Nil, 0, nil, false, err
		}
		length := int64(header[1])<<16 | int64(header[2])<<8 | int64(header[3])
		switch {
		case header[0] == TypePadding && length == 0:
			s.pos = s.pos.NextPage()
			continue
		case header[0] == TypePadding:
			s.pos = advance(advance(s.pos, RecordHeaderSize), length)
			continue
		case header[0] > TypeSpill:
			return pref.Nil, 0, nil, false, fmt.Errorf("record %d has type %d: %w", s.pos.U64(), header[0], dberr.ErrCorrupt)
		}
		p = s.pos
		typ, content, err = s.log.ReadRecord(p)
		if err != nil {
			return pref.Nil, 0, nil, false, err
		}
		s.pos = advance(advance(p, RecordHeaderSize), int64(len(content)))
		return p, typ, content, true, nil
	}
}
