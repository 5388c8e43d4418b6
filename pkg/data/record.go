package data

import (
	"fmt"

	"hammersbald/pkg/dberr"
	"hammersbald/pkg/pref"
)

// A record in the data file is a one-byte type, a big-endian 24-bit content
// length, and that many content bytes. The header never straddles a page
// boundary; content may.
const RecordHeaderSize = 4

// Record types.
const (
	TypePadding = byte(0) // skip length bytes; length zero ends the page
	TypeApp     = byte(1) // application record: u8 key length, key, payload
	TypeSpill   = byte(2) // spill-over record: u8 count, count refs, next ref
)

// MaxKeyLen is the largest key an application record can carry.
const MaxKeyLen = 255

// MaxContentLen is the largest content a record's 24-bit length can express.
const MaxContentLen = 1<<24 - 1

// MaxSpillSlots is the largest number of references one spill-over record can
// carry.
const MaxSpillSlots = 255

// encodeApp builds application record content from a key and payload.
func encodeApp(key, payload []byte) []byte {
	content := make([]byte, 1+len(key)+len(payload))
	content[0] = byte(len(key))
	copy(content[1:], key)
	copy(content[1+len(key):], payload)
	return content
}

// DecodeApp splits application record content into key and payload.
func DecodeApp(content []byte) (key, payload []byte, err error) {
	if len(content) < 1 {
		return nil, nil, fmt.Errorf("empty application record: %w", dberr.ErrCorrupt)
	}
	keyLen := int(content[0])
	if 1+keyLen > len(content) {
		return nil, nil, fmt.Errorf("application record shorter than its key: %w", dberr.ErrCorrupt)
	}
	return content[1 : 1+keyLen], content[1+keyLen:], nil
}

// encodeSpill builds spill-over record content from data references and the
// reference of the next record in the chain (pref.Nil ends the chain).
func encodeSpill(refs []pref.PRef, next pref.PRef) []byte {
	content := make([]byte, 1+len(refs)*pref.Size+pref.Size)
	content[0] = byte(len(refs))
	pos := 1
	for _, r := range refs {
		r.Put(content[pos:])
		pos += pref.Size
	}
	next.Put(content[pos:])
	return content
}

// DecodeSpill splits spill-over record content into its data references and
// the next chain reference.
func DecodeSpill(content []byte) (refs []pref.PRef, next pref.PRef, err error) {
	if len(content) < 1 {
		return nil, pref.Nil, fmt.Errorf("empty spill-over record: %w", dberr.ErrCorrupt)
	}
	count := int(content[0])
	if count == 0 || len(content) != 1+(count+1)*pref.Size {
		return nil, pref.Nil, fmt.Errorf("spill-over record of %d bytes claims %d slots: %w", len(content), count, dberr.ErrCorrupt)
	}
	refs = make([]pref.PRef, count)
	pos := 1
	for i := range refs {
		refs[i] = pref.FromBytes(content[pos:])
		pos += pref.Size
	}
	return refs, pref.FromBytes(content[pos:]), nil
}
