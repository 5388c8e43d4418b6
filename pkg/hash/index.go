// Package hash implements the linear-hashing directory over the table store
// and the data log: bucket addressing, spill-over chains, and split-driven
// growth.
package hash

import (
	"bytes"
	"fmt"
	"sync"

	"hammersbald/pkg/data"
	"hammersbald/pkg/pref"
	"hammersbald/pkg/table"
)

// Index is the hash directory. A single writer inserts under the exclusive
// lock; any number of readers look up under the shared lock.
type Index struct {
	table      *table.Store
	data       *data.Log
	hasher     Hasher
	fillTarget int
	rwlock     sync.RWMutex
}

// New constructs an Index over an open table store and data log.
func New(tableStore *table.Store, dataLog *data.Log, hasher Hasher, fillTarget int) *Index {
	if fillTarget < 1 {
		fillTarget = 1
	}
	return &Index{table: tableStore, data: dataLog, hasher: hasher, fillTarget: fillTarget}
}

// bucketIndex computes the key's logical bucket from the current level and
// split pointer: h mod 2^L, except that already-split buckets address at the
// next level.
func (index *Index) bucketIndex(key []byte) uint64 {
	h := index.hasher(key)
	b := h % (1 << index.table.L())
	if b < index.table.S() {
		b = h % (1 << (index.table.L() + 1))
	}
	return b
}

// Lookup finds the most recently inserted record for the key. The head slot
// wins over the chain, and earlier chain records win over later ones, so an
// overwritten key always resolves to its latest payload.
func (index *Index) Lookup(key []byte) (pref.PRef, []byte, bool, error) {
	index.rwlock.RLock()
	defer index.rwlock.RUnlock()
	bucket, err := index.table.GetBucket(index.bucketIndex(key))
	if err != nil {
		return pref.Nil, nil, false, err
	}
	if !bucket.Data.IsNil() {
		k, payload, err := index.data.ReadApp(bucket.Data)
		if err != nil {
			return pref.Nil, nil, false, err
		}
		if bytes.Equal(k, key) {
			return bucket.Data, payload, true, nil
		}
	}
	for spill := bucket.Spill; !spill.IsNil(); {
		refs, next, err := index.data.ReadSpill(spill)
		if err != nil {
			return pref.Nil, nil, false, err
		}
		for _, ref := range refs {
			k, payload, err := index.data.ReadApp(ref)
			if err != nil {
				return pref.Nil, nil, false, err
			}
			if bytes.Equal(k, key) {
				return ref, payload, true, nil
			}
		}
		spill = next
	}
	return pref.Nil, nil, false, nil
}

// Insert appends an application record for (key, payload) and links it into
// the key's bucket, returning the record's reference. A bucket pushed past
// the fill target triggers one split.
func (index *Index) Insert(key, payload []byte) (pref.PRef, error) {
	index.rwlock.Lock()
	defer index.rwlock.Unlock()
	ref, err := index.data.AppendApp(key, payload)
	if err != nil {
		return pref.Nil, err
	}
	if err = index.link(key, ref); err != nil {
		return pref.Nil, err
	}
	return ref, nil
}

// Link links an already-appended application record into the key's bucket.
// Used when rebuilding the table from the data log.
func (index *Index) Link(key []byte, ref pref.PRef) error {
	index.rwlock.Lock()
	defer index.rwlock.Unlock()
	return index.link(key, ref)
}

// link makes ref the bucket head, demoting any previous head into the spill
// chain, then splits once if the bucket is over target. The lock must be held
// exclusively on entry.
func (index *Index) link(key []byte, ref pref.PRef) error {
	b := index.bucketIndex(key)
	bucket, err := index.table.GetBucket(b)
	if err != nil {
		return err
	}
	if !bucket.Data.IsNil() {
		spill, err := index.data.AppendSpill([]pref.PRef{bucket.Data}, bucket.Spill)
		if err != nil {
			return err
		}
		bucket.Spill = spill
	}
	bucket.Data = ref
	if err = index.table.PutBucket(b, bucket); err != nil {
		return err
	}
	occupancy, err := index.occupancy(bucket)
	if err != nil {
		return err
	}
	if occupancy > index.fillTarget {
		return index.split()
	}
	return nil
}

// occupancy counts the bucket head plus all slots across its spill chain.
func (index *Index) occupancy(bucket table.Bucket) (int, error) {
	n := 0
	if !bucket.Data.IsNil() {
		n++
	}
	for spill := bucket.Spill; !spill.IsNil(); {
		refs, next, err := index.data.ReadSpill(spill)
		if err != nil {
			return 0, err
		}
		n += len(refs)
		spill = next
	}
	return n, nil
}

// chainRefs collects the bucket's record references in recency order: the
// head first, then the chain front to back.
func (index *Index) chainRefs(bucket table.Bucket) ([]pref.PRef, error) {
	var refs []pref.PRef
	if !bucket.Data.IsNil() {
		refs = append(refs, bucket.Data)
	}
	for spill := bucket.Spill; !spill.IsNil(); {
		entries, next, err := index.data.ReadSpill(spill)
		if err != nil {
			return nil, err
		}
		refs = append(refs, entries...)
		spill = next
	}
	return refs, nil
}

// split rehashes bucket S across itself and the new bucket S + 2^L, advancing
// the split pointer (and the level when a round completes). The application
// records are untouched; only bucket slots and spill-over records change, and
// the chains of both buckets come out compacted. At most one split runs per
// insert.
func (index *Index) split() error {
	l, s := index.table.L(), index.table.S()
	b := s
	bucket, err := index.table.GetBucket(b)
	if err != nil {
		return err
	}
	refs, err := index.chainRefs(bucket)
	if err != nil {
		return err
	}
	newIndex, err := index.table.Grow()
	if err != nil {
		return err
	}
	newL, newS := l, s+1
	if newS == 1<<l {
		newL, newS = l+1, 0
	}
	if err = index.table.PutMeta(newL, newS); err != nil {
		return err
	}

	// Partition in recency order under the finer hash.
	var keep, move []pref.PRef
	for _, ref := range refs {
		key, _, err := index.data.ReadApp(ref)
		if err != nil {
			return err
		}
		if index.hasher(key)%(1<<(l+1)) == b {
			keep = append(keep, ref)
		} else {
			move = append(move, ref)
		}
	}
	kept, err := index.buildBucket(keep)
	if err != nil {
		return err
	}
	if err = index.table.PutBucket(b, kept); err != nil {
		return err
	}
	moved, err := index.buildBucket(move)
	if err != nil {
		return err
	}
	return index.table.PutBucket(newIndex, moved)
}

// buildBucket lays refs (in recency order) out as a head slot plus a
// compacted spill chain of records holding up to the slot maximum each.
func (index *Index) buildBucket(refs []pref.PRef) (table.Bucket, error) {
	if len(refs) == 0 {
		return table.Bucket{}, nil
	}
	head, rest := refs[0], refs[1:]
	next := pref.Nil
	for start := (len(rest) - 1) / data.MaxSpillSlots * data.MaxSpillSlots; start >= 0; start -= data.MaxSpillSlots {
		end := start + data.MaxSpillSlots
		if end > len(rest) {
			end = len(rest)
		}
		if end == start {
			break
		}
		spill, err := index.data.AppendSpill(rest[start:end], next)
		if err != nil {
			return table.Bucket{}, err
		}
		next = spill
	}
	return table.Bucket{Data: head, Spill: next}, nil
}

// RLock grabs the shared lock; GetAt readers outside the index use it to see
// a consistent data-log cursor.
func (index *Index) RLock() {
	index.rwlock.RLock()
}

// RUnlock releases the shared lock.
func (index *Index) RUnlock() {
	index.rwlock.RUnlock()
}

// WLock grabs the exclusive writer lock; unkeyed appends outside the index
// use it.
func (index *Index) WLock() {
	index.rwlock.Lock()
}

// WUnlock releases the exclusive writer lock.
func (index *Index) WUnlock() {
	index.rwlock.Unlock()
}

// Stats summarizes the directory shape for tooling.
type Stats struct {
	L            uint
	S            uint64
	Buckets      uint64
	UsedBuckets  uint64
	Entries      uint64 // live plus shadowed slots across all chains
	LongestChain int
}

// CollectStats walks every bucket and tallies chain occupancies.
func (index *Index) CollectStats() (Stats, error) {
	index.rwlock.RLock()
	defer index.rwlock.RUnlock()
	stats := Stats{L: index.table.L(), S: index.table.S(), Buckets: index.table.BucketCount()}
	for i := uint64(0); i < stats.Buckets; i++ {
		bucket, err := index.table.GetBucket(i)
		if err != nil {
			return Stats{}, err
		}
		if bucket.Empty() {
			continue
		}
		n, err := index.occupancy(bucket)
		if err != nil {
			return Stats{}, err
		}
		stats.UsedBuckets++
		stats.Entries += uint64(n)
		if n > stats.LongestChain {
			stats.LongestChain = n
		}
	}
	return stats, nil
}

// String renders the stats the way the REPL prints them.
func (s Stats) String() string {
	return fmt.Sprintf("L=%d S=%d buckets=%d used=%d entries=%d longest=%d",
		s.L, s.S, s.Buckets, s.UsedBuckets, s.Entries, s.LongestChain)
}
