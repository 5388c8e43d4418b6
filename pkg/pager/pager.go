// Package pager implements the page and pager abstractions used for efficient
// io operations on the store's files.
package pager

import (
	"errors"
	"sync"

	"hammersbald/pkg/list"

	"github.com/ncw/directio"
)

// Pagesize is the size of an individual page (ie the maximum number of bytes
// that the page can hold) - defaults to 4kb.
const Pagesize int64 = directio.BlockSize

// PayloadSize is the number of usable bytes per page; the trailing six bytes
// carry the page's own byte offset.
const PayloadSize int64 = Pagesize - 6

// Error for when there are no free/unpinned pages to be used.
var ErrRanOutOfPages = errors.New("no available pages")

// Pager is a write-through page cache over one File. Writes go straight to
// disk and the cached copy stays clean; reads are served from the cache when
// possible, and clean pages are evicted in LRU order when the configured
// capacity is reached.
type Pager struct {
	file         *File      // The paged file that backs this pager on disk.
	numPages     int64      // The number of pages this pager has access to (both on disk and in memory).
	freeList     *list.List // A list of pre-allocated (but unused) pages.
	unpinnedList *list.List // The list of pages in memory that have yet to be evicted, but are not currently in use.
	pinnedList   *list.List // The list of in-memory pages currently being used.
	// The page table, which maps pagenums to their corresponding pages
	// (stored in a link belonging to the list the page is in).
	pageTable map[int64]*list.Link
	ptMtx     sync.Mutex // Mutex for protecting the page table for concurrent use.
}

// New constructs a new Pager over the file at filePath with a cache capacity
// of cachePages pages.
func New(filePath string, cachePages int) (*Pager, error) {
	if cachePages < 1 {
		return nil, errors.New("cache capacity must be at least one page")
	}
	file, err := OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	pager := &Pager{
		file:         file,
		numPages:     file.NumPages(),
		freeList:     list.NewList(),
		unpinnedList: list.NewList(),
		pinnedList:   list.NewList(),
		pageTable:    make(map[int64]*list.Link),
	}
	frames := directio.AlignedBlock(int(Pagesize) * cachePages)
	for i := 0; i < cachePages; i++ {
		frame := frames[int64(i)*Pagesize : int64(i+1)*Pagesize]
		page := Page{
			pager:   pager,
			pagenum: NoPage,
			data:    frame,
		}
		pager.freeList.PushTail(&page)
	}
	return pager, nil
}

// GetFileName returns the file name/path used to open the pager's backing file.
func (pager *Pager) GetFileName() string {
	return pager.file.Name()
}

// GetNumPages returns the number of pages.
func (pager *Pager) GetNumPages() int64 {
	return pager.numPages
}

// Size returns the size of the backing file in bytes.
func (pager *Pager) Size() int64 {
	return pager.numPages * Pagesize
}

// Close flushes any straggling dirty pages and closes the backing file.
func (pager *Pager) Close() error {
	// Prevent new data from being paged in.
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	// Check that no pages are in the pinned list.
	if pager.pinnedList.PeekHead() != nil {
		return errors.New("pages are still pinned on close")
	}
	pager.flushAllPages()
	if err := pager.file.Sync(); err != nil {
		return err
	}
	return pager.file.Close()
}

// newPage returns a currently unused Page from the free or unpinned list,
// or an ErrRanOutOfPages if there are no unused pages available.
// The ptMtx should be locked on entry.
func (pager *Pager) newPage(pagenum int64) (*Page, error) {
	var newPage *Page
	if freeLink := pager.freeList.PeekHead(); freeLink != nil {
		freeLink.PopSelf()
		newPage = freeLink.GetValue().(*Page)
	} else if unpinLink := pager.unpinnedList.PeekHead(); unpinLink != nil {
		// Evict the least recently used unpinned page. Under write-through it
		// is clean; flush covers the window between Write and WritePage.
		unpinLink.PopSelf()
		newPage = unpinLink.GetValue().(*Page)
		pager.flushPage(newPage)
		delete(pager.pageTable, newPage.pagenum)
	} else {
		return nil, ErrRanOutOfPages
	}
	newPage.pagenum = pagenum
	newPage.dirty = false
	newPage.pinCount.Store(1)
	return newPage, nil
}

// GetNewPage returns a pinned, zeroed Page with the next available pagenum.
// The page reaches disk when it is first written through with WritePage.
func (pager *Pager) GetNewPage() (*Page, error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	page, err := pager.newPage(pager.numPages)
	if err != nil {
		return nil, err
	}
	page.Zero()
	newLink := pager.pinnedList.PushTail(page)
	pager.pageTable[page.pagenum] = newLink
	pager.numPages++
	return page, nil
}

// GetPage returns a pinned Page corresponding to the given pagenum.
func (pager *Pager) GetPage(pagenum int64) (*Page, error) {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	if pagenum < 0 || pagenum > pager.numPages-1 {
		return nil, errors.New("invalid pagenum")
	}
	if link, ok := pager.pageTable[pagenum]; ok {
		page := link.GetValue().(*Page)
		// Move the page to the pinned list if needed.
		if link.GetList() == pager.unpinnedList {
			link.PopSelf()
			pager.pageTable[pagenum] = pager.pinnedList.PushTail(page)
		}
		page.pin()
		return page, nil
	}

	page, err := pager.newPage(pagenum)
	if err != nil {
		return nil, err
	}
	page.dirty = false
	if err = pager.file.ReadPage(pagenum, page.data); err != nil {
		pager.freeList.PushTail(page)
		return nil, err
	}
	pager.pageTable[pagenum] = pager.pinnedList.PushTail(page)
	return page, nil
}

// PutPage releases a reference to a page.
func (pager *Pager) PutPage(page *Page) error {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	ret := page.unpin()
	// Check if we can unpin this page; if so, move from pinned to unpinned list.
	if ret == 0 {
		link := pager.pageTable[page.pagenum]
		link.PopSelf()
		pager.pageTable[page.pagenum] = pager.unpinnedList.PushTail(page)
	}
	if ret < 0 {
		return errors.New("pinCount for page is < 0")
	}
	return nil
}

// WritePage writes the page through to disk and marks the cached copy clean.
// Concurrency note: the page should at least be read-locked on entry.
func (pager *Pager) WritePage(page *Page) error {
	if err := pager.file.WritePage(page.pagenum, page.data); err != nil {
		return err
	}
	page.dirty = false
	return nil
}

// flushPage writes a particular page's data to disk if it is dirty.
func (pager *Pager) flushPage(page *Page) {
	if page.IsDirty() {
		pager.file.WritePage(page.pagenum, page.data)
		page.dirty = false
	}
}

// flushAllPages flushes all dirty pages to disk. The ptMtx should be locked
// on entry.
func (pager *Pager) flushAllPages() {
	writer := func(link *list.Link) {
		page := link.GetValue().(*Page)
		pager.flushPage(page)
	}
	pager.pinnedList.Map(writer)
	pager.unpinnedList.Map(writer)
}

// Flush writes out any straggling dirty pages and syncs the backing file.
func (pager *Pager) Flush() error {
	pager.ptMtx.Lock()
	pager.flushAllPages()
	pager.ptMtx.Unlock()
	return pager.file.Sync()
}

// Truncate shortens the backing file to size bytes and drops any cached pages
// past the new end. Pages to be dropped must not be pinned.
func (pager *Pager) Truncate(size int64) error {
	pager.ptMtx.Lock()
	defer pager.ptMtx.Unlock()
	keep := size / Pagesize
	for pagenum, link := range pager.pageTable {
		if pagenum < keep {
			continue
		}
		page := link.GetValue().(*Page)
		if link.GetList() == pager.pinnedList {
			return errors.New("truncating a pinned page")
		}
		link.PopSelf()
		delete(pager.pageTable, pagenum)
		page.pagenum = NoPage
		page.dirty = false
		pager.freeList.PushTail(page)
	}
	if err := pager.file.Truncate(size); err != nil {
		return err
	}
	pager.numPages = keep
	return nil
}
