package pager_test

import (
	"bytes"
	"testing"

	"hammersbald/pkg/pager"
	"hammersbald/test/utils"
)

const cachePages = 8

// setupPager creates a new pager over a fresh file and checks for creation
// errors.
func setupPager(t *testing.T) *pager.Pager {
	t.Parallel()
	dbname := utils.GetTempStoreName(t) + ".dat"
	p, err := pager.New(dbname, cachePages)
	if err != nil {
		t.Fatal("Failed to create a new pager:", err)
	}

	utils.EnsureCleanup(t, func() {
		// Don't check close error since we are only concerned with resource cleanup
		_ = p.Close()
	})
	return p
}

// getNewPage wraps a call to Pager.GetNewPage() with error checking.
// If deferPut is true, queues the page to be put when the test ends.
func getNewPage(t *testing.T, p *pager.Pager, deferPut bool) *pager.Page {
	page, err := p.GetNewPage()
	if err != nil {
		t.Fatal("Error getting new page:", err)
	}

	if deferPut {
		utils.EnsureCleanup(t, func() {
			_ = p.PutPage(page)
		})
	}
	return page
}

// getPage wraps a call to Pager.GetPage(pagenum) with error checking.
// If deferPut is true, queues the page to be put when the test ends.
func getPage(t *testing.T, p *pager.Pager, pagenum int64, deferPut bool) *pager.Page {
	page, err := p.GetPage(pagenum)
	if err != nil {
		t.Fatalf("Error getting existing page %d: %s", pagenum, err)
	}

	if deferPut {
		utils.EnsureCleanup(t, func() {
			err = p.PutPage(page)
			if err != nil {
				t.Errorf("Error putting page %d: %s", page.PageNum(), err)
			}
		})
	}
	return page
}

// writePage writes a page through to disk, failing the test on error.
func writePage(t *testing.T, p *pager.Pager, page *pager.Page) {
	if err := p.WritePage(page); err != nil {
		t.Fatalf("Error writing page %d: %s", page.PageNum(), err)
	}
}

// closeAndReopen closes a pager then reopens it with the same backing file,
// failing the test if any errors are returned.
func closeAndReopen(t *testing.T, p *pager.Pager) *pager.Pager {
	err := p.Close()
	if err != nil {
		t.Fatal("Failed to close pager:", err)
	}

	reopened, err := pager.New(p.GetFileName(), cachePages)
	if err != nil {
		t.Fatal("Failed to reopen pager:", err)
	}
	utils.EnsureCleanup(t, func() {
		_ = reopened.Close()
	})
	return reopened
}

func TestPager(t *testing.T) {
	t.Run("NewPager", testNewPager)
	t.Run("GetNewPage", testGetNewPage)
	t.Run("GetPagePagenumber", testGetPagePagenumber)
	t.Run("NegativePagenumber", testNegativePagenumber)
	t.Run("MaxGetNewPages", testMaxGetNewPages)
	t.Run("WriteThrough", testWriteThrough)
	t.Run("TooManyPuts", testTooManyPuts)
	t.Run("PincountsOnClose", testPincountsOnClose)
	t.Run("GetExistingChangedPage", testGetExistingChangedPage)
	t.Run("Truncate", testTruncate)
	t.Run("Eviction", testEviction)
}

/*
Sets up a new pager and then closes it, checking that no errors
happen along the way.
*/
func testNewPager(t *testing.T) {
	_ = setupPager(t)
}

/*
Checks that the first call to GetNewPage returns a zeroed, dirty page with
page number 0, and that writing it through leaves it clean.
*/
func testGetNewPage(t *testing.T) {
	p := setupPager(t)
	page := getNewPage(t, p, false)
	if page.PageNum() != 0 {
		t.Error("Expected new page to have pagenum 0, but found pagenum", page.PageNum())
	}
	if !page.IsDirty() {
		t.Error("Expected new page to be dirty, but it wasn't")
	}
	writePage(t, p, page)
	if page.IsDirty() {
		t.Error("Expected written-through page to be clean, but it wasn't")
	}
	_ = p.PutPage(page)
}

/*
Appends two pages and retrieves pagenum 1, checking that the pages returned
have the correct pagenums.
*/
func testGetPagePagenumber(t *testing.T) {
	p := setupPager(t)
	p1 := getNewPage(t, p, true)
	writePage(t, p, p1)
	p2 := getNewPage(t, p, true)
	writePage(t, p, p2)
	p3 := getPage(t, p, 1, true)
	if p1.PageNum() != 0 {
		t.Errorf("Expected pagenum %d for new page, but found %d", 0, p1.PageNum())
	}
	if p2.PageNum() != 1 {
		t.Errorf("Expected pagenum %d for new page, but found %d", 1, p2.PageNum())
	}
	if p3.PageNum() != 1 {
		t.Errorf("Expected pagenum %d for existing page, but found %d", 1, p3.PageNum())
	}
}

/*
Checks that GetPage with a negative pagenum returns an error.
*/
func testNegativePagenumber(t *testing.T) {
	p := setupPager(t)
	_, err := p.GetPage(-1)
	if err == nil {
		t.Fatal("Expected GetPage to return an error upon negative pagenumber request")
	}
}

/*
Fills up the cache with pinned pages and checks that requesting one more
fails with ErrRanOutOfPages.
*/
func testMaxGetNewPages(t *testing.T) {
	p := setupPager(t)
	for i := 0; i < cachePages; i++ {
		page := getNewPage(t, p, true)
		writePage(t, p, page)
	}
	page, err := p.GetNewPage()
	if err == nil {
		_ = p.PutPage(page)
		t.Fatal("Should have returned an error for running out of pages")
	}
}

/*
Writes a page through, closes the pager, reopens it, and checks that the
data made it to disk without any explicit flush.
*/
func testWriteThrough(t *testing.T) {
	p := setupPager(t)
	page := getNewPage(t, p, false)
	data := []byte("hello")
	page.Write(0, data)
	writePage(t, p, page)
	_ = p.PutPage(page)

	p = closeAndReopen(t, p)

	page = getPage(t, p, 0, true)
	if !bytes.Equal(page.Data()[:len(data)], data) {
		t.Fatal("Data not written through properly")
	}
}

/*
Tests that PutPage() works as expected by getting a page and putting
it away, then checks that a second put returns an error because the
pincount would drop below zero.
*/
func testTooManyPuts(t *testing.T) {
	p := setupPager(t)
	page := getNewPage(t, p, false)
	writePage(t, p, page)
	err := p.PutPage(page)
	if err != nil {
		t.Fatal("Initial put page shouldn't fail, but failed with:", err)
	}
	err = p.PutPage(page)
	if err == nil {
		t.Fatal("PutPage should fail because pincount < 0, but it didn't")
	}
}

/*
Tests that closing a pager with pages still pinned returns an error.
*/
func testPincountsOnClose(t *testing.T) {
	p := setupPager(t)
	page := getNewPage(t, p, false)
	writePage(t, p, page)
	err := p.Close()
	if err == nil {
		t.Fatal("Did not receive expected error about pages still being pinned on close")
	}
	_ = p.PutPage(page)
}

/*
Updates a cached page without writing it through and makes sure that GetPage
returns the same frame with the new data (served from the cache, not disk).
*/
func testGetExistingChangedPage(t *testing.T) {
	p := setupPager(t)
	p1 := getNewPage(t, p, true)
	writePage(t, p, p1)
	data := []byte("test data")
	p1.Write(0, data)
	p2 := getPage(t, p, 0, true)
	if p1 != p2 {
		t.Error("Pages returned are not the same")
	}
	if !bytes.Equal(p2.Data()[:len(data)], data) {
		t.Error("Data not retained in buffer cache")
	}
}

/*
Appends three pages, truncates to one, and checks that the page count and
file size shrink and that the remaining page is still readable.
*/
func testTruncate(t *testing.T) {
	p := setupPager(t)
	for i := 0; i < 3; i++ {
		page := getNewPage(t, p, false)
		data := []byte{byte('a' + i)}
		page.Write(0, data)
		writePage(t, p, page)
		_ = p.PutPage(page)
	}
	if err := p.Truncate(pager.Pagesize); err != nil {
		t.Fatal("Failed to truncate:", err)
	}
	if p.GetNumPages() != 1 {
		t.Errorf("Expected 1 page after truncate, but found %d", p.GetNumPages())
	}
	page := getPage(t, p, 0, true)
	if page.Data()[0] != 'a' {
		t.Error("Surviving page lost its data after truncate")
	}
	if _, err := p.GetPage(1); err == nil {
		t.Error("Expected an error reading a truncated page")
	}
}

/*
Appends more pages than the cache holds, putting each one, so that eviction
must kick in; then checks every page's content survived on disk.
*/
func testEviction(t *testing.T) {
	p := setupPager(t)
	for i := 0; i < cachePages*3; i++ {
		page := getNewPage(t, p, false)
		data := []byte{byte(i)}
		page.Write(0, data)
		writePage(t, p, page)
		_ = p.PutPage(page)
	}
	for i := 0; i < cachePages*3; i++ {
		page := getPage(t, p, int64(i), false)
		if page.Data()[0] != byte(i) {
			t.Errorf("Page %d lost its data across eviction", i)
		}
		_ = p.PutPage(page)
	}
}
