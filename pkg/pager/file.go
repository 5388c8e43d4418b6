package pager

import (
	"fmt"
	"os"
	"strings"

	"hammersbald/pkg/dberr"

	"github.com/ncw/directio"
)

// A File is a typed view of one OS file as a sequence of fixed-size pages.
// It is the only path to disk; the Pager layers the page cache on top of it.
type File struct {
	file     *os.File // File descriptor for the backing file on disk.
	numPages int64    // The number of whole pages currently on disk.
}

// OpenFile opens (or creates) the file at filePath for paged access.
// A file whose size is not a whole number of pages is corrupt.
func OpenFile(filePath string) (*File, error) {
	// Create the necessary prerequisite directories.
	if idx := strings.LastIndex(filePath, "/"); idx != -1 {
		if err := os.MkdirAll(filePath[:idx], 0775); err != nil {
			return nil, err
		}
	}
	file, err := directio.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.Size()%Pagesize != 0 {
		file.Close()
		return nil, fmt.Errorf("%s is not page aligned: %w", filePath, dberr.ErrCorrupt)
	}
	return &File{file: file, numPages: info.Size() / Pagesize}, nil
}

// Name returns the file name/path used to open the backing file.
func (f *File) Name() string {
	return f.file.Name()
}

// NumPages returns the number of whole pages on disk.
func (f *File) NumPages() int64 {
	return f.numPages
}

// Size returns the file size in bytes.
func (f *File) Size() int64 {
	return f.numPages * Pagesize
}

// ReadPage fills buf (one page) with the content of page pagenum.
func (f *File) ReadPage(pagenum int64, buf []byte) error {
	if pagenum < 0 || pagenum >= f.numPages {
		return fmt.Errorf("page %d of %s: %w", pagenum, f.file.Name(), dberr.ErrNotFound)
	}
	if _, err := f.file.ReadAt(buf, pagenum*Pagesize); err != nil {
		return fmt.Errorf("read page %d of %s: %w", pagenum, f.file.Name(), err)
	}
	return nil
}

// WritePage writes buf (one page) at page pagenum. Writing at pagenum equal
// to the current page count extends the file by exactly one page; a short
// append is truncated back so the length is unchanged on failure.
func (f *File) WritePage(pagenum int64, buf []byte) error {
	if pagenum < 0 || pagenum > f.numPages {
		return fmt.Errorf("write past end of %s (page %d)", f.file.Name(), pagenum)
	}
	n, err := f.file.WriteAt(buf, pagenum*Pagesize)
	if err != nil || n < len(buf) {
		if pagenum == f.numPages {
			// Undo a partial append.
			f.file.Truncate(f.numPages * Pagesize)
		}
		if err == nil {
			err = fmt.Errorf("short write")
		}
		return fmt.Errorf("write page %d of %s: %w", pagenum, f.file.Name(), err)
	}
	if pagenum == f.numPages {
		f.numPages++
	}
	return nil
}

// Truncate shortens the file to size bytes. Sizes recorded by the store are
// always page aligned; anything else is corruption.
func (f *File) Truncate(size int64) error {
	if size%Pagesize != 0 {
		return fmt.Errorf("truncate %s to unaligned size %d: %w", f.file.Name(), size, dberr.ErrCorrupt)
	}
	if err := f.file.Truncate(size); err != nil {
		return fmt.Errorf("truncate %s: %w", f.file.Name(), err)
	}
	f.numPages = size / Pagesize
	return nil
}

// Sync forces kernel and device durability.
func (f *File) Sync() error {
	return f.file.Sync()
}

// Close closes the backing file.
func (f *File) Close() error {
	return f.file.Close()
}
