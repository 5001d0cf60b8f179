package fedfs

import (
	"io"
	"io/fs"
)

// openFile implements fs.File for entry content.
type openFile struct {
	io.ReadCloser
	info fs.FileInfo
}

func (f *openFile) Stat() (fs.FileInfo, error) {
	return f.info, nil
}

// ReadAt is available if the underlying stream supports random access.
func (f *openFile) ReadAt(p []byte, off int64) (int, error) {
	ra, ok := f.ReadCloser.(io.ReaderAt)
	if !ok {
		return 0, &fs.PathError{Op: "readat", Path: f.info.Name(), Err: fs.ErrInvalid}
	}
	return ra.ReadAt(p, off)
}

// openDir implements fs.ReadDirFile for a directory listing taken at Open.
type openDir struct {
	info    fs.FileInfo
	entries []*Entry
	offset  int
}

func (d *openDir) Read(_ []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.info.Name(), Err: fs.ErrInvalid}
}

func (d *openDir) Stat() (fs.FileInfo, error) {
	return d.info, nil
}

func (d *openDir) Close() error {
	return nil
}

func (d *openDir) ReadDir(n int) ([]fs.DirEntry, error) {
	rest := d.entries[d.offset:]
	if n > 0 {
		if len(rest) == 0 {
			return nil, io.EOF
		}
		rest = rest[:min(n, len(rest))]
	}
	d.offset += len(rest)
	entries := make([]fs.DirEntry, len(rest))
	for i, e := range rest {
		entries[i] = e.DirEntry()
	}
	return entries, nil
}
