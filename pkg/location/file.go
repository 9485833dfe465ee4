package location

import (
	"context"
	"io"
	"os"

	"github.com/arkfield/fdb/pkg/fdberr"
)

// FileLocation is bytes [Offset, Offset+Len) inside a local file named by
// Uri, a local filesystem path opened as is (a "file://" prefix is not
// stripped). This is the only variant with a
// fully working DataHandle in this repo; object-store variants are
// left to an external Store implementation.
type FileLocation struct {
	Common
}

// NewFile builds a FileLocation.
func NewFile(path string, offset, length uint64) *FileLocation {
	return &FileLocation{Common{Uri: path, Offset: offset, Len: length}}
}

func (f *FileLocation) TypeTag() string { return TagFile }

func (f *FileLocation) Encode(w io.Writer) error { return f.Common.encode(w) }

func decodeFile(r io.Reader) (*FileLocation, error) {
	c, err := decodeCommon(r)
	if err != nil {
		return nil, err
	}
	return &FileLocation{c}, nil
}

func (f *FileLocation) StableLocation(ctx context.Context) (FieldLocation, error) {
	return f, nil
}

func (f *FileLocation) DataHandle(ctx context.Context) (io.ReadCloser, error) {
	file, err := os.Open(f.Uri)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fdberr.New(fdberr.NotFound, "location.FileLocation.DataHandle", err).WithURI(f.Uri)
		}
		return nil, fdberr.New(fdberr.Transport, "location.FileLocation.DataHandle", err).WithURI(f.Uri)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fdberr.New(fdberr.Transport, "location.FileLocation.DataHandle", err).WithURI(f.Uri)
	}
	if uint64(info.Size()) < f.Offset+f.Len {
		file.Close()
		return nil, fdberr.Newf(fdberr.Corruption, "location.FileLocation.DataHandle", "truncated: file %s is %d bytes, need %d", f.Uri, info.Size(), f.Offset+f.Len)
	}
	if _, err := file.Seek(int64(f.Offset), io.SeekStart); err != nil {
		file.Close()
		return nil, fdberr.New(fdberr.Transport, "location.FileLocation.DataHandle", err).WithURI(f.Uri)
	}
	return &limitedFile{file: file, r: io.LimitReader(file, int64(f.Len))}, nil
}

// limitedFile adapts io.LimitReader(file, n) plus the underlying *os.File
// into a single io.ReadCloser.
type limitedFile struct {
	file *os.File
	r    io.Reader
}

func (l *limitedFile) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedFile) Close() error                { return l.file.Close() }
