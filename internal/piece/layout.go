package piece

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"fetchd/internal/metainfo"
)

// Storage is the random access backing a Store.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

type layoutFile struct {
	path   string
	offset int64
	length int64
}

// FileLayout maps the concatenated torrent content onto the files below a
// directory, splitting reads and writes that span file boundaries.
type FileLayout struct {
	dir   string
	files []layoutFile

	mu      sync.Mutex
	handles map[int]*os.File
}

// NewFileLayout lays out the files of m below dir.
func NewFileLayout(dir string, m *metainfo.Metadata) *FileLayout {
	paths := m.FilePaths()
	files := make([]layoutFile, len(m.Files))
	for i, f := range m.Files {
		files[i] = layoutFile{
			path:   filepath.Join(dir, filepath.FromSlash(paths[i])),
			offset: f.Offset,
			length: f.Length,
		}
	}
	return &FileLayout{dir: dir, files: files, handles: make(map[int]*os.File)}
}

// Paths returns the absolute path of every file.
func (l *FileLayout) Paths() []string {
	out := make([]string, len(l.files))
	for i, f := range l.files {
		out[i] = f.path
	}
	return out
}

// Allocate creates the directories and every file, including empty ones.
func (l *FileLayout) Allocate() error {
	for i := range l.files {
		l.mu.Lock()
		_, err := l.open(i, true)
		l.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteAt writes p at the content offset off.
func (l *FileLayout) WriteAt(p []byte, off int64) (int, error) {
	return l.span(p, off, true)
}

// ReadAt reads len(p) bytes at the content offset off. Reading a file that
// does not exist yet fails with an error wrapping os.ErrNotExist.
func (l *FileLayout) ReadAt(p []byte, off int64) (int, error) {
	return l.span(p, off, false)
}

func (l *FileLayout) span(p []byte, off int64, write bool) (int, error) {
	// first file whose range ends after off
	i := sort.Search(len(l.files), func(i int) bool {
		return l.files[i].offset+l.files[i].length > off
	})

	l.mu.Lock()
	defer l.mu.Unlock()

	done := 0
	for ; done < len(p) && i < len(l.files); i++ {
		f := l.files[i]
		if f.length == 0 {
			continue
		}
		pos := off + int64(done) - f.offset
		n := int64(len(p) - done)
		if rem := f.length - pos; n > rem {
			n = rem
		}
		h, err := l.open(i, write)
		if err != nil {
			return done, err
		}
		chunk := p[done : done+int(n)]
		if write {
			_, err = h.WriteAt(chunk, pos)
		} else {
			_, err = h.ReadAt(chunk, pos)
		}
		if err != nil {
			return done, fmt.Errorf("%s: %w", f.path, err)
		}
		done += int(n)
	}
	if done < len(p) {
		return done, io.ErrUnexpectedEOF
	}
	return done, nil
}

func (l *FileLayout) open(i int, create bool) (*os.File, error) {
	if h, ok := l.handles[i]; ok {
		return h, nil
	}
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
		if err := os.MkdirAll(filepath.Dir(l.files[i].path), 0o755); err != nil {
			return nil, err
		}
	}
	h, err := os.OpenFile(l.files[i].path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	l.handles[i] = h
	return h, nil
}

// Close closes every open file handle.
func (l *FileLayout) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for i, h := range l.handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(l.handles, i)
	}
	return errors.Join(errs...)
}

// Remove closes the layout and deletes its files. Directories left empty
// below the layout root are removed too.
func (l *FileLayout) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	for _, f := range l.files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		for dir := filepath.Dir(f.path); dir != l.dir && len(dir) > len(l.dir); dir = filepath.Dir(dir) {
			if os.Remove(dir) != nil {
				break
			}
		}
	}
	return nil
}
