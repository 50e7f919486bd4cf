package disk

import (
	"io"
	"os"
)

// File is the subset of *os.File used by segments and readers.
type File interface {
	io.Reader
	io.Writer
	io.ReaderAt
	io.Seeker
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// FileSystem abstracts the directory holding segment files.
type FileSystem interface {
	// Create creates a new file and fails if it already exists.
	Create(path string) (File, error)
	OpenWrite(path string) (File, error)
	OpenRead(path string) (File, error)
	Remove(path string) error
	Stat(path string) (os.FileInfo, error)
	ReadDir(dir string) ([]string, error)
	MkdirAll(dir string) error
}

// OSFileSystem is the FileSystem backed by the os package.
type OSFileSystem struct{}

func (OSFileSystem) Create(path string) (File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
}

func (OSFileSystem) OpenWrite(path string) (File, error) {
	return os.OpenFile(path, os.O_RDWR, 0o644)
}

func (OSFileSystem) OpenRead(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	adviseSequential(f)
	return f, nil
}

func (OSFileSystem) Remove(path string) error {
	return os.Remove(path)
}

func (OSFileSystem) Stat(path string) (os.FileInfo, error) {
	return os.Stat(path)
}

func (OSFileSystem) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (OSFileSystem) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func fileExists(fs FileSystem, path string) bool {
	_, err := fs.Stat(path)
	return err == nil
}
