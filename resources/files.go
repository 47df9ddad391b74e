package resources

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Mapping is a read-only view of a file's contents, memory-mapped where the
// platform allows it. Many processes mapping the same file share its pages.
type Mapping struct {
	Path  string
	Data  []byte
	file  *os.File
	unmap func() error
}

// MapFile
// Opens `path` read-only and maps its contents. Empty files are not mapped
// and yield an empty Data slice.
func MapFile(path string) (*Mapping, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	m := &Mapping{Path: path, file: file}
	if stat.Size() == 0 {
		m.Data = []byte{}
		return m, nil
	}
	data, unmap, err := readMmap(file)
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "error trying to mmap %s", path)
	}
	m.Data = data
	m.unmap = unmap
	return m, nil
}

// Close unmaps the data and closes the file. Data must not be used after.
func (m *Mapping) Close() error {
	if m == nil || m.file == nil {
		return nil
	}
	var unmapErr error
	if m.unmap != nil {
		unmapErr = m.unmap()
	}
	closeErr := m.file.Close()
	m.file, m.Data, m.unmap = nil, nil, nil
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

// FileExists
// Reports whether a regular file exists at `path`. Errors other than
// non-existence (e.g. permission failures) are returned.
func FileExists(path string) (bool, error) {
	stat, err := os.Stat(path)
	if err == nil {
		return !stat.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// WriteCounter counts the number of bytes written to it, and every 10 seconds,
// it logs a message reporting the number of bytes written so far.
type WriteCounter struct {
	Total    uint64
	Last     time.Time
	Reported bool
	Path     string
}

func (wc *WriteCounter) Write(p []byte) (int, error) {
	n := len(p)
	wc.Total += uint64(n)
	if time.Since(wc.Last).Seconds() > 10 {
		wc.Reported = true
		wc.Last = time.Now()
		klog.Infof("Writing %s... %s completed.", wc.Path,
			humanize.Bytes(wc.Total))
	}
	return n, nil
}

// WriteAtomic
// Streams the output of `write` into a temporary file in the directory of
// `path`, syncs it and renames it over `path`. Readers either see no file or
// the complete file. Returns the number of bytes written.
func WriteAtomic(path string, perm os.FileMode,
	write func(w io.Writer) error) (uint64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}
	tmpPath := filepath.Join(dir,
		"."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
	if err != nil {
		return 0, err
	}
	fail := func(err error) (uint64, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}

	counter := &WriteCounter{Last: time.Now(), Path: path}
	bw := bufio.NewWriterSize(io.MultiWriter(tmp, counter), 1024*1024)
	if err := write(bw); err != nil {
		return fail(err)
	}
	if err := bw.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}
	// Best effort: persist the rename itself.
	if dirHandle, dirErr := os.Open(dir); dirErr == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}
	if counter.Reported {
		klog.Infof("Wrote %s... %s completed.", path,
			humanize.Bytes(counter.Total))
	}
	return counter.Total, nil
}
