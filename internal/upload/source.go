package upload

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Source is a file offered by the caller together with a way to read its content.
type Source struct {
	Name string
	Size int64
	Type string
	Open func() (io.ReadCloser, error)
}

// Spec returns the admission spec of the source.
func (s Source) Spec() Spec {
	return Spec{Name: s.Name, Size: s.Size, Type: s.Type}
}

// FromPath builds a Source for a file on disk.
func FromPath(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Source{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Source{}, fmt.Errorf("%s is a directory", path)
	}
	return Source{
		Name: filepath.Base(path),
		Size: info.Size(),
		Type: TypeOf(path),
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// ProgressReader reports read progress as a percentage of Total. Reports are
// only emitted when the integer percentage changes.
type ProgressReader struct {
	r        io.Reader
	total    int64
	read     atomic.Int64
	last     int
	onChange func(percent int)
}

// NewProgressReader wraps r. total <= 0 disables reporting until EOF.
func NewProgressReader(r io.Reader, total int64, onChange func(percent int)) *ProgressReader {
	return &ProgressReader{r: r, total: total, last: -1, onChange: onChange}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read.Add(int64(n))
	}
	if err == io.EOF {
		p.report(100)
	} else if p.total > 0 {
		p.report(int(min(p.read.Load()*100/p.total, 100)))
	}
	return n, err
}

// BytesRead returns how many bytes passed through the reader.
func (p *ProgressReader) BytesRead() int64 {
	return p.read.Load()
}

func (p *ProgressReader) report(percent int) {
	if percent == p.last || p.onChange == nil {
		return
	}
	p.last = percent
	p.onChange(percent)
}
