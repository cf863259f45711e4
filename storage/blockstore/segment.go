package blockstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/prometheus/tsdb/wlog"

	"walgroup/storage"
)

// Segment is one file of the store. Its index is the log offset of its first
// byte.
type Segment struct {
	wlog.SegmentFile
	dir     string
	i       uint64
	written int64
}

type SegmentRef struct {
	name  string
	index uint64
}

func (r SegmentRef) Name() string {
	return r.name
}

// Index is the log offset the segment starts at.
func (r SegmentRef) Index() uint64 {
	return r.index
}

func CreateSegment(dir string, i uint64) (*Segment, error) {
	f, err := os.OpenFile(SegmentName(dir, i), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o666)

	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()

	if err != nil {
		f.Close()
		return nil, err
	}

	return &Segment{
		SegmentFile: f,
		dir:         dir,
		i:           i,
		written:     stat.Size(),
	}, nil
}

func OpenReadSegment(dir string, i uint64) (*Segment, error) {
	f, err := os.Open(SegmentName(dir, i))

	if err != nil {
		return nil, err
	}

	return &Segment{SegmentFile: f, dir: dir, i: i}, nil
}

func SegmentName(dir string, i uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d", i))
}

// End is the log offset right after the last written byte.
func (s *Segment) End() uint64 {
	return s.i + uint64(s.written)
}

func LastSegment(dir string) (*SegmentRef, error) {
	refs, err := Segments(dir)

	if err != nil {
		return nil, err
	}

	if len(refs) == 0 {
		return nil, nil
	}

	return &refs[len(refs)-1], nil
}

// Segments lists the segment files of dir ordered by index.
func Segments(dir string) ([]SegmentRef, error) {
	files, err := os.ReadDir(dir)

	if err != nil {
		return nil, err
	}

	refs := make([]SegmentRef, 0, len(files))

	for _, file := range files {
		if file.IsDir() {
			continue
		}

		fileName := file.Name()
		fileNameWithoutExtension := storage.FileNameWithoutExtension(fileName)

		i, err := strconv.ParseUint(fileNameWithoutExtension, 10, 64)

		if err != nil {
			return nil, errors.Wrapf(err, "unable to list segments, unexpected file %q", fileName)
		}

		refs = append(refs, SegmentRef{
			name:  filepath.Join(dir, fileName),
			index: i,
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].index < refs[j].index
	})

	return refs, nil
}
