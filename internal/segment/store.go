package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"

	"tick-ingestor/internal/models"
)

// LocalStore persists segment files under {baseDir}/{symbol}/{date}/.
// The directory tree plus the filename codec is the durable source of truth
// the supervisor reads during bootstrap.
type LocalStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

// Dir returns the directory holding one job's segments.
func (s *LocalStore) Dir(symbol, date string) string {
	return filepath.Join(s.baseDir, symbol, date)
}

// BaseDir returns the store root.
func (s *LocalStore) BaseDir() string {
	return s.baseDir
}

// Commit writes ticks to a temp file, forces them to disk, and atomically
// renames to the final segment name. A file under its final name is always
// complete; partial writes are only ever visible with the temp suffix.
func (s *LocalStore) Commit(symbol, date string, startTS int64, instanceID string, ticks []models.Tick) (string, error) {
	dir := s.Dir(symbol, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create segment dir: %w", err)
	}
	final := filepath.Join(dir, Name(startTS, instanceID))
	tmp := final + TmpSuffix

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create temp segment: %w", err)
	}
	w := parquet.NewGenericWriter[models.Tick](f)
	if _, err := w.Write(ticks); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write segment rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("close segment writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync segment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close segment file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("commit segment: %w", err)
	}
	return final, nil
}

// FindStart returns any committed files for the given start timestamp,
// regardless of which instance wrote them.
func (s *LocalStore) FindStart(symbol, date string, startTS int64) ([]string, error) {
	pattern := filepath.Join(s.Dir(symbol, date), fmt.Sprintf("part_%d_*%s", startTS, Ext))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("glob segments: %w", err)
	}
	files := matches[:0]
	for _, m := range matches {
		if !strings.HasSuffix(m, TmpSuffix) {
			files = append(files, m)
		}
	}
	return files, nil
}

// File is one committed segment discovered on disk.
type File struct {
	Path       string
	StartTS    int64
	InstanceID string
}

// List returns the committed segments for one job, sorted by start timestamp.
// Temp files and foreign files are skipped.
func (s *LocalStore) List(symbol, date string) ([]File, error) {
	entries, err := os.ReadDir(s.Dir(symbol, date))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read segment dir: %w", err)
	}
	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		start, instance, err := ParseName(e.Name())
		if err != nil {
			continue
		}
		files = append(files, File{
			Path:       filepath.Join(s.Dir(symbol, date), e.Name()),
			StartTS:    start,
			InstanceID: instance,
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].StartTS < files[j].StartTS
	})
	return files, nil
}

// Jobs walks the store and returns the (symbol, date) pairs that have at
// least one committed segment on disk.
func (s *LocalStore) Jobs() ([][2]string, error) {
	symbols, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}
	var jobs [][2]string
	for _, sym := range symbols {
		if !sym.IsDir() {
			continue
		}
		dates, err := os.ReadDir(filepath.Join(s.baseDir, sym.Name()))
		if err != nil {
			continue
		}
		for _, d := range dates {
			if d.IsDir() {
				jobs = append(jobs, [2]string{sym.Name(), d.Name()})
			}
		}
	}
	return jobs, nil
}

// Inspect verifies that a committed file is structurally sane and returns its
// row count and last tick timestamp. A zero-row or unparseable file is
// reported through err.
func (s *LocalStore) Inspect(path string) (rows int, lastTS int64, err error) {
	ticks, err := parquet.ReadFile[models.Tick](path)
	if err != nil {
		return 0, 0, fmt.Errorf("read segment %s: %w", path, err)
	}
	if len(ticks) == 0 {
		return 0, 0, fmt.Errorf("segment %s has no rows", path)
	}
	last := ticks[0].TS
	for _, t := range ticks {
		if t.TS > last {
			last = t.TS
		}
	}
	return len(ticks), last, nil
}
