package stores

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hyphae/apis-main/pkg/fault"
)

// DefaultPathFormat returns the path template used when none is configured:
// <tmp>/apis/state/%s.
func DefaultPathFormat() string {
	return filepath.Join(os.TempDir(), "apis", "state", "%s")
}

// FileStore implements LocalKV with one file per key. The file holds the raw
// value; reads trim surrounding whitespace.
type FileStore struct {
	pathFormat string
}

// NewFileStore creates a store over pathFormat, which must contain exactly
// one %s. An empty pathFormat selects DefaultPathFormat.
func NewFileStore(pathFormat string) (*FileStore, error) {
	if pathFormat == "" {
		pathFormat = DefaultPathFormat()
	}
	if strings.Count(pathFormat, "%s") != 1 || strings.Count(pathFormat, "%") != 1 {
		return nil, fmt.Errorf("state path format %q must contain exactly one %%s", pathFormat)
	}
	return &FileStore{pathFormat: filepath.FromSlash(pathFormat)}, nil
}

// Path returns the file backing key.
func (s *FileStore) Path(key string) string {
	return fmt.Sprintf(s.pathFormat, key)
}

// Get returns the trimmed contents of key's file. A missing file is absent,
// not an error.
func (s *FileStore) Get(_ context.Context, key string) (string, bool, error) {
	data, err := os.ReadFile(s.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fault.FileSystem("read "+key, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// Put overwrites key's file, creating the directory and file if needed.
func (s *FileStore) Put(_ context.Context, key, value string) error {
	path := s.Path(key)

	exists, err := fileExists(path)
	if err != nil {
		return fault.FileSystem("stat "+key, err)
	}
	if !exists {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fault.FileSystem("mkdir "+key, err)
		}
		f, createErr := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if createErr != nil {
			// Another writer may have created it first.
			again, err := fileExists(path)
			if err != nil {
				return fault.FileSystem("stat "+key, err)
			}
			if !again {
				return fault.FileSystem("create "+key, createErr)
			}
		} else if err := f.Close(); err != nil {
			return fault.FileSystem("create "+key, err)
		}
	}

	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fault.FileSystem("write "+key, err)
	}
	return nil
}

// Delete removes key's file. A missing file is not an error.
func (s *FileStore) Delete(_ context.Context, key string) error {
	path := s.Path(key)

	exists, err := fileExists(path)
	if err != nil {
		return fault.FileSystem("stat "+key, err)
	}
	if !exists {
		return nil
	}

	if removeErr := os.Remove(path); removeErr != nil {
		// Another writer may have removed it first.
		again, err := fileExists(path)
		if err != nil {
			return fault.FileSystem("stat "+key, err)
		}
		if again {
			return fault.FileSystem("delete "+key, removeErr)
		}
	}
	return nil
}

// List returns every key currently stored with its trimmed value, sorted
// by key.
func (s *FileStore) List(ctx context.Context) ([]KeyValue, error) {
	paths, err := filepath.Glob(fmt.Sprintf(s.pathFormat, "*"))
	if err != nil {
		return nil, fault.FileSystem("list", err)
	}

	prefix, suffix, _ := strings.Cut(s.pathFormat, "%s")
	var out []KeyValue
	for _, p := range paths {
		key := strings.TrimSuffix(strings.TrimPrefix(p, prefix), suffix)
		if key == "" || strings.ContainsRune(key, filepath.Separator) {
			continue
		}
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, KeyValue{Key: key, Value: value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// KeyValue is one stored local entry.
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", path)
	}
	return true, nil
}
