package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wp-statistics/wp-statistics-sub008/internal/fault"
)

// LocalStore keeps artifacts as files under a base directory.
type LocalStore struct {
	baseDir string
}

// NewLocalStore builds a filesystem-backed store rooted at baseDir.
func NewLocalStore(baseDir string) *LocalStore {
	return &LocalStore{baseDir: baseDir}
}

func (l *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fault.Validation("invalid artifact key %q", key)
	}
	return filepath.Join(l.baseDir, clean), nil
}

func (l *LocalStore) Put(_ context.Context, key string, body io.Reader) (int64, error) {
	path, err := l.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fault.Wrap(fault.KindIO, fmt.Errorf("mkdir for %s: %w", key, err))
	}
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fault.Wrap(fault.KindIO, fmt.Errorf("create %s: %w", key, err))
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fault.Wrap(fault.KindIO, fmt.Errorf("write %s: %w", key, err))
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, fault.Wrap(fault.KindIO, fmt.Errorf("finalize %s: %w", key, err))
	}
	return n, nil
}

func (l *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, int64, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, fault.NotFound("artifact %q", key)
	}
	if err != nil {
		return nil, 0, fault.Wrap(fault.KindIO, fmt.Errorf("open %s: %w", key, err))
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fault.Wrap(fault.KindIO, fmt.Errorf("stat %s: %w", key, err))
	}
	return f, st.Size(), nil
}

func (l *LocalStore) Stat(_ context.Context, key string) (Info, error) {
	path, err := l.path(key)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Info{}, fault.NotFound("artifact %q", key)
	}
	if err != nil {
		return Info{}, fault.Wrap(fault.KindIO, fmt.Errorf("stat %s: %w", key, err))
	}
	return Info{Key: key, Size: st.Size(), ModTime: st.ModTime()}, nil
}

func (l *LocalStore) List(_ context.Context, prefix string) ([]Info, error) {
	var infos []Info
	root := l.baseDir
	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if os.IsNotExist(err) {
			return filepath.SkipAll
		}
		if err != nil || fi.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && !strings.HasSuffix(key, ".part") {
			infos = append(infos, Info{Key: key, Size: fi.Size(), ModTime: fi.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindIO, fmt.Errorf("list %q: %w", prefix, err))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); os.IsNotExist(err) {
		return fault.NotFound("artifact %q", key)
	} else if err != nil {
		return fault.Wrap(fault.KindIO, fmt.Errorf("delete %s: %w", key, err))
	}
	return nil
}
