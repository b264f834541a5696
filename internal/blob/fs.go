package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Filesystem stores each artifact as a payload file plus a .meta.json
// sidecar under a root directory. Keys may contain slashes; they map to
// subdirectories.
type Filesystem struct {
	root string
	now  func() time.Time
}

var _ Store = (*Filesystem)(nil)

const metaSuffix = ".meta.json"

// NewFilesystem opens (creating if needed) the artifact root.
func NewFilesystem(root string) (*Filesystem, error) {
	if root == "" {
		root = "exportdata"
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Filesystem{root: root, now: time.Now}, nil
}

func (f *Filesystem) Driver() Driver { return DriverFilesystem }

// Root returns the configured artifact directory.
func (f *Filesystem) Root() string { return f.root }

func (f *Filesystem) pathFor(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(f.root, clean), nil
}

func (f *Filesystem) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return Info{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrExists, key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return Info{}, fmt.Errorf("create blob dirs: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return Info{}, fmt.Errorf("read payload: %w", err)
	}
	info := Info{
		Key:          key,
		Size:         int64(len(body)),
		ContentType:  opts.ContentType,
		Metadata:     cloneStringMap(opts.Metadata),
		LastModified: f.now().UTC(),
	}
	sidecar, err := json.Marshal(info)
	if err != nil {
		return Info{}, fmt.Errorf("encode sidecar: %w", err)
	}
	if err := os.WriteFile(path, body, 0o640); err != nil {
		return Info{}, fmt.Errorf("write payload: %w", err)
	}
	if err := os.WriteFile(path+metaSuffix, sidecar, 0o640); err != nil {
		return Info{}, fmt.Errorf("write sidecar: %w", err)
	}
	return info, nil
}

func (f *Filesystem) Get(ctx context.Context, key string) (Info, io.ReadCloser, error) {
	info, err := f.Head(ctx, key)
	if err != nil {
		return Info{}, nil, err
	}
	path, err := f.pathFor(key)
	if err != nil {
		return Info{}, nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return Info{}, nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	return info, file, nil
}

func (f *Filesystem) Head(ctx context.Context, key string) (Info, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return Info{}, err
	}
	sidecar, err := os.ReadFile(path + metaSuffix)
	if err != nil {
		return Info{}, fmt.Errorf("blob %s: %w", key, err)
	}
	var info Info
	if err := json.Unmarshal(sidecar, &info); err != nil {
		return Info{}, fmt.Errorf("decode sidecar %s: %w", key, err)
	}
	return info, nil
}

func (f *Filesystem) Delete(ctx context.Context, key string) (bool, error) {
	path, err := f.pathFor(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("remove payload: %w", err)
	}
	_ = os.Remove(path + metaSuffix)
	return true, nil
}

func (f *Filesystem) List(ctx context.Context, prefix string) ([]Info, error) {
	var out []Info
	err := filepath.WalkDir(f.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		sidecar, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var info Info
		if err := json.Unmarshal(sidecar, &info); err != nil {
			return fmt.Errorf("decode sidecar %s: %w", path, err)
		}
		if prefix == "" || strings.HasPrefix(info.Key, prefix) {
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (f *Filesystem) PresignURL(ctx context.Context, key string, opts SignedURLOptions) (string, error) {
	return "", ErrUnsupported
}
