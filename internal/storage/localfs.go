package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalFS serves legacy blobs addressed by paths relative to a root
// directory (the web app's public folder in older deployments).
type LocalFS struct {
	root string
}

// NewLocalFS creates a LocalFS rooted at dir.
func NewLocalFS(dir string) *LocalFS {
	return &LocalFS{root: filepath.Clean(dir)}
}

// Root returns the root directory.
func (l *LocalFS) Root() string { return l.root }

// Abs maps a relative legacy path to an absolute filesystem path. Paths that
// would escape the root, lexically or through a symlink, are rejected. The
// returned path has its symlinks resolved.
func (l *LocalFS) Abs(rel string) (string, error) {
	rel = strings.TrimLeft(filepath.FromSlash(rel), string(filepath.Separator))
	if rel == "" {
		return "", fmt.Errorf("empty path")
	}
	full := filepath.Join(l.root, rel)
	if !within(l.root, full) {
		return "", fmt.Errorf("path %q escapes storage root", rel)
	}
	root := l.realRoot()
	resolved, err := resolveExisting(filepath.Join(root, rel))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	if !within(root, resolved) {
		return "", fmt.Errorf("path %q escapes storage root", rel)
	}
	return resolved, nil
}

func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}

func (l *LocalFS) realRoot() string {
	if r, err := filepath.EvalSymlinks(l.root); err == nil {
		return r
	}
	return l.root
}

// resolveExisting evaluates symlinks in the longest existing prefix of p and
// re-attaches the missing tail.
func resolveExisting(p string) (string, error) {
	var tail []string
	for {
		r, err := filepath.EvalSymlinks(p)
		if err == nil {
			return filepath.Join(append([]string{r}, tail...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		tail = append([]string{filepath.Base(p)}, tail...)
		p = parent
	}
}

// Read returns the file contents or ErrNotFound. Files larger than maxBytes
// fail with ErrTooLarge; zero means no limit.
func (l *LocalFS) Read(rel string, maxBytes int64) ([]byte, error) {
	full, err := l.Abs(rel)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && maxBytes > 0 && info.Size() > maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, rel, info.Size())
	}
	data, err := readLimited(f, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// Remove deletes a file. A file that is already gone counts as removed.
func (l *LocalFS) Remove(rel string) error {
	full, err := l.Abs(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", rel, err)
	}
	return nil
}

// PruneEmptyDirs removes the directory containing rel and each parent in
// turn while they are empty, stopping at the root. It returns the relative
// directories that were removed, innermost first.
func (l *LocalFS) PruneEmptyDirs(rel string) ([]string, error) {
	full, err := l.Abs(rel)
	if err != nil {
		return nil, err
	}
	root := l.realRoot()
	var removed []string
	for dir := filepath.Dir(full); dir != root && within(root, dir); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("read dir %s: %w", dir, err)
		}
		if len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove dir %s: %w", dir, err)
		}
		relDir, _ := filepath.Rel(root, dir)
		removed = append(removed, filepath.ToSlash(relDir))
	}
	return removed, nil
}
