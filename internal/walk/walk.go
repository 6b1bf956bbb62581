// Package walk holds the path helpers shared by the file commands: wildcard
// matching, path splitting and joining, and a directory walker that runs
// over any devman.Manager.
package walk

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"strings"

	"devfs/internal/devman"
	"devfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("walk")
)

// FS is the part of devman.Manager the walker needs.
type FS interface {
	Open(ctx context.Context, path string, flags int, mode fs.FileMode) (devman.Descriptor, error)
	Close(ctx context.Context, d devman.Descriptor) error
	OpenDir(ctx context.Context, path string) (*devman.Dir, error)
	ReadDir(ctx context.Context, d *devman.Dir) (*devman.DirEntry, error)
	CloseDir(ctx context.Context, d *devman.Dir) error
}

var _ FS = (*devman.Manager)(nil)

// ErrInvalidPath is returned for paths that are empty, relative or name
// only the top-level root.
var ErrInvalidPath = errors.New("walk: invalid path")

// ErrStop may be returned by a WalkFunc to end the walk early. Walk then
// returns nil.
var ErrStop = errors.New("walk: stop")

// AllMask matches every name.
const AllMask = "*"

// Match reports whether name matches pattern. '?' matches exactly one
// character. '*' matches one or more characters and is not greedy: it
// stops at the first occurrence of the character that follows it, so
// "*.txt" matches "a.txt" but not "a.b.txt". '?' directly after '*' is
// absorbed, and a '*' that ends the pattern matches any remainder.
func Match(name, pattern string) bool {
	s := 0
	for p := 0; p < len(pattern); p++ {
		switch pattern[p] {
		case '*':
			p++
			for p < len(pattern) && pattern[p] == '?' {
				p++
			}
			if p == len(pattern) {
				return true
			}
			for s < len(name) && name[s] != pattern[p] {
				s++
			}
			if s == len(name) {
				return false
			}
			s++
		case '?':
			if s == len(name) {
				return false
			}
			s++
		default:
			if s == len(name) || name[s] != pattern[p] {
				return false
			}
			s++
		}
	}
	return s == len(name)
}

func hasWildcard(path string) bool {
	return strings.ContainsAny(path, "*?")
}

// Join builds an absolute path from elements, adding or dropping
// separators so exactly one sits between elements. Empty elements are
// skipped.
func Join(elems ...string) string {
	var b strings.Builder
	b.WriteByte('/')
	for _, e := range elems {
		if e == "" {
			continue
		}
		b.WriteString(strings.TrimPrefix(e, "/"))
		if !strings.HasSuffix(b.String(), "/") {
			b.WriteByte('/')
		}
	}
	s := b.String()
	if len(s) > 1 {
		s = s[:len(s)-1]
	}
	return s
}

// IsRootDir reports whether path names the top directory of a device, as
// in "/rom" or "/rom/".
func IsRootDir(path string) bool {
	if path == "" || path[0] != '/' {
		return false
	}
	i := strings.IndexByte(path[1:], '/')
	return i < 0 || i+2 == len(path)
}

// Split separates path into the directory to list and the mask to filter
// its entries with. A device root or a path ending in '/' lists
// everything; a last element with wildcards, or naming a file that opens,
// is the mask. Anything else is taken to be a directory.
func Split(ctx context.Context, fsys FS, path string) (dir, mask string, err error) {
	if len(path) < 2 || path[0] != '/' {
		return "", "", ErrInvalidPath
	}
	if strings.IndexByte(path[1:], '/') < 0 {
		return path, AllMask, nil
	}
	if strings.HasSuffix(path, "/") {
		return path[:len(path)-1], AllMask, nil
	}

	i := strings.LastIndexByte(path, '/')
	if hasWildcard(path) {
		return path[:i], path[i+1:], nil
	}
	if isFile(ctx, fsys, path) {
		return path[:i], path[i+1:], nil
	}
	return path, AllMask, nil
}

func isFile(ctx context.Context, fsys FS, path string) bool {
	d, err := fsys.Open(ctx, path, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	if err := fsys.Close(ctx, d); err != nil {
		logger.Debug("Closing probe of %q: %v", path, err)
	}
	return true
}

func isDir(ctx context.Context, fsys FS, path string) bool {
	d, err := fsys.OpenDir(ctx, path)
	if err != nil {
		return false
	}
	if err := fsys.CloseDir(ctx, d); err != nil {
		logger.Debug("Closing probe of %q: %v", path, err)
	}
	return true
}

// Type classifies a path.
type Type int

// Path types reported by Classify.
const (
	TypeDir Type = iota
	TypeFile
	TypePattern
)

func (t Type) String() string {
	switch t {
	case TypeDir:
		return "dir"
	case TypeFile:
		return "file"
	case TypePattern:
		return "pattern"
	}
	return "unknown"
}

// Classify reports what path refers to. Paths naming a device root are
// directories without being probed. It returns an error wrapping
// fs.ErrNotExist when path is neither a pattern nor an existing file or
// directory.
func Classify(ctx context.Context, fsys FS, path string) (Type, error) {
	if len(path) < 2 || path[0] != '/' {
		return 0, ErrInvalidPath
	}
	if strings.IndexByte(path[1:], '/') < 0 {
		return TypeDir, nil
	}
	if strings.HasSuffix(path, "/") {
		if !isDir(ctx, fsys, path) {
			return 0, &fs.PathError{Op: "classify", Path: path, Err: fs.ErrNotExist}
		}
		return TypeDir, nil
	}
	if hasWildcard(path) {
		return TypePattern, nil
	}
	if isFile(ctx, fsys, path) {
		return TypeFile, nil
	}
	if isDir(ctx, fsys, path) {
		return TypeDir, nil
	}
	return 0, &fs.PathError{Op: "classify", Path: path, Err: fs.ErrNotExist}
}

// Event tells a WalkFunc where in the walk it is being called.
type Event int

// Walk events, in the order they occur for one directory.
const (
	// BeforeReadDir: dir was opened; entry is nil.
	BeforeReadDir Event = iota
	// InsideReadDir: entry matched the mask.
	InsideReadDir
	// AfterCloseDir: the listing of dir is complete; entry is nil.
	AfterCloseDir
	// DirectoryDone: dir and, when recursing, everything below it is done.
	DirectoryDone
	// OpenDirFailed: dir could not be opened; entry is nil.
	OpenDirFailed
	// ReadDirFailed: the listing of dir ended with an error.
	ReadDirFailed
)

// WalkFunc is called by Walk. err is set for the failure events. Returning
// a non-nil error stops the walk; ErrStop stops it without error.
type WalkFunc func(dir string, entry *devman.DirEntry, event Event, err error) error

// Walk lists the directory named by path, filtered by the mask Split finds
// in path, calling fn for each event. With recursive set it descends into
// every subdirectory, applying the same mask at each level. Only one
// directory is open at a time.
func Walk(ctx context.Context, fsys FS, path string, recursive bool, fn WalkFunc) error {
	dir, mask, err := Split(ctx, fsys, path)
	if err != nil {
		return err
	}
	logger.Trace("Walking %q mask %q recursive=%v", dir, mask, recursive)
	err = walkDir(ctx, fsys, dir, mask, recursive, fn)
	if errors.Is(err, ErrStop) {
		return nil
	}
	return err
}

func walkDir(ctx context.Context, fsys FS, dir, mask string, recursive bool, fn WalkFunc) error {
	d, err := fsys.OpenDir(ctx, dir)
	if err != nil {
		return fn(dir, nil, OpenDirFailed, err)
	}

	subdirs, err := listDir(ctx, fsys, d, dir, mask, fn)
	if cerr := fsys.CloseDir(ctx, d); cerr != nil {
		logger.Debug("Closing %q: %v", dir, cerr)
	}
	if err != nil {
		return err
	}
	if err := fn(dir, nil, AfterCloseDir, nil); err != nil {
		return err
	}

	if recursive {
		for _, sub := range subdirs {
			if err := walkDir(ctx, fsys, Join(dir, sub), mask, true, fn); err != nil {
				return err
			}
		}
	}
	return fn(dir, nil, DirectoryDone, nil)
}

// listDir reports the matching entries of d and returns the names of all
// its subdirectories.
func listDir(ctx context.Context, fsys FS, d *devman.Dir, dir, mask string, fn WalkFunc) ([]string, error) {
	if err := fn(dir, nil, BeforeReadDir, nil); err != nil {
		return nil, err
	}
	var subdirs []string
	for {
		e, err := fsys.ReadDir(ctx, d)
		if errors.Is(err, io.EOF) {
			return subdirs, nil
		}
		if err != nil {
			return subdirs, fn(dir, nil, ReadDirFailed, err)
		}
		if e.IsDir {
			subdirs = append(subdirs, e.Name)
		}
		if !Match(e.Name, mask) {
			continue
		}
		if err := fn(dir, e, InsideReadDir, nil); err != nil {
			return nil, err
		}
	}
}
