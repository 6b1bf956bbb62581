package walk

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devfs/internal/devman"
	"devfs/internal/hostfs"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		want    bool
	}{
		{"main.lua", "main.lua", true},
		{"main.lua", "main.lu", false},
		{"main.lua", "*", true},
		{"", "*", true},
		{"main.lua", "*.lua", true},
		{"main.lua", "*.txt", false},
		{"a.b.lua", "*.lua", false},
		{"main.lua", "m???.lua", true},
		{"main.lua", "m??.lua", false},
		{"main.lua", "m*?", true},
		{"main.lua", "*?.lua", true},
		{"abc", "a*c", true},
		{"abcbc", "a*c", false},
		{"ab", "a?", true},
		{"a", "a?", false},
		{"x", "", false},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name+"~"+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.name, tt.pattern))
		})
	}
}

func TestJoin(t *testing.T) {
	tests := []struct {
		elems []string
		want  string
	}{
		{[]string{"/rom", "main.lua"}, "/rom/main.lua"},
		{[]string{"/rom/", "/main.lua"}, "/rom/main.lua"},
		{[]string{"rfs", "", "logs", "a.txt"}, "/rfs/logs/a.txt"},
		{[]string{"/"}, "/"},
		{[]string{"/", "x"}, "/x"},
		{nil, "/"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Join(tt.elems...), "Join(%q)", tt.elems)
	}
}

func TestIsRootDir(t *testing.T) {
	for path, want := range map[string]bool{
		"/rom":      true,
		"/rom/":     true,
		"/":         true,
		"/rom/a":    false,
		"/rom/a/":   false,
		"rom":       false,
		"":          false,
		"/rom//":    false,
		"/rfs/logs": false,
	} {
		assert.Equal(t, want, IsRootDir(path), path)
	}
}

// newTree registers a host directory laid out as
//
//	/host/readme.txt
//	/host/main.lua
//	/host/lib/util.lua
//	/host/lib/deep/x.lua
//	/host/empty/
func newTree(t *testing.T) *devman.Manager {
	t.Helper()
	root := t.TempDir()
	for _, f := range []string{"readme.txt", "main.lua", "lib/util.lua", "lib/deep/x.lua"} {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o755))

	vol, err := hostfs.NewVolume(root, 0)
	require.NoError(t, err)
	t.Cleanup(vol.CloseAll)
	m := devman.NewManager(devman.WithMaxOpenDirs(1))
	_, err = m.Register("/host", vol, hostfs.Device{})
	require.NoError(t, err)
	return m
}

func TestSplit(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)

	tests := []struct {
		path string
		dir  string
		mask string
	}{
		{"/host", "/host", "*"},
		{"/host/", "/host", "*"},
		{"/host/lib/", "/host/lib", "*"},
		{"/host/*.lua", "/host", "*.lua"},
		{"/host/lib/u?il.lua", "/host/lib", "u?il.lua"},
		{"/host/main.lua", "/host", "main.lua"},
		{"/host/lib", "/host/lib", "*"},
		{"/host/missing", "/host/missing", "*"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			dir, mask, err := Split(ctx, m, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.dir, dir)
			assert.Equal(t, tt.mask, mask)
		})
	}

	for _, bad := range []string{"", "/", "host"} {
		_, _, err := Split(ctx, m, bad)
		require.ErrorIs(t, err, ErrInvalidPath, bad)
	}
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)

	for path, want := range map[string]Type{
		"/host":          TypeDir,
		"/host/lib/":     TypeDir,
		"/host/lib":      TypeDir,
		"/host/main.lua": TypeFile,
		"/host/*.lua":    TypePattern,
	} {
		got, err := Classify(ctx, m, path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}

	_, err := Classify(ctx, m, "/host/missing")
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = Classify(ctx, m, "/host/missing/")
	require.ErrorIs(t, err, fs.ErrNotExist)
	assert.Equal(t, 0, m.OpenDirs())
}

type record struct {
	Dir   string
	Name  string
	Event Event
}

func collect(events *[]record) WalkFunc {
	return func(dir string, e *devman.DirEntry, ev Event, err error) error {
		r := record{Dir: dir, Event: ev}
		if e != nil {
			r.Name = e.Name
		}
		*events = append(*events, r)
		return nil
	}
}

func TestWalkFlat(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)

	var events []record
	require.NoError(t, Walk(ctx, m, "/host/*.lua", false, collect(&events)))
	want := []record{
		{Dir: "/host", Event: BeforeReadDir},
		{Dir: "/host", Name: "main.lua", Event: InsideReadDir},
		{Dir: "/host", Event: AfterCloseDir},
		{Dir: "/host", Event: DirectoryDone},
	}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestWalkRecursive(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)

	var files []string
	err := Walk(ctx, m, "/host/*.lua", true, func(dir string, e *devman.DirEntry, ev Event, err error) error {
		require.NoError(t, err)
		if ev == InsideReadDir && !e.IsDir {
			files = append(files, Join(dir, e.Name))
		}
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/host/main.lua", "/host/lib/util.lua", "/host/lib/deep/x.lua"}, files)
	assert.Equal(t, 0, m.OpenDirs(), "walker leaked a directory handle")
}

func TestWalkStop(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)

	calls := 0
	err := Walk(ctx, m, "/host", true, func(dir string, e *devman.DirEntry, ev Event, err error) error {
		calls++
		if ev == InsideReadDir {
			return ErrStop
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, m.OpenDirs())

	boom := errors.New("boom")
	err = Walk(ctx, m, "/host", true, func(string, *devman.DirEntry, Event, error) error {
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 0, m.OpenDirs())
}

func TestWalkOpenDirFailed(t *testing.T) {
	ctx := context.Background()
	m := newTree(t)

	var events []record
	var failure error
	err := Walk(ctx, m, "/host/missing", false, func(dir string, e *devman.DirEntry, ev Event, err error) error {
		if ev == OpenDirFailed {
			failure = err
		}
		return collect(&events)(dir, e, ev, err)
	})
	require.NoError(t, err)
	assert.Equal(t, []record{{Dir: "/host/missing", Event: OpenDirFailed}}, events)
	require.ErrorIs(t, failure, fs.ErrNotExist)
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "pattern", TypePattern.String())
	assert.Equal(t, "unknown", Type(9).String())
}
