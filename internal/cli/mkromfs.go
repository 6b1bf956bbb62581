package cli

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"

	"github.com/google/subcommands"

	"devfs/internal/romfs"
)

// MkROMFS implements subcommands.Command for the "mkromfs" command.
type MkROMFS struct {
	output   string
	compress bool
}

// Name implements subcommands.Command.Name.
func (*MkROMFS) Name() string {
	return "mkromfs"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MkROMFS) Synopsis() string {
	return "pack files into a romfs image"
}

// Usage implements subcommands.Command.Usage.
func (*MkROMFS) Usage() string {
	return `mkromfs [-zstd] -o <image> <file>...

Each file is stored under its base name.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *MkROMFS) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.output, "o", "", "image to write")
	f.BoolVar(&c.compress, "zstd", false, "compress the image")
}

// Execute implements subcommands.Command.Execute.
func (c *MkROMFS) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 || c.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var files []romfs.File
	for _, path := range f.Args() {
		data, err := os.ReadFile(path)
		if err != nil {
			return failf("Reading %s: %v", path, err)
		}
		files = append(files, romfs.File{Name: filepath.Base(path), Data: data})
	}

	var buf bytes.Buffer
	if err := romfs.Build(&buf, files); err != nil {
		return failf("Building image: %v", err)
	}
	image := buf.Bytes()
	if c.compress {
		var err error
		if image, err = romfs.Compress(image); err != nil {
			return failf("Compressing image: %v", err)
		}
	}
	if err := os.WriteFile(c.output, image, 0o644); err != nil {
		return failf("Writing %s: %v", c.output, err)
	}
	logger.Info("Wrote %s: %d files, %d bytes", c.output, len(files), len(image))
	return subcommands.ExitSuccess
}
