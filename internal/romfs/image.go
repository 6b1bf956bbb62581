// Package romfs implements a read-only image filesystem device. An image is
// a flat sequence of files packed into one byte slice, so file contents can
// be addressed directly once the image is mapped.
package romfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"devfs/internal/devman"
	"devfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("romfs")
)

const (
	// endMarker in place of a file name ends the image.
	endMarker = 0xFF

	align = 4
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

var (
	// ErrCorrupt indicates an image that does not follow the layout.
	ErrCorrupt = errors.New("romfs: corrupt image")

	// ErrNameTooLong indicates a file name longer than devman.MaxFileName.
	ErrNameTooLong = errors.New("romfs: file name too long")
)

// entry locates one file inside the image.
type entry struct {
	name   string
	offset int
	size   int
}

// Image is a parsed romfs image. It is immutable and safe to share between
// volumes.
type Image struct {
	data    []byte
	entries []entry
	index   map[string]int
}

// File is one input to Build.
type File struct {
	Name string
	Data []byte
}

func pad(n int) int {
	return (align - n%align) % align
}

// Parse validates data as an uncompressed image.
//
// Layout, repeated per file: the name and a NUL byte, zero padding to a
// 4-byte boundary, the size as a little-endian uint32, the contents and
// zero padding to a 4-byte boundary. A 0xFF byte where a name would start
// ends the image.
func Parse(data []byte) (*Image, error) {
	img := &Image{data: data, index: make(map[string]int)}
	pos := 0
	for {
		if pos >= len(data) {
			return nil, fmt.Errorf("%w: missing end marker", ErrCorrupt)
		}
		if data[pos] == endMarker {
			break
		}

		nul := bytes.IndexByte(data[pos:], 0)
		if nul <= 0 {
			return nil, fmt.Errorf("%w: bad name at offset %d", ErrCorrupt, pos)
		}
		if nul > devman.MaxFileName {
			return nil, fmt.Errorf("%w: name at offset %d: %w", ErrCorrupt, pos, ErrNameTooLong)
		}
		name := string(data[pos : pos+nul])
		pos += nul + 1
		pos += pad(pos)

		if pos+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated size of %q", ErrCorrupt, name)
		}
		size := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if size > len(data)-pos {
			return nil, fmt.Errorf("%w: %q claims %d bytes", ErrCorrupt, name, size)
		}
		if _, dup := img.index[name]; dup {
			return nil, fmt.Errorf("%w: duplicate file %q", ErrCorrupt, name)
		}

		img.index[name] = len(img.entries)
		img.entries = append(img.entries, entry{name: name, offset: pos, size: size})
		pos += size
		pos += pad(pos)
	}

	logger.Debug("Parsed image of %d bytes with %d files", len(data), len(img.entries))
	return img, nil
}

// Decode parses data, decompressing it first if it is a zstd frame.
func Decode(data []byte) (*Image, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer dec.Close()
		raw, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		logger.Debug("Decompressed image from %d to %d bytes", len(data), len(raw))
		data = raw
	}
	return Parse(data)
}

// Load reads and decodes the image file at path.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", path, err)
	}
	logger.Info("Loaded image %s (%d files)", path, len(img.entries))
	return img, nil
}

// Build writes an image holding files to w. Files are stored in name order
// so the same input always produces the same image.
func Build(w io.Writer, files []File) error {
	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	seen := make(map[string]bool, len(sorted))
	for _, f := range sorted {
		if f.Name == "" || f.Name[0] == endMarker || strings.ContainsAny(f.Name, "\x00/") {
			return fmt.Errorf("romfs: invalid file name %q", f.Name)
		}
		if len(f.Name) > devman.MaxFileName {
			return fmt.Errorf("%q: %w", f.Name, ErrNameTooLong)
		}
		if seen[f.Name] {
			return fmt.Errorf("romfs: duplicate file %q", f.Name)
		}
		if uint64(len(f.Data)) > uint64(^uint32(0)) {
			return fmt.Errorf("romfs: %q too large", f.Name)
		}
		seen[f.Name] = true

		buf.WriteString(f.Name)
		buf.WriteByte(0)
		buf.Write(make([]byte, pad(buf.Len())))
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(f.Data)))
		buf.Write(size[:])
		buf.Write(f.Data)
		buf.Write(make([]byte, pad(buf.Len())))
	}
	buf.WriteByte(endMarker)

	_, err := w.Write(buf.Bytes())
	return err
}

// Compress wraps a built image in a zstd frame.
func Compress(image []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(image, nil), nil
}

// Names returns the stored file names in image order.
func (img *Image) Names() []string {
	names := make([]string, len(img.entries))
	for i, e := range img.entries {
		names[i] = e.name
	}
	return names
}

// Size returns the length of the uncompressed image.
func (img *Image) Size() int {
	return len(img.data)
}

func (img *Image) lookup(name string) (entry, bool) {
	i, ok := img.index[name]
	if !ok {
		return entry{}, false
	}
	return img.entries[i], true
}
