// Package console implements the stream device behind the standard
// descriptors. Local handle 0 reads a line-edited input stream, 1 and 2
// write to the output and error streams.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"syscall"

	"devfs/internal/devman"
	"devfs/internal/logging"
)

var (
	logger = logging.GetLogger().WithPrefix("console")
)

// Local handles; the console sits at index 0, so they equal the standard
// descriptors.
const (
	stdin  = int(devman.Stdin)
	stdout = int(devman.Stdout)
	stderr = int(devman.Stderr)
)

const (
	ctrlZ     = 0x1A
	backspace = 0x08
	del       = 0x7F
)

// Device is the console device. It has no open or close: the only handles
// it serves are the standard descriptors bound by devman.Manager.Init.
type Device struct{}

var (
	_ devman.Reader = Device{}
	_ devman.Writer = Device{}
)

// Stream is the console instance data.
type Stream struct {
	in  *bufio.Reader
	out io.Writer
	err io.Writer

	// CRLF makes writes emit "\r\n" for every "\n".
	CRLF bool
	// Echo makes reads echo accepted input to the output stream, as a
	// terminal line discipline would.
	Echo bool
}

// NewStream returns console data reading from in and writing to out and
// errOut. errOut may be nil, in which case standard error goes to out.
func NewStream(in io.Reader, out, errOut io.Writer) *Stream {
	if errOut == nil {
		errOut = out
	}
	return &Stream{in: bufio.NewReader(in), out: out, err: errOut}
}

func stream(pdata any) (*Stream, error) {
	s, ok := pdata.(*Stream)
	if !ok || s == nil {
		return nil, fmt.Errorf("console: instance data is %T, not *console.Stream", pdata)
	}
	return s, nil
}

// Kind implements devman.Device.
func (Device) Kind() string { return "console" }

// Read returns at most one line of input. A CR or LF ends the line and is
// delivered as "\n"; backspace removes the previous character; other
// control characters are dropped. Ctrl-Z is end of file and discards the
// unfinished line. The end of the input stream ends the read with what was
// collected so far.
func (Device) Read(_ context.Context, fd int, p []byte, pdata any) (int, error) {
	s, err := stream(pdata)
	if err != nil {
		return 0, err
	}
	if fd < stdin || fd > stderr {
		return 0, syscall.EBADF
	}
	if fd != stdin {
		return 0, syscall.EINVAL
	}

	i := 0
	for i < len(p) {
		c, err := s.in.ReadByte()
		if err == io.EOF {
			if i == 0 {
				return 0, io.EOF
			}
			return i, nil
		}
		if err != nil {
			logger.Debug("Input stream failed after %d bytes: %v", i, err)
			return i, err
		}

		switch {
		case c == ctrlZ:
			return 0, io.EOF
		case c == backspace || c == del:
			if i > 0 {
				i--
				s.echo("\b \b")
			}
		case c == '\r' || c == '\n':
			s.echo("\r\n")
			p[i] = '\n'
			return i + 1, nil
		case c < ' ' || c > '~':
			continue
		default:
			s.echo(string(c))
			p[i] = c
			i++
		}
	}
	return i, nil
}

func (s *Stream) echo(text string) {
	if !s.Echo {
		return
	}
	if _, err := io.WriteString(s.out, text); err != nil {
		logger.Trace("Echo failed: %v", err)
	}
}

// Write writes p to standard output (fd 1) or standard error (fd 2).
func (Device) Write(_ context.Context, fd int, p []byte, pdata any) (int, error) {
	s, err := stream(pdata)
	if err != nil {
		return 0, err
	}
	if fd < stdin || fd > stderr {
		return 0, syscall.EBADF
	}

	var w io.Writer
	switch fd {
	case stdout:
		w = s.out
	case stderr:
		w = s.err
	default:
		return 0, syscall.EINVAL
	}

	if !s.CRLF {
		return w.Write(p)
	}
	start := 0
	for i, c := range p {
		if c != '\n' {
			continue
		}
		if _, err := w.Write(p[start:i]); err != nil {
			return start, err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return i, err
		}
		start = i + 1
	}
	if _, err := w.Write(p[start:]); err != nil {
		return start, err
	}
	return len(p), nil
}
