package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/fxamacker/cbor/v2"

	"devfs/internal/devman"
)

// ErrClosed is returned by a Client whose connection was closed, either
// explicitly or after a transport failure left the stream out of sync.
var ErrClosed = errors.New("remotefs: connection closed")

// DefaultTimeout bounds one request/response exchange.
const DefaultTimeout = 5 * time.Second

// Device is the remote filesystem device. The instance data must be the
// *Client connected to the server.
type Device struct{}

var (
	_ devman.Opener    = Device{}
	_ devman.Closer    = Device{}
	_ devman.Reader    = Device{}
	_ devman.Writer    = Device{}
	_ devman.Seeker    = Device{}
	_ devman.DirOpener = Device{}
	_ devman.DirReader = Device{}
	_ devman.DirCloser = Device{}
	_ devman.Mkdirer   = Device{}
	_ devman.Unlinker  = Device{}
	_ devman.Rmdirer   = Device{}
	_ devman.Renamer   = Device{}
)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Client is one connection to a Server. Exchanges are serialized, so a
// Client may be shared by concurrent callers.
type Client struct {
	mu     sync.Mutex
	conn   io.ReadWriteCloser
	enc    *cbor.Encoder
	dec    *cbor.Decoder
	broken error

	timeout       time.Duration
	chunk         int
	dialRetries   uint64
	retryInterval time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the limit for one exchange. Zero disables it. The
// limit only applies to connections that support deadlines.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithChunkSize sets the largest payload moved by one read or write
// exchange.
func WithChunkSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.chunk = n
		}
	}
}

// WithDialRetries makes Dial retry a failed connection attempt n more
// times, interval apart.
func WithDialRetries(n uint64, interval time.Duration) ClientOption {
	return func(c *Client) {
		c.dialRetries = n
		c.retryInterval = interval
	}
}

func newClient(opts []ClientOption) *Client {
	c := &Client{
		timeout:       DefaultTimeout,
		chunk:         DefaultChunkSize,
		retryInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient returns a client speaking over conn.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := newClient(opts)
	c.attach(conn)
	return c
}

func (c *Client) attach(conn io.ReadWriteCloser) {
	c.conn = conn
	c.enc = NewEncoder(conn)
	c.dec = NewDecoder(conn)
}

// Dial connects to a server, retrying as configured by WithDialRetries.
func Dial(ctx context.Context, network, address string, opts ...ClientOption) (*Client, error) {
	c := newClient(opts)

	var conn net.Conn
	attempt := 0
	op := func() error {
		attempt++
		var d net.Dialer
		var err error
		conn, err = d.DialContext(ctx, network, address)
		if err != nil {
			logger.Debug("Dial %s attempt %d failed: %v", address, attempt, err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryInterval), c.dialRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("remotefs: dial %s after %d attempts: %w", address, attempt, err)
	}

	logger.Info("Connected to remote filesystem at %s", address)
	c.attach(conn)
	return c, nil
}

// Close closes the connection. Later calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil
	}
	c.broken = ErrClosed
	return c.conn.Close()
}

// call performs one exchange. A server-side failure comes back as a
// syscall.Errno; a transport failure closes the client.
func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, c.broken
	}

	if dl, ok := c.conn.(deadliner); ok {
		var deadline time.Time
		if c.timeout > 0 {
			deadline = time.Now().Add(c.timeout)
		}
		if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
			deadline = d
		}
		if err := dl.SetDeadline(deadline); err != nil {
			logger.Trace("SetDeadline: %v", err)
		}
	}

	logger.Trace("Sending %v request", req.Op)
	if err := c.enc.Encode(req); err != nil {
		return nil, c.fail(req.Op, err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return nil, c.fail(req.Op, err)
	}
	if resp.Errno != 0 {
		return nil, syscall.Errno(resp.Errno)
	}
	return &resp, nil
}

func (c *Client) fail(op Op, err error) error {
	logger.Error("Remote %v failed, closing connection: %v", op, err)
	c.broken = fmt.Errorf("%w: %v failed: %v", ErrClosed, op, err)
	if cerr := c.conn.Close(); cerr != nil {
		logger.Debug("Closing connection: %v", cerr)
	}
	return fmt.Errorf("remotefs: %v: %w", op, err)
}

func client(pdata any) (*Client, error) {
	c, ok := pdata.(*Client)
	if !ok || c == nil {
		return nil, fmt.Errorf("remotefs: instance data is %T, not *remotefs.Client", pdata)
	}
	return c, nil
}

// Kind implements devman.Device.
func (Device) Kind() string { return "remotefs" }

// Open opens a remote file.
func (Device) Open(ctx context.Context, path string, flags int, mode fs.FileMode, pdata any) (int, error) {
	c, err := client(pdata)
	if err != nil {
		return -1, err
	}
	resp, err := c.call(ctx, &Request{Op: OpOpen, Path: path, Flags: EncodeFlags(flags), Mode: uint32(mode.Perm())})
	if err != nil {
		return -1, err
	}
	return int(resp.Result), nil
}

// Close closes a remote file.
func (Device) Close(ctx context.Context, fd int, pdata any) error {
	c, err := client(pdata)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, &Request{Op: OpClose, FD: int32(fd)})
	return err
}

// Read reads in chunks until p is full, the server returns a short chunk
// or the file ends.
func (Device) Read(ctx context.Context, fd int, p []byte, pdata any) (int, error) {
	c, err := client(pdata)
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		want := len(p) - total
		if want > c.chunk {
			want = c.chunk
		}
		resp, err := c.call(ctx, &Request{Op: OpRead, FD: int32(fd), Count: uint32(want)})
		if err != nil {
			return total, err
		}
		n := copy(p[total:], resp.Data)
		total += n
		if n < want {
			break
		}
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// Write writes in chunks. A short chunk ends the write with
// io.ErrShortWrite.
func (Device) Write(ctx context.Context, fd int, p []byte, pdata any) (int, error) {
	c, err := client(pdata)
	if err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		end := total + c.chunk
		if end > len(p) {
			end = len(p)
		}
		chunk := p[total:end]
		resp, err := c.call(ctx, &Request{Op: OpWrite, FD: int32(fd), Data: chunk})
		if err != nil {
			return total, err
		}
		n := int(resp.Result)
		total += n
		if n < len(chunk) {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Seek repositions a remote file.
func (Device) Seek(ctx context.Context, fd int, offset int64, whence int, pdata any) (int64, error) {
	c, err := client(pdata)
	if err != nil {
		return -1, err
	}
	w, err := EncodeWhence(whence)
	if err != nil {
		return -1, err
	}
	resp, err := c.call(ctx, &Request{Op: OpLseek, FD: int32(fd), Offset: offset, Whence: w})
	if err != nil {
		return -1, err
	}
	return resp.Result, nil
}

type dirHandle uint32

// OpenDir opens a remote directory.
func (Device) OpenDir(ctx context.Context, path string, pdata any) (any, error) {
	c, err := client(pdata)
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, &Request{Op: OpOpenDir, Path: path})
	if err != nil {
		return nil, err
	}
	return dirHandle(resp.Result), nil
}

// ReadDir fetches the next remote entry.
func (Device) ReadDir(ctx context.Context, cursor any, pdata any) (*devman.DirEntry, error) {
	c, err := client(pdata)
	if err != nil {
		return nil, err
	}
	h, ok := cursor.(dirHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	resp, err := c.call(ctx, &Request{Op: OpReadDir, Dir: uint32(h)})
	if err != nil {
		return nil, err
	}
	if resp.Entry == nil {
		return nil, io.EOF
	}
	return &devman.DirEntry{
		Name:    resp.Entry.Name,
		Size:    resp.Entry.Size,
		ModTime: resp.Entry.ModTime,
		IsDir:   resp.Entry.IsDir,
	}, nil
}

// CloseDir closes a remote directory.
func (Device) CloseDir(ctx context.Context, cursor any, pdata any) error {
	c, err := client(pdata)
	if err != nil {
		return err
	}
	h, ok := cursor.(dirHandle)
	if !ok {
		return syscall.EBADF
	}
	_, err = c.call(ctx, &Request{Op: OpCloseDir, Dir: uint32(h)})
	return err
}

// Mkdir creates a remote directory.
func (Device) Mkdir(ctx context.Context, path string, mode fs.FileMode, pdata any) error {
	c, err := client(pdata)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, &Request{Op: OpMkdir, Path: path, Mode: uint32(mode.Perm())})
	return err
}

// Unlink removes a remote file.
func (Device) Unlink(ctx context.Context, path string, pdata any) error {
	c, err := client(pdata)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, &Request{Op: OpUnlink, Path: path})
	return err
}

// Rmdir removes a remote directory.
func (Device) Rmdir(ctx context.Context, path string, pdata any) error {
	c, err := client(pdata)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, &Request{Op: OpRmdir, Path: path})
	return err
}

// Rename renames on the server.
func (Device) Rename(ctx context.Context, oldpath, newpath string, pdata any) error {
	c, err := client(pdata)
	if err != nil {
		return err
	}
	_, err = c.call(ctx, &Request{Op: OpRename, Path: oldpath, NewPath: newpath})
	return err
}
