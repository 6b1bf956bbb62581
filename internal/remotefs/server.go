package remotefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"

	"golang.org/x/sync/errgroup"

	"devfs/internal/hostfs"
)

// MaxChunkSize caps the payload a server moves in one read response.
const MaxChunkSize = 64 << 10

// Server serves a host directory to remote clients. Every connection gets
// its own file and directory tables, so one client cannot use another's
// handles.
type Server struct {
	root     string
	maxFiles int
}

// NewServer returns a server for the directory root. maxFiles bounds the
// open files of each connection; <= 0 selects hostfs.DefaultMaxFiles.
func NewServer(root string, maxFiles int) (*Server, error) {
	vol, err := hostfs.NewVolume(root, maxFiles)
	if err != nil {
		return nil, err
	}
	return &Server{root: vol.Root(), maxFiles: maxFiles}, nil
}

// session is the per-connection state.
type session struct {
	vol     *hostfs.Volume
	dirs    map[uint32]any
	nextDir uint32
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails,
// serving each on its own goroutine. It returns after every connection
// has finished.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger.Info("Serving %s on %s", s.root, ln.Addr())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			logger.Debug("Accepted connection from %s", conn.RemoteAddr())
			g.Go(func() error {
				if err := s.ServeConn(gctx, conn); err != nil {
					logger.Warn("Connection from %s: %v", conn.RemoteAddr(), err)
				}
				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// ServeConn answers requests on conn until the client disconnects or ctx
// is cancelled. Files left open by the client are closed.
func (s *Server) ServeConn(ctx context.Context, conn io.ReadWriteCloser) error {
	vol, err := hostfs.NewVolume(s.root, s.maxFiles)
	if err != nil {
		conn.Close()
		return err
	}
	sess := &session{vol: vol, dirs: make(map[uint32]any)}
	defer vol.CloseAll()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	enc := NewEncoder(conn)
	dec := NewDecoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("decode request: %w", err)
		}
		resp := sess.handle(ctx, &req)
		if resp.Errno != 0 {
			logger.Debug("%v %q: errno %d", req.Op, req.Path, resp.Errno)
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encode %v response: %w", req.Op, err)
		}
	}
}

func failed(err error) *Response {
	return &Response{Errno: errnoOf(err)}
}

func (sess *session) handle(ctx context.Context, req *Request) *Response {
	dev := hostfs.Device{}
	switch req.Op {
	case OpOpen:
		fd, err := dev.Open(ctx, req.Path, DecodeFlags(req.Flags), fs.FileMode(req.Mode), sess.vol)
		if err != nil {
			return failed(err)
		}
		return &Response{Result: int64(fd)}

	case OpClose:
		if err := dev.Close(ctx, int(req.FD), sess.vol); err != nil {
			return failed(err)
		}
		return &Response{}

	case OpRead:
		count := int(req.Count)
		if count > MaxChunkSize {
			count = MaxChunkSize
		}
		buf := make([]byte, count)
		n, err := dev.Read(ctx, int(req.FD), buf, sess.vol)
		if err != nil && !errors.Is(err, io.EOF) {
			return failed(err)
		}
		return &Response{Result: int64(n), Data: buf[:n]}

	case OpWrite:
		n, err := dev.Write(ctx, int(req.FD), req.Data, sess.vol)
		if err != nil && n == 0 {
			return failed(err)
		}
		return &Response{Result: int64(n)}

	case OpLseek:
		whence, err := DecodeWhence(req.Whence)
		if err != nil {
			return failed(err)
		}
		off, err := dev.Seek(ctx, int(req.FD), req.Offset, whence, sess.vol)
		if err != nil {
			return failed(err)
		}
		return &Response{Result: off}

	case OpOpenDir:
		cursor, err := dev.OpenDir(ctx, req.Path, sess.vol)
		if err != nil {
			return failed(err)
		}
		sess.nextDir++
		sess.dirs[sess.nextDir] = cursor
		return &Response{Result: int64(sess.nextDir)}

	case OpReadDir:
		cursor, ok := sess.dirs[req.Dir]
		if !ok {
			return failed(syscall.EBADF)
		}
		for {
			e, err := dev.ReadDir(ctx, cursor, sess.vol)
			if errors.Is(err, io.EOF) {
				return &Response{}
			}
			if err != nil {
				return failed(err)
			}
			if len(e.Name) > MaxNameLength {
				logger.Trace("Skipping %q, name too long", e.Name)
				continue
			}
			return &Response{Entry: &Entry{Name: e.Name, Size: e.Size, ModTime: e.ModTime, IsDir: e.IsDir}}
		}

	case OpCloseDir:
		cursor, ok := sess.dirs[req.Dir]
		if !ok {
			return failed(syscall.EBADF)
		}
		delete(sess.dirs, req.Dir)
		if err := dev.CloseDir(ctx, cursor, sess.vol); err != nil {
			return failed(err)
		}
		return &Response{}

	case OpMkdir:
		return result(dev.Mkdir(ctx, req.Path, fs.FileMode(req.Mode), sess.vol))
	case OpUnlink:
		return result(dev.Unlink(ctx, req.Path, sess.vol))
	case OpRmdir:
		return result(dev.Rmdir(ctx, req.Path, sess.vol))
	case OpRename:
		return result(dev.Rename(ctx, req.Path, req.NewPath, sess.vol))
	}

	logger.Warn("Unknown request %v", req.Op)
	return failed(syscall.ENOSYS)
}

func result(err error) *Response {
	if err != nil {
		return failed(err)
	}
	return &Response{}
}
