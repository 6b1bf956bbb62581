// Package boot turns a configuration into a populated device manager.
package boot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"devfs/internal/config"
	"devfs/internal/console"
	"devfs/internal/devman"
	"devfs/internal/hostfs"
	"devfs/internal/logging"
	"devfs/internal/remotefs"
	"devfs/internal/romfs"
)

var (
	logger = logging.GetLogger().WithPrefix("boot")
)

// DialRetryInterval separates connection attempts to a remote device.
var DialRetryInterval = 250 * time.Millisecond

// Streams are the host streams behind the console device.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// StdStreams returns the process's standard streams.
func StdStreams() Streams {
	return Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// System is a manager together with the resources its devices hold.
type System struct {
	Manager *devman.Manager

	closers []func() error
}

// Close releases every remote connection and host file held by the
// system's devices. The manager is left as it is.
func (s *System) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Boot builds a manager from cfg: the console first, so that the standard
// descriptors are valid, then every configured device in order. Remote
// devices are dialed under ctx. On error everything already set up is
// released.
func Boot(ctx context.Context, cfg *config.Config, streams Streams) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if level, ok := logging.ParseLevel(strings.ToUpper(cfg.LogLevel)); ok {
		logging.GetLogger().SetLevel(level)
	}

	var opts []devman.Option
	if cfg.MaxOpenDirs > 0 {
		opts = append(opts, devman.WithMaxOpenDirs(cfg.MaxOpenDirs))
	}
	sys := &System{Manager: devman.NewManager(opts...)}
	if err := sys.populate(ctx, cfg, streams); err != nil {
		if cerr := sys.Close(); cerr != nil {
			logger.Warn("Releasing devices after failed boot: %v", cerr)
		}
		return nil, err
	}
	return sys, nil
}

func (s *System) populate(ctx context.Context, cfg *config.Config, streams Streams) error {
	if cfg.Console.Enabled {
		st := console.NewStream(streams.In, streams.Out, streams.Err)
		st.CRLF = cfg.Console.CRLF
		st.Echo = cfg.Console.Echo
		if err := s.Manager.Init(cfg.Console.Name, st, console.Device{}); err != nil {
			return fmt.Errorf("failed to register console %s: %w", cfg.Console.Name, err)
		}
		logger.Debug("Console registered as %s", cfg.Console.Name)
	}

	for _, d := range cfg.Devices {
		data, dev, err := s.open(ctx, d)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
		index, err := s.Manager.Register(d.Name, data, dev)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
		logger.Info("Registered %s device %s at index %d", d.Type, d.Name, index)
	}
	return nil
}

// open creates the instance data and backend for one configured device.
func (s *System) open(ctx context.Context, d config.Device) (any, devman.Device, error) {
	switch d.Type {
	case config.TypeROMFS:
		img, err := romfs.Load(d.Image)
		if err != nil {
			return nil, nil, err
		}
		return romfs.NewVolume(img, d.Base), romfs.Device{}, nil

	case config.TypeRemoteFS:
		var opts []remotefs.ClientOption
		if d.Timeout > 0 {
			opts = append(opts, remotefs.WithTimeout(d.Timeout))
		}
		if d.ChunkSize > 0 {
			opts = append(opts, remotefs.WithChunkSize(d.ChunkSize))
		}
		if d.Retries > 0 {
			opts = append(opts, remotefs.WithDialRetries(d.Retries, DialRetryInterval))
		}
		c, err := remotefs.Dial(ctx, d.Network, d.Address, opts...)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, c.Close)
		return c, remotefs.Device{}, nil

	case config.TypeHostFS:
		vol, err := hostfs.NewVolume(d.Root, d.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, func() error {
			vol.CloseAll()
			return nil
		})
		return vol, hostfs.Device{}, nil
	}
	return nil, nil, fmt.Errorf("%w: unknown device type %q", config.ErrInvalid, d.Type)
}
