package horizon

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// maxInstances bounds the stardust-<n> slot probe.
const maxInstances = 32

func runtimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

// SocketPath returns the socket path for instance n.
func SocketPath(n int) string {
	return filepath.Join(runtimeDir(), fmt.Sprintf("stardust-%d", n))
}

func instanceEnv() (int, bool, error) {
	inst := os.Getenv("STARDUST_INSTANCE")
	if inst == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(inst)
	if err != nil {
		return 0, false, errors.Wrapf(err, "eventloop: STARDUST_INSTANCE %q", inst)
	}
	return n, true, nil
}

// FindSocketPath picks the path a new server should bind: the instance
// from $STARDUST_INSTANCE when set, otherwise the first claimable slot.
func FindSocketPath() (string, error) {
	if n, ok, err := instanceEnv(); err != nil {
		return "", err
	} else if ok {
		path := SocketPath(n)
		return path, claimSocket(path)
	}
	for n := 0; n < maxInstances; n++ {
		path := SocketPath(n)
		if claimSocket(path) == nil {
			return path, nil
		}
	}
	return "", errors.Errorf("eventloop: no free socket slot in %s", runtimeDir())
}

// claimSocket frees path for binding. An existing file is probed
// first; a live server there is refused, only a dead socket is removed.
func claimSocket(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "eventloop: stat socket")
	}
	if conn, err := net.Dial("unix", path); err == nil {
		conn.Close()
		return errors.Errorf("eventloop: %s has a live server", path)
	}
	return errors.Wrap(os.Remove(path), "eventloop: remove stale socket")
}

// DialSocket connects a client to a running server: the instance named
// by $STARDUST_INSTANCE, or the first slot that answers.
func DialSocket() (*net.UnixConn, error) {
	if n, ok, err := instanceEnv(); err != nil {
		return nil, err
	} else if ok {
		return dialUnix(SocketPath(n))
	}
	for n := 0; n < maxInstances; n++ {
		if conn, err := dialUnix(SocketPath(n)); err == nil {
			return conn, nil
		}
	}
	return nil, errors.Errorf("eventloop: no server socket in %s", runtimeDir())
}

func dialUnix(path string) (*net.UnixConn, error) {
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "eventloop: resolve")
	}
	conn, err := net.DialUnix("unix", nil, addr)
	return conn, errors.Wrap(err, "eventloop: dial")
}

// EventLoop owns the listening socket and hands accepted connections
// to its server.
type EventLoop struct {
	server   *Server
	listener *net.UnixListener
	path     string
	log      *zap.Logger
}

// Listen binds path, running discovery when path is empty.
func Listen(s *Server, path string) (*EventLoop, error) {
	if path == "" {
		var err error
		if path, err = FindSocketPath(); err != nil {
			return nil, err
		}
	} else if err := claimSocket(path); err != nil {
		return nil, err
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "eventloop: resolve")
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, errors.Wrap(err, "eventloop: listen")
	}
	return &EventLoop{
		server:   s,
		listener: l,
		path:     path,
		log:      s.log.Named("eventloop"),
	}, nil
}

// Path is the bound socket path, for $STARDUST_INSTANCE handoff to
// spawned clients.
func (e *EventLoop) Path() string { return e.path }

// Run accepts connections until ctx is done. Closing the listener is
// what unblocks the accept; the socket file unlinks with it.
func (e *EventLoop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		e.listener.Close()
		return nil
	})
	g.Go(func() error {
		e.log.Info("listening", zap.String("socket", e.path))
		for {
			conn, err := e.listener.AcceptUnix()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Wrap(err, "eventloop: accept")
			}
			e.server.Connect(ctx, conn)
		}
	})
	if err := g.Wait(); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
