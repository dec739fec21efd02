package horizon

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/StardustXR/horizon/wire"
)

// Client is one connected peer: a messenger, a scenegraph, and the
// well-known root and HMD nodes minted at connect time. The server's
// internal client carries no messenger and never appears in the
// connected-client registry.
type Client struct {
	uid        string
	server     *Server
	messenger  *wire.Messenger
	scenegraph *Scenegraph
	root       *Root
	log        *zap.Logger

	nextID atomic.Uint64

	dcOnce sync.Once
}

func newClient(s *Server, m *wire.Messenger) *Client {
	c := &Client{
		uid:       uuid.NewString(),
		server:    s,
		messenger: m,
		log:       s.log.Named("client"),
	}
	c.log = c.log.With(zap.String("client", c.uid[:8]))
	c.scenegraph = newScenegraph(c)
	return c
}

// Messenger returns the client's wire connection. It is nil for the
// server's internal client, whose nodes never signal outward.
func (c *Client) Messenger() *wire.Messenger { return c.messenger }

// UID identifies the client in exports and debug listings.
func (c *Client) UID() string { return c.uid }

// newServerID mints a node id in the server-reserved range, unique
// within this client's scenegraph.
func (c *Client) newServerID() uint64 {
	return serverIDBit | c.nextID.Add(1)
}

// checkNewID validates a client-chosen id from a factory call.
func checkNewID(id uint64) error {
	if id == 0 {
		return errSerializationf("node id 0 is invalid")
	}
	if id&serverIDBit != 0 {
		return errSerializationf("node id %#x is in the server-reserved range", id)
	}
	return nil
}

// run drives the connection until it drops. Dispatch, flush, and a
// cancellation watcher race inside one errgroup; whichever finishes
// first closes the messenger, which unblocks the rest. Teardown is
// single-shot regardless of which side ended the connection.
func (c *Client) run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.messenger.Dispatch(ctx, c.scenegraph) })
	g.Go(func() error { return c.messenger.Flush(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		c.messenger.Close()
		return nil
	})
	if err := g.Wait(); err != nil && !quietDisconnect(err) {
		c.log.Warn("connection failed", zap.Error(err))
	}
	c.disconnect()
}

// quietDisconnect reports whether err is an ordinary end-of-connection
// rather than a fault worth logging.
func quietDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, wire.ErrClosed) ||
		errors.Is(err, context.Canceled)
}

// disconnect removes the client from the server and destroys every
// node it owned, cascading through aspect teardown hooks.
func (c *Client) disconnect() {
	c.dcOnce.Do(func() {
		c.server.clients.Remove(c)
		if c.messenger != nil {
			c.messenger.Close()
		}
		for _, n := range c.scenegraph.takeAll() {
			n.destroy()
		}
		c.log.Info("client disconnected")
	})
}
