package horizon

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/StardustXR/horizon/wire"
)

// Server owns the global registries, the export tables, and the
// per-frame entry points. One Server backs one listening socket.
//
// The spatial hierarchy is guarded by treeMu: transform folds take the
// read lock, reparenting and zone capture take the write lock. The
// registries carry their own locks and are never held across treeMu.
type Server struct {
	log *zap.Logger

	clients   Registry[*Client]
	methods   Registry[*InputMethod]
	handlers  Registry[*InputHandler]
	zones     Registry[*Zone]
	zoneables Registry[*Spatial]
	fields    Registry[*Field]
	senders   Registry[*PulseSender]
	receivers Registry[*PulseReceiver]

	treeMu sync.RWMutex

	exMu             sync.Mutex
	exportedSpatials map[uint64]*Node
	exportedFields   map[uint64]*Node

	internal *Client
	hmd      *Node

	elapsed float64
}

// NewServer builds a server with its internal client and the HMD
// spatial seeded at export handle 0.
func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:              log,
		exportedSpatials: make(map[uint64]*Node),
		exportedFields:   make(map[uint64]*Node),
	}
	s.internal = newClient(s, nil)
	s.hmd = setupHMD(s.internal)
	s.exportedSpatials[0] = s.hmd
	return s
}

// Connect attaches an accepted connection, mints the client's root and
// HMD nodes, and starts serving it. The returned client tears itself
// down when ctx is cancelled or the connection drops.
func (s *Server) Connect(ctx context.Context, conn *net.UnixConn) *Client {
	c := newClient(s, wire.NewMessenger(conn, s.log.Named("wire")))
	if err := setupRoot(c); err != nil {
		s.log.Error("root setup failed", zap.Error(err))
		c.disconnect()
		return nil
	}
	if err := aliasHMD(c, s.hmd); err != nil {
		s.log.Error("hmd alias failed", zap.Error(err))
		c.disconnect()
		return nil
	}
	s.clients.Add(c)
	c.log.Info("client connected")
	go c.run(ctx)
	return c
}

// Tick runs one frame pass: input arbitration, zone maintenance, then
// frame events to subscribed clients. Never call it concurrently with
// itself; the arbitration passes mutate the registries they read.
func (s *Server) Tick(delta float64) {
	s.ProcessInput()
	s.UpdateZones()
	s.SendFrameEvents(delta)
}

// RunTicks drives Tick at rate Hz until ctx is done.
func (s *Server) RunTicks(ctx context.Context, rate float64) error {
	if rate <= 0 {
		rate = 90
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(now.Sub(last).Seconds())
			last = now
		}
	}
}

// --- export tables ---

// exportNode registers n under a fresh random handle in table.
func (s *Server) exportNode(table map[uint64]*Node, n *Node) uint64 {
	s.exMu.Lock()
	defer s.exMu.Unlock()
	for {
		h := rand.Uint64()
		if _, taken := table[h]; taken || h == 0 {
			continue
		}
		table[h] = n
		return h
	}
}

func (s *Server) exportSpatial(n *Node) uint64 { return s.exportNode(s.exportedSpatials, n) }
func (s *Server) exportField(n *Node) uint64   { return s.exportNode(s.exportedFields, n) }

// importSpatial resolves an exported spatial handle.
func (s *Server) importSpatial(handle uint64) (*Node, bool) {
	s.exMu.Lock()
	defer s.exMu.Unlock()
	n, ok := s.exportedSpatials[handle]
	return n, ok
}

// importField resolves an exported field handle.
func (s *Server) importField(handle uint64) (*Node, bool) {
	s.exMu.Lock()
	defer s.exMu.Unlock()
	n, ok := s.exportedFields[handle]
	return n, ok
}

// dropExports removes every handle pointing at n. Called from node
// teardown so handles die with their node.
func (s *Server) dropExports(n *Node) {
	s.exMu.Lock()
	defer s.exMu.Unlock()
	for h, en := range s.exportedSpatials {
		if en == n {
			delete(s.exportedSpatials, h)
		}
	}
	for h, en := range s.exportedFields {
		if en == n {
			delete(s.exportedFields, h)
		}
	}
}
