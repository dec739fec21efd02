package horizon

import (
	"sync"

	"github.com/StardustXR/horizon/wire"
)

// Scenegraph is one client's id-to-node table and the dispatch target
// for its inbound frames.
type Scenegraph struct {
	client *Client

	mu    sync.RWMutex
	nodes map[uint64]*Node
}

func newScenegraph(c *Client) *Scenegraph {
	return &Scenegraph{client: c, nodes: make(map[uint64]*Node)}
}

// Node looks an id up.
func (s *Scenegraph) Node(id uint64) (*Node, error) {
	s.mu.RLock()
	n := s.nodes[id]
	s.mu.RUnlock()
	if n == nil {
		return nil, errNodeNotFound(id)
	}
	return n, nil
}

func (s *Scenegraph) add(n *Node) error {
	if n.id == 0 {
		return errSerializationf("node id 0 is invalid")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.nodes[n.id]; dup {
		return errSerializationf("node id %#x already exists", n.id)
	}
	s.nodes[n.id] = n
	return nil
}

func (s *Scenegraph) remove(id uint64) {
	s.mu.Lock()
	delete(s.nodes, id)
	s.mu.Unlock()
}

// takeAll empties the table, returning every node for teardown.
func (s *Scenegraph) takeAll() []*Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	s.nodes = make(map[uint64]*Node)
	return out
}

// snapshot lists the live nodes, for debug surfaces.
func (s *Scenegraph) snapshot() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	return out
}

// SendSignal implements wire.Scenegraph.
func (s *Scenegraph) SendSignal(node uint64, aspect, opcode uint16, msg wire.Message) error {
	n, err := s.Node(node)
	if err != nil {
		wire.CloseFds(msg.Fds)
		return err
	}
	return n.sendLocalSignal(s.client, aspect, opcode, msg)
}

// ExecuteMethod implements wire.Scenegraph.
func (s *Scenegraph) ExecuteMethod(node uint64, aspect, opcode uint16, msg wire.Message, respond wire.Responder) {
	n, err := s.Node(node)
	if err != nil {
		wire.CloseFds(msg.Fds)
		respond(nil, nil, err)
		return
	}
	n.executeLocalMethod(s.client, aspect, opcode, msg, respond)
}
