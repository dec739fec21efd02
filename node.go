package horizon

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/StardustXR/horizon/wire"
)

// Aspect ids address member tables on the wire.
const (
	AspectNode uint16 = iota
	AspectSpatialRef
	AspectSpatial
	AspectFieldRef
	AspectField
	AspectZone
	AspectInputMethodRef
	AspectInputMethod
	AspectInputHandler
	AspectRoot
	AspectInterface
	AspectPulseSender
	AspectPulseReceiver
)

// Node aspect opcodes.
const (
	NodeSetEnabled uint16 = iota
	NodeDestroy
)

// serverIDBit marks ids minted by the server. Clients may not create
// nodes with it set.
const serverIDBit = uint64(1) << 63

// Well-known ids present in every client's scenegraph.
const (
	RootNodeID uint64 = 1
	HMDNodeID  uint64 = 2
)

// member keys the dispatch tables by (aspect, opcode).
type member uint32

func mkMember(aspect, opcode uint16) member {
	return member(uint32(aspect)<<16 | uint32(opcode))
}

// SignalHandler handles a fire-and-forget member.
type SignalHandler func(calling *Client, n *Node, msg wire.Message) error

// MethodHandler handles a request/response member. It must complete
// respond exactly once.
type MethodHandler func(calling *Client, n *Node, msg wire.Message, respond wire.Responder)

// Node is an addressable entity in a client's scenegraph. Capabilities
// attach as write-once aspects; members dispatch by (aspect, opcode).
type Node struct {
	id          uint64
	uid         string
	owner       *Client
	destroyable bool

	enabled   atomic.Bool
	destroyed atomic.Bool

	mu        sync.Mutex
	signals   map[member]SignalHandler
	methods   map[member]MethodHandler
	aspects   map[uint16]bool
	teardowns []func()

	// Aspect slots. Each is set at most once.
	alias         *Alias
	spatial       *Spatial
	field         *Field
	zone          *Zone
	inputMethod   *InputMethod
	inputHandler  *InputHandler
	pulseSender   *PulseSender
	pulseReceiver *PulseReceiver
	root          *Root

	// Proxy nodes whose alias points here.
	aliases Registry[*Node]
}

func newNode(owner *Client, id uint64, destroyable bool) *Node {
	n := &Node{
		id:          id,
		uid:         uuid.NewString(),
		owner:       owner,
		destroyable: destroyable,
		signals:     make(map[member]SignalHandler),
		methods:     make(map[member]MethodHandler),
		aspects:     make(map[uint16]bool),
	}
	n.enabled.Store(true)
	n.addSignal(AspectNode, NodeSetEnabled, handleNodeSetEnabled)
	n.addSignal(AspectNode, NodeDestroy, handleNodeDestroy)
	return n
}

// ID is the node's address in its owner's scenegraph.
func (n *Node) ID() uint64 { return n.id }

// UID is the node's globally unique name.
func (n *Node) UID() string { return n.uid }

// Owner is the client whose scenegraph holds the node.
func (n *Node) Owner() *Client { return n.owner }

// Enabled reports whether the node participates in alias resolution,
// input arbitration, and zone passes.
func (n *Node) Enabled() bool { return n.enabled.Load() && !n.destroyed.Load() }

// SetEnabled flips the enabled flag.
func (n *Node) SetEnabled(on bool) { n.enabled.Store(on) }

// Destroyed reports whether destroy has run.
func (n *Node) Destroyed() bool { return n.destroyed.Load() }

func (n *Node) addSignal(aspect, opcode uint16, h SignalHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aspects[aspect] = true
	n.signals[mkMember(aspect, opcode)] = h
}

func (n *Node) addMethod(aspect, opcode uint16, h MethodHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.aspects[aspect] = true
	n.methods[mkMember(aspect, opcode)] = h
}

// onDestroy registers a teardown hook. Hooks run once, in reverse
// registration order.
func (n *Node) onDestroy(f func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.teardowns = append(n.teardowns, f)
}

// original resolves the alias chain from n to the node that carries
// real aspects. With stopOnDisabled, a disabled node anywhere along
// the chain fails resolution; this is how nodes hide from callers that
// lost an arbitration round.
func (n *Node) original(stopOnDisabled bool) (*Node, error) {
	cur := n
	for {
		if cur.destroyed.Load() {
			return nil, ErrBrokenAlias
		}
		if stopOnDisabled && !cur.enabled.Load() {
			return nil, ErrBrokenAlias
		}
		cur.mu.Lock()
		a := cur.alias
		cur.mu.Unlock()
		if a == nil {
			return cur, nil
		}
		cur = a.original
	}
}

// spatialAspect resolves to the node's spatial, through any aliases.
func (n *Node) spatialAspect() (*Spatial, error) {
	o, err := n.original(false)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	s := o.spatial
	o.mu.Unlock()
	if s == nil {
		return nil, errWrongAspect(AspectSpatial)
	}
	return s, nil
}

// fieldAspect resolves to the node's field, through any aliases.
func (n *Node) fieldAspect() (*Field, error) {
	o, err := n.original(false)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	f := o.field
	o.mu.Unlock()
	if f == nil {
		return nil, errWrongAspect(AspectField)
	}
	return f, nil
}

// handlerAspect resolves to the node's input handler, through any
// aliases.
func (n *Node) handlerAspect() (*InputHandler, error) {
	o, err := n.original(false)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	h := o.inputHandler
	o.mu.Unlock()
	if h == nil {
		return nil, errWrongAspect(AspectInputHandler)
	}
	return h, nil
}

// sendLocalSignal dispatches an inbound signal member. On an alias,
// members registered on the proxy itself win; everything else must
// pass the allow-list and forwards to the original with descriptors
// stripped.
func (n *Node) sendLocalSignal(calling *Client, aspect, opcode uint16, msg wire.Message) error {
	n.mu.Lock()
	a := n.alias
	h := n.signals[mkMember(aspect, opcode)]
	hasAspect := n.aspects[aspect]
	n.mu.Unlock()

	if a != nil {
		if h != nil {
			return h(calling, n, msg)
		}
		wire.CloseFds(msg.Fds)
		if !n.enabled.Load() || !a.info.allowsServerSignal(aspect, opcode) {
			return errMemberNotFound(aspect, opcode)
		}
		if a.original.destroyed.Load() {
			return ErrBrokenAlias
		}
		return a.original.sendLocalSignal(calling, aspect, opcode, wire.Message{Body: msg.Body})
	}
	if h == nil {
		wire.CloseFds(msg.Fds)
		if !hasAspect {
			return errWrongAspect(aspect)
		}
		return errMemberNotFound(aspect, opcode)
	}
	return h(calling, n, msg)
}

// executeLocalMethod dispatches an inbound method member. Alias
// handling mirrors sendLocalSignal.
func (n *Node) executeLocalMethod(calling *Client, aspect, opcode uint16, msg wire.Message, respond wire.Responder) {
	n.mu.Lock()
	a := n.alias
	h := n.methods[mkMember(aspect, opcode)]
	hasAspect := n.aspects[aspect]
	n.mu.Unlock()

	if a != nil {
		if h != nil {
			h(calling, n, msg, respond)
			return
		}
		wire.CloseFds(msg.Fds)
		if !n.enabled.Load() || !a.info.allowsServerMethod(aspect, opcode) {
			respond(nil, nil, errMemberNotFound(aspect, opcode))
			return
		}
		if a.original.destroyed.Load() {
			respond(nil, nil, ErrBrokenAlias)
			return
		}
		a.original.executeLocalMethod(calling, aspect, opcode, wire.Message{Body: msg.Body}, respond)
		return
	}
	if h == nil {
		wire.CloseFds(msg.Fds)
		if !hasAspect {
			respond(nil, nil, errWrongAspect(aspect))
			return
		}
		respond(nil, nil, errMemberNotFound(aspect, opcode))
		return
	}
	h(calling, n, msg, respond)
}

// sendRemoteSignal emits a client signal on this node and fans it out
// to every enabled alias whose allow-list carries the member. Fanned
// copies are addressed at the alias node's id and never carry
// descriptors.
func (n *Node) sendRemoteSignal(aspect, opcode uint16, body []byte) {
	if m := n.owner.Messenger(); m != nil {
		if err := m.SendSignal(n.id, aspect, opcode, body, nil); err != nil {
			n.owner.log.Debug("client signal dropped",
				zap.Uint64("node", n.id), zap.Error(err))
		}
	}
	for _, proxy := range n.aliases.List() {
		proxy.mu.Lock()
		a := proxy.alias
		proxy.mu.Unlock()
		if a == nil || !proxy.Enabled() || !a.info.allowsClientSignal(aspect, opcode) {
			continue
		}
		m := proxy.owner.Messenger()
		if m == nil {
			continue
		}
		if err := m.SendSignal(proxy.id, aspect, opcode, body, nil); err != nil {
			proxy.owner.log.Debug("aliased client signal dropped",
				zap.Uint64("node", proxy.id), zap.Error(err))
		}
	}
}

// destroy removes the node from its scenegraph, runs aspect teardown
// in reverse attach order, then destroys every proxy pointing here.
// Idempotent.
func (n *Node) destroy() {
	if !n.destroyed.CompareAndSwap(false, true) {
		return
	}
	n.owner.scenegraph.remove(n.id)

	n.mu.Lock()
	tds := n.teardowns
	n.teardowns = nil
	a := n.alias
	n.mu.Unlock()

	for i := len(tds) - 1; i >= 0; i-- {
		tds[i]()
	}
	if a != nil {
		a.original.aliases.Remove(n)
	}
	for _, proxy := range n.aliases.Take() {
		proxy.destroy()
	}
	n.owner.server.dropExports(n)
}

// --- Node aspect members ---

func handleNodeSetEnabled(_ *Client, n *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Enabled bool
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	n.SetEnabled(args.Enabled)
	return nil
}

func handleNodeDestroy(_ *Client, n *Node, _ wire.Message) error {
	if !n.destroyable {
		return errInternalf("node %#x is not destroyable", n.id)
	}
	n.destroy()
	return nil
}
