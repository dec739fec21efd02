package horizon

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/StardustXR/horizon/wire"
)

// Root aspect opcodes. subscribe_frame is inbound, frame outbound.
const (
	RootSubscribeFrame uint16 = iota
	RootFrame
)

// Interface aspect opcodes. The factories are signals, the imports
// methods.
const (
	InterfaceCreateSpatial uint16 = iota
	InterfaceCreateField
	InterfaceCreateZone
	InterfaceCreateInputMethod
	InterfaceCreateInputHandler
	InterfaceCreatePulseSender
	InterfaceCreatePulseReceiver
	InterfaceImportSpatialRef
	InterfaceImportFieldRef
)

// Root is the non-destroyable node every client starts with at id 1.
// It anchors the client's tree with an identity Spatial and hosts the
// factory, import, and frame-subscription members.
type Root struct {
	node    *Node
	spatial *Spatial

	subscribed atomic.Bool
}

// setupRoot mints the root node in a fresh client's scenegraph.
func setupRoot(c *Client) error {
	n := newNode(c, RootNodeID, false)
	if err := c.scenegraph.add(n); err != nil {
		return err
	}
	sp := newSpatial(n, nil, mat4Identity, false)
	r := &Root{node: n, spatial: sp}
	n.mu.Lock()
	n.root = r
	n.mu.Unlock()

	n.addSignal(AspectRoot, RootSubscribeFrame, r.handleSubscribeFrame)
	n.addSignal(AspectInterface, InterfaceCreateSpatial, handleCreateSpatial)
	n.addSignal(AspectInterface, InterfaceCreateField, handleCreateField)
	n.addSignal(AspectInterface, InterfaceCreateZone, handleCreateZone)
	n.addSignal(AspectInterface, InterfaceCreateInputMethod, handleCreateInputMethod)
	n.addSignal(AspectInterface, InterfaceCreateInputHandler, handleCreateInputHandler)
	n.addSignal(AspectInterface, InterfaceCreatePulseSender, handleCreatePulseSender)
	n.addSignal(AspectInterface, InterfaceCreatePulseReceiver, handleCreatePulseReceiver)
	n.addMethod(AspectInterface, InterfaceImportSpatialRef, handleImportSpatialRef)
	n.addMethod(AspectInterface, InterfaceImportFieldRef, handleImportFieldRef)

	c.root = r
	return nil
}

func (r *Root) handleSubscribeFrame(_ *Client, _ *Node, _ wire.Message) error {
	r.subscribed.Store(true)
	return nil
}

// SendFrameEvents fans one tick's FrameInfo out to every client that
// subscribed. Called only by the tick driver, which owns elapsed.
func (s *Server) SendFrameEvents(delta float64) {
	s.elapsed += delta
	body, err := wire.Marshal(wire.FrameInfo{Delta: delta, Elapsed: s.elapsed})
	if err != nil {
		s.log.Error("frame event encode failed", zap.Error(err))
		return
	}
	for _, c := range s.clients.List() {
		r := c.root
		if r == nil || !r.subscribed.Load() {
			continue
		}
		r.node.sendRemoteSignal(AspectRoot, RootFrame, body)
	}
}

// --- factory members ---

func handleCreateSpatial(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		ID        uint64
		Parent    uint64
		Transform wire.Transform
		Zoneable  bool
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	parent, err := resolveSpatial(calling, args.Parent)
	if err != nil {
		return err
	}
	_, err = createSpatial(calling, args.ID, parent, args.Transform, args.Zoneable)
	return err
}

func handleCreateField(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		ID        uint64
		Parent    uint64
		Transform wire.Transform
		Shape     wire.Shape
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	parent, err := resolveSpatial(calling, args.Parent)
	if err != nil {
		return err
	}
	_, err = createField(calling, args.ID, parent, args.Transform, args.Shape)
	return err
}

func handleCreateZone(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		ID        uint64
		Parent    uint64
		Transform wire.Transform
		Field     uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	parent, err := resolveSpatial(calling, args.Parent)
	if err != nil {
		return err
	}
	field, err := resolveField(calling, args.Field)
	if err != nil {
		return err
	}
	_, err = createZone(calling, args.ID, parent, args.Transform, field)
	return err
}

func handleCreateInputMethod(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		ID        uint64
		Parent    uint64
		Transform wire.Transform
		Input     wire.Input
		Datamap   wire.Datamap
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	parent, err := resolveSpatial(calling, args.Parent)
	if err != nil {
		return err
	}
	_, err = createInputMethod(calling, args.ID, parent, args.Transform, args.Input, args.Datamap)
	return err
}

func handleCreateInputHandler(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		ID        uint64
		Parent    uint64
		Transform wire.Transform
		Field     uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	parent, err := resolveSpatial(calling, args.Parent)
	if err != nil {
		return err
	}
	field, err := resolveField(calling, args.Field)
	if err != nil {
		return err
	}
	_, err = createInputHandler(calling, args.ID, parent, args.Transform, field)
	return err
}

func handleCreatePulseSender(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		ID        uint64
		Parent    uint64
		Transform wire.Transform
		Mask      wire.Datamap
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	parent, err := resolveSpatial(calling, args.Parent)
	if err != nil {
		return err
	}
	_, err = createPulseSender(calling, args.ID, parent, args.Transform, args.Mask)
	return err
}

func handleCreatePulseReceiver(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		ID        uint64
		Parent    uint64
		Transform wire.Transform
		Field     uint64
		Mask      wire.Datamap
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	parent, err := resolveSpatial(calling, args.Parent)
	if err != nil {
		return err
	}
	field, err := resolveField(calling, args.Field)
	if err != nil {
		return err
	}
	_, err = createPulseReceiver(calling, args.ID, parent, args.Transform, field, args.Mask)
	return err
}

// --- import members ---

func handleImportSpatialRef(calling *Client, _ *Node, msg wire.Message, respond wire.Responder) {
	importRef(calling, msg, respond, calling.server.importSpatial, spatialRefAliasInfo)
}

func handleImportFieldRef(calling *Client, _ *Node, msg wire.Message, respond wire.Responder) {
	importRef(calling, msg, respond, calling.server.importField, fieldRefAliasInfo)
}

// importRef resolves an export handle and mints a read-only alias for
// the calling client, responding with the alias's id.
func importRef(calling *Client, msg wire.Message, respond wire.Responder, lookup func(uint64) (*Node, bool), info aliasInfo) {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Handle uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	target, ok := lookup(args.Handle)
	if !ok {
		respond(nil, nil, errHandleNotFound(args.Handle))
		return
	}
	alias, err := newAlias(calling, 0, target, true, info)
	if err != nil {
		respond(nil, nil, err)
		return
	}
	body, err := wire.Marshal(alias.id)
	if err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	respond(body, nil, nil)
}
