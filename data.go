package horizon

import (
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/StardustXR/horizon/wire"
)

// PulseSender aspect opcodes, both client signals.
const (
	PulseSenderNewReceiver uint16 = iota
	PulseSenderDropReceiver
)

// PulseReceiver aspect opcodes. send_data is a method, data is the
// client signal relaying it.
const (
	PulseReceiverSendData uint16 = iota
	PulseReceiverData
)

// pulseReceiverAliasInfo lets a sender's client pose-query a receiver
// it was announced. send_data rides a proxy-local override instead, so
// the relay knows which sender called it.
var pulseReceiverAliasInfo = aliasInfo{
	serverMethods: []member{
		mkMember(AspectSpatialRef, SpatialRefGetTransform),
	},
}

// PulseSender broadcasts datamaps. It is announced every receiver
// whose mask carries all of its own mask's keys.
type PulseSender struct {
	node    *Node
	spatial *Spatial
	mask    wire.Datamap

	mu    sync.Mutex
	links map[*PulseReceiver]*pulseLink
}

// pulseLink is the alias pair announcing one receiver to one sender's
// client.
type pulseLink struct {
	receiverAlias *Node
	fieldAlias    *Node
}

// newPulseSender attaches a PulseSender aspect to a node that already
// carries a Spatial, and announces every matching receiver to it.
func newPulseSender(n *Node, sp *Spatial, mask wire.Datamap) *PulseSender {
	s := &PulseSender{
		node:    n,
		spatial: sp,
		mask:    mask,
		links:   make(map[*PulseReceiver]*pulseLink),
	}
	n.mu.Lock()
	n.pulseSender = s
	// Both members are outbound; presence still routes bad inbound
	// opcodes to member-not-found.
	n.aspects[AspectPulseSender] = true
	n.mu.Unlock()
	n.onDestroy(s.teardown)

	srv := n.owner.server
	srv.senders.Add(s)
	for _, r := range srv.receivers.List() {
		s.link(r)
	}
	return s
}

// createPulseSender backs the create_pulse_sender interface member.
func createPulseSender(c *Client, id uint64, parent *Spatial, t wire.Transform, mask wire.Datamap) (*PulseSender, error) {
	if err := checkNewID(id); err != nil {
		return nil, err
	}
	mask, err := checkMask(mask)
	if err != nil {
		return nil, err
	}
	n := newNode(c, id, true)
	if err := c.scenegraph.add(n); err != nil {
		return nil, err
	}
	t.Scale = nil
	sp := newSpatial(n, parent, mergeTransform(mat4Identity, t), false)
	return newPulseSender(n, sp, mask), nil
}

func (s *PulseSender) teardown() {
	srv := s.node.owner.server
	srv.senders.Remove(s)

	s.mu.Lock()
	links := s.links
	s.links = make(map[*PulseReceiver]*pulseLink)
	s.mu.Unlock()

	for _, link := range links {
		link.receiverAlias.destroy()
		link.fieldAlias.destroy()
	}
}

func (s *PulseSender) signal(op uint16, payload any) {
	body, err := wire.Marshal(payload)
	if err != nil {
		s.node.owner.log.Error("pulse signal encode failed", zap.Error(err))
		return
	}
	s.node.sendRemoteSignal(AspectPulseSender, op, body)
}

// link announces r to this sender if their masks match.
func (s *PulseSender) link(r *PulseReceiver) {
	if !wire.MaskMatches(s.mask, r.mask) {
		return
	}
	s.mu.Lock()
	_, exists := s.links[r]
	s.mu.Unlock()
	if exists {
		return
	}

	receiverAlias, err := newAlias(s.node.owner, 0, r.node, true, pulseReceiverAliasInfo)
	if err != nil {
		return
	}
	receiverAlias.addMethod(AspectPulseReceiver, PulseReceiverSendData, s.relayTo(r))
	fieldAlias, err := newAlias(s.node.owner, 0, r.field.node, true, fieldRefAliasInfo)
	if err != nil {
		receiverAlias.destroy()
		return
	}

	link := &pulseLink{receiverAlias: receiverAlias, fieldAlias: fieldAlias}
	s.mu.Lock()
	if _, ok := s.links[r]; ok {
		s.mu.Unlock()
		receiverAlias.destroy()
		fieldAlias.destroy()
		return
	}
	s.links[r] = link
	s.mu.Unlock()

	s.announce(r, link)
}

// unlink severs r from this sender and tells the sender's client.
func (s *PulseSender) unlink(r *PulseReceiver) {
	s.mu.Lock()
	link, ok := s.links[r]
	if ok {
		delete(s.links, r)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	link.receiverAlias.destroy()
	link.fieldAlias.destroy()
	s.signal(PulseSenderDropReceiver, struct {
		_ struct{} `cbor:",toarray"`

		UID string
	}{UID: r.node.uid})
}

// announce emits new_receiver with the receiver's pose in sender space.
func (s *PulseSender) announce(r *PulseReceiver, link *pulseLink) {
	d := r.field.Distance(s.spatial, mgl32.Vec3{})

	srv := s.node.owner.server
	srv.treeMu.RLock()
	rel := spaceToSpaceLocked(r.spatial, s.spatial)
	srv.treeMu.RUnlock()
	pos, rot, _ := decomposeTRS(rel)
	if !quatValid(rot) {
		rot = mgl32.QuatIdent()
	}

	s.signal(PulseSenderNewReceiver, struct {
		_ struct{} `cbor:",toarray"`

		ID       uint64
		UID      string
		FieldID  uint64
		Distance float32
		Position wire.Vec3
		Rotation wire.Quat
	}{
		ID:       link.receiverAlias.id,
		UID:      r.node.uid,
		FieldID:  link.fieldAlias.id,
		Distance: d,
		Position: pos,
		Rotation: wire.QuatFrom(rot),
	})
}

// relayTo backs the send_data override on one receiver alias. The
// closure pins the sender, so the receiver's client learns who sent
// the data.
func (s *PulseSender) relayTo(r *PulseReceiver) MethodHandler {
	return func(_ *Client, _ *Node, msg wire.Message, respond wire.Responder) {
		var args struct {
			_ struct{} `cbor:",toarray"`

			Data wire.Datamap
		}
		if err := wire.Unmarshal(msg.Body, &args); err != nil {
			respond(nil, nil, errSerialization(err))
			return
		}
		if err := args.Data.Validate(); err != nil {
			respond(nil, nil, errSerialization(err))
			return
		}
		if !wire.MaskMatches(r.mask, args.Data) {
			respond(nil, nil, errSerializationf("data does not carry every key of the receiver's mask"))
			return
		}
		r.relay(s.node.uid, args.Data)
		respond(nil, nil, nil)
	}
}

// PulseReceiver accepts datamaps that carry all of its mask's keys.
type PulseReceiver struct {
	node    *Node
	spatial *Spatial
	field   *Field
	mask    wire.Datamap
}

// newPulseReceiver attaches a PulseReceiver aspect to a node that
// already carries a Spatial, and announces it to every matching sender.
func newPulseReceiver(n *Node, sp *Spatial, field *Field, mask wire.Datamap) *PulseReceiver {
	r := &PulseReceiver{node: n, spatial: sp, field: field, mask: mask}
	n.mu.Lock()
	n.pulseReceiver = r
	// send_data only exists on sender-side aliases; presence still
	// routes direct calls to member-not-found.
	n.aspects[AspectPulseReceiver] = true
	n.mu.Unlock()
	n.onDestroy(r.teardown)

	srv := n.owner.server
	srv.receivers.Add(r)
	for _, s := range srv.senders.List() {
		s.link(r)
	}
	return r
}

// createPulseReceiver backs the create_pulse_receiver interface member.
func createPulseReceiver(c *Client, id uint64, parent *Spatial, t wire.Transform, field *Field, mask wire.Datamap) (*PulseReceiver, error) {
	if err := checkNewID(id); err != nil {
		return nil, err
	}
	mask, err := checkMask(mask)
	if err != nil {
		return nil, err
	}
	n := newNode(c, id, true)
	if err := c.scenegraph.add(n); err != nil {
		return nil, err
	}
	t.Scale = nil
	sp := newSpatial(n, parent, mergeTransform(mat4Identity, t), false)
	return newPulseReceiver(n, sp, field, mask), nil
}

func (r *PulseReceiver) teardown() {
	srv := r.node.owner.server
	srv.receivers.Remove(r)
	for _, s := range srv.senders.List() {
		s.unlink(r)
	}
}

// relay delivers one datamap to the receiver's client.
func (r *PulseReceiver) relay(senderUID string, data wire.Datamap) {
	body, err := wire.Marshal(struct {
		_ struct{} `cbor:",toarray"`

		SenderUID string
		Data      wire.Datamap
	}{SenderUID: senderUID, Data: data})
	if err != nil {
		r.node.owner.log.Error("pulse data encode failed", zap.Error(err))
		return
	}
	r.node.sendRemoteSignal(AspectPulseReceiver, PulseReceiverData, body)
}

// checkMask normalizes a creation-time mask. Empty means match-all for
// senders and match-none-but-empty for receivers.
func checkMask(mask wire.Datamap) (wire.Datamap, error) {
	if len(mask) == 0 {
		return wire.EmptyDatamap(), nil
	}
	if err := mask.Validate(); err != nil {
		return nil, errSerialization(err)
	}
	return mask, nil
}
