package horizon

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/StardustXR/horizon/wire"
)

// SpatialRef aspect opcodes, all methods. SpatialRef is the read side
// of a spatial: pose queries, bounding boxes, and export.
const (
	SpatialRefGetTransform uint16 = iota
	SpatialRefGetLocalBoundingBox
	SpatialRefGetRelativeBoundingBox
	SpatialRefExport
)

// Spatial aspect opcodes. The transform setters and set_zoneable are
// signals; the parent operations are methods so cycle rejection
// reaches the caller.
const (
	SpatialSetLocalTransform uint16 = iota
	SpatialSetRelativeTransform
	SpatialSetZoneable
	SpatialSetParent
	SpatialSetParentInPlace
)

// spatialRefAliasInfo grants read-only spatial access plus export.
var spatialRefAliasInfo = aliasInfo{
	serverMethods: []member{
		mkMember(AspectSpatialRef, SpatialRefGetTransform),
		mkMember(AspectSpatialRef, SpatialRefGetLocalBoundingBox),
		mkMember(AspectSpatialRef, SpatialRefGetRelativeBoundingBox),
		mkMember(AspectSpatialRef, SpatialRefExport),
	},
}

// spatialAliasInfo additionally grants pose and hierarchy mutation.
// Zones hand these out on capture.
var spatialAliasInfo = aliasInfo{
	serverSignals: []member{
		mkMember(AspectSpatial, SpatialSetLocalTransform),
		mkMember(AspectSpatial, SpatialSetRelativeTransform),
		mkMember(AspectSpatial, SpatialSetZoneable),
	},
	serverMethods: []member{
		mkMember(AspectSpatialRef, SpatialRefGetTransform),
		mkMember(AspectSpatialRef, SpatialRefGetLocalBoundingBox),
		mkMember(AspectSpatialRef, SpatialRefGetRelativeBoundingBox),
		mkMember(AspectSpatialRef, SpatialRefExport),
		mkMember(AspectSpatial, SpatialSetParent),
		mkMember(AspectSpatial, SpatialSetParentInPlace),
	},
}

// Spatial places a node in the transform hierarchy. Global transforms
// fold on demand up the parent chain and are never cached. Hierarchy
// state, zoneable state, and the zone capture fields are all guarded
// by the server's treeMu.
type Spatial struct {
	node *Node

	local    mgl32.Mat4
	parent   *Spatial
	children []*Spatial

	zoneable bool

	// Zone capture state, maintained by zone.go. zoneDist is the
	// signed distance recorded when the current zone claimed this
	// spatial; -Inf when unowned so any zone wins the first claim.
	zone      *Zone
	zoneDist  float32
	zoneAlias *Node
	oldParent *Spatial
	oldLocal  mgl32.Mat4
}

// newSpatial attaches a Spatial aspect to n. parent may be nil for a
// world-rooted spatial.
func newSpatial(n *Node, parent *Spatial, local mgl32.Mat4, zoneable bool) *Spatial {
	s := &Spatial{
		node:     n,
		local:    local,
		zoneDist: float32(math.Inf(-1)),
	}
	srv := s.srv()
	srv.treeMu.Lock()
	s.parent = parent
	if parent != nil {
		parent.children = append(parent.children, s)
	}
	srv.treeMu.Unlock()

	n.mu.Lock()
	n.spatial = s
	n.mu.Unlock()

	n.addMethod(AspectSpatialRef, SpatialRefGetTransform, s.handleGetTransform)
	n.addMethod(AspectSpatialRef, SpatialRefGetLocalBoundingBox, s.handleGetLocalBoundingBox)
	n.addMethod(AspectSpatialRef, SpatialRefGetRelativeBoundingBox, s.handleGetRelativeBoundingBox)
	n.addMethod(AspectSpatialRef, SpatialRefExport, s.handleExport)
	n.addSignal(AspectSpatial, SpatialSetLocalTransform, s.handleSetLocalTransform)
	n.addSignal(AspectSpatial, SpatialSetRelativeTransform, s.handleSetRelativeTransform)
	n.addSignal(AspectSpatial, SpatialSetZoneable, s.handleSetZoneable)
	n.addMethod(AspectSpatial, SpatialSetParent, s.handleSetParent)
	n.addMethod(AspectSpatial, SpatialSetParentInPlace, s.handleSetParentInPlace)
	n.onDestroy(s.teardown)

	if zoneable {
		s.SetZoneable(true)
	}
	return s
}

// createSpatial backs the create_spatial interface member.
func createSpatial(c *Client, id uint64, parent *Spatial, t wire.Transform, zoneable bool) (*Spatial, error) {
	if err := checkNewID(id); err != nil {
		return nil, err
	}
	n := newNode(c, id, true)
	if err := c.scenegraph.add(n); err != nil {
		return nil, err
	}
	return newSpatial(n, parent, mergeTransform(mat4Identity, t), zoneable), nil
}

func (s *Spatial) srv() *Server { return s.node.owner.server }

// Node returns the node this spatial is attached to.
func (s *Spatial) Node() *Node { return s.node }

// teardown releases any zone capture, leaves the zoneable registry,
// and splices this spatial out of the tree. Children keep their world
// pose under the removed spatial's parent.
func (s *Spatial) teardown() {
	if z := s.currentZone(); z != nil {
		z.release(s)
	}
	srv := s.srv()
	srv.zoneables.Remove(s)

	srv.treeMu.Lock()
	defer srv.treeMu.Unlock()
	for _, c := range s.children {
		world := c.globalLocked()
		c.parent = s.parent
		if s.parent != nil {
			s.parent.children = append(s.parent.children, c)
			c.local = safeInv(s.parent.globalLocked()).Mul4(world)
		} else {
			c.local = world
		}
	}
	s.children = nil
	if s.parent != nil {
		s.parent.removeChildLocked(s)
		s.parent = nil
	}
}

func (s *Spatial) currentZone() *Zone {
	srv := s.srv()
	srv.treeMu.RLock()
	defer srv.treeMu.RUnlock()
	return s.zone
}

// --- transforms ---

// LocalTransform returns the transform relative to the parent.
func (s *Spatial) LocalTransform() mgl32.Mat4 {
	srv := s.srv()
	srv.treeMu.RLock()
	defer srv.treeMu.RUnlock()
	return s.local
}

// SetLocalTransform replaces the local transform wholesale.
func (s *Spatial) SetLocalTransform(m mgl32.Mat4) {
	srv := s.srv()
	srv.treeMu.Lock()
	s.local = m
	srv.treeMu.Unlock()
}

func (s *Spatial) globalLocked() mgl32.Mat4 {
	if s.parent == nil {
		return s.local
	}
	return s.parent.globalLocked().Mul4(s.local)
}

// GlobalTransform folds local transforms up to the root.
func (s *Spatial) GlobalTransform() mgl32.Mat4 {
	srv := s.srv()
	srv.treeMu.RLock()
	defer srv.treeMu.RUnlock()
	return s.globalLocked()
}

// spaceToSpaceLocked maps from-space coordinates into to-space:
// inverse(to.global) * from.global. nil means world space.
func spaceToSpaceLocked(from, to *Spatial) mgl32.Mat4 {
	fg := mat4Identity
	if from != nil {
		fg = from.globalLocked()
	}
	tg := mat4Identity
	if to != nil {
		tg = to.globalLocked()
	}
	return safeInv(tg).Mul4(fg)
}

// RelativeTransform returns this spatial's transform as seen from
// reference.
func (s *Spatial) RelativeTransform(reference *Spatial) mgl32.Mat4 {
	srv := s.srv()
	srv.treeMu.RLock()
	defer srv.treeMu.RUnlock()
	return spaceToSpaceLocked(s, reference)
}

// deltaMat composes a full matrix from a partial transform, with
// identity defaults for unsupplied components.
func deltaMat(t wire.Transform) mgl32.Mat4 {
	pos := mgl32.Vec3{}
	rot := mgl32.QuatIdent()
	scale := mgl32.Vec3{1, 1, 1}
	if t.Position != nil {
		pos = *t.Position
	}
	if t.Rotation != nil {
		rot = t.Rotation.MGL()
	}
	if t.Scale != nil {
		scale = clampScale(*t.Scale)
	}
	return composeTRS(pos, rot, scale)
}

// SetRelativeTransform edits the supplied transform components as seen
// from reference space. Referencing the spatial itself premultiplies
// the delta onto the current local transform; otherwise the local
// transform is rebased into reference space, merged component-wise,
// and rebased back.
func (s *Spatial) SetRelativeTransform(reference *Spatial, t wire.Transform) {
	srv := s.srv()
	srv.treeMu.Lock()
	defer srv.treeMu.Unlock()
	if reference == s {
		s.local = deltaMat(t).Mul4(s.local)
		return
	}
	refToParent := spaceToSpaceLocked(reference, s.parent)
	inRef := safeInv(refToParent).Mul4(s.local)
	s.local = refToParent.Mul4(mergeTransform(inRef, t))
}

// --- hierarchy ---

func (s *Spatial) hasAncestorLocked(a *Spatial) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur == a {
			return true
		}
	}
	return false
}

func (p *Spatial) removeChildLocked(c *Spatial) {
	for i, ch := range p.children {
		if ch == c {
			copy(p.children[i:], p.children[i+1:])
			p.children[len(p.children)-1] = nil
			p.children = p.children[:len(p.children)-1]
			return
		}
	}
}

// Parent returns the current parent spatial, nil at the root.
func (s *Spatial) Parent() *Spatial {
	srv := s.srv()
	srv.treeMu.RLock()
	defer srv.treeMu.RUnlock()
	return s.parent
}

// SetParent reparents keeping the local transform, so the world pose
// jumps. A cycle is rejected before any mutation.
func (s *Spatial) SetParent(parent *Spatial) error {
	srv := s.srv()
	srv.treeMu.Lock()
	defer srv.treeMu.Unlock()
	return s.setParentLocked(parent, false)
}

// SetParentInPlace reparents and solves the local transform so the
// world pose is preserved.
func (s *Spatial) SetParentInPlace(parent *Spatial) error {
	srv := s.srv()
	srv.treeMu.Lock()
	defer srv.treeMu.Unlock()
	return s.setParentLocked(parent, true)
}

func (s *Spatial) setParentLocked(parent *Spatial, keepWorld bool) error {
	if parent != nil && parent.hasAncestorLocked(s) {
		return errCyclef("parenting node %#x under node %#x would create a cycle",
			s.node.id, parent.node.id)
	}
	if keepWorld {
		world := s.globalLocked()
		if parent != nil {
			s.local = safeInv(parent.globalLocked()).Mul4(world)
		} else {
			s.local = world
		}
	}
	if s.parent != nil {
		s.parent.removeChildLocked(s)
	}
	s.parent = parent
	if parent != nil {
		parent.children = append(parent.children, s)
	}
	return nil
}

// --- zoneable ---

// SetZoneable adds or removes the spatial from zone consideration.
// Turning it off releases any current capture.
func (s *Spatial) SetZoneable(on bool) {
	srv := s.srv()
	srv.treeMu.Lock()
	s.zoneable = on
	srv.treeMu.Unlock()
	if on {
		srv.zoneables.Add(s)
		return
	}
	srv.zoneables.Remove(s)
	if z := s.currentZone(); z != nil {
		z.release(s)
	}
}

// --- bounding boxes ---

func (s *Spatial) localBoundingBoxLocked() wire.BoundingBox {
	var b aabb
	s.node.mu.Lock()
	f := s.node.field
	s.node.mu.Unlock()
	if f != nil {
		b.addBox(f.localBounds(), mat4Identity)
	}
	for _, c := range s.children {
		b.addBox(c.localBoundingBoxLocked(), c.local)
	}
	return b.box()
}

// LocalBoundingBox unions the node's own field bounds with every
// child's box brought into this spatial's space.
func (s *Spatial) LocalBoundingBox() wire.BoundingBox {
	srv := s.srv()
	srv.treeMu.RLock()
	defer srv.treeMu.RUnlock()
	return s.localBoundingBoxLocked()
}

// RelativeBoundingBox is the local box transformed into reference's
// space and re-fit to the axes there.
func (s *Spatial) RelativeBoundingBox(reference *Spatial) wire.BoundingBox {
	srv := s.srv()
	srv.treeMu.RLock()
	defer srv.treeMu.RUnlock()
	var b aabb
	b.addBox(s.localBoundingBoxLocked(), spaceToSpaceLocked(s, reference))
	return b.box()
}

// --- wire handlers ---

// resolveSpatial finds the spatial behind a node reference in the
// calling client's scenegraph.
func resolveSpatial(c *Client, id uint64) (*Spatial, error) {
	n, err := c.scenegraph.Node(id)
	if err != nil {
		return nil, err
	}
	return n.spatialAspect()
}

func (s *Spatial) handleGetTransform(calling *Client, _ *Node, msg wire.Message, respond wire.Responder) {
	var args struct {
		_ struct{} `cbor:",toarray"`

		RelativeTo uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	reference, err := resolveSpatial(calling, args.RelativeTo)
	if err != nil {
		respond(nil, nil, err)
		return
	}
	pos, rot, scale := decomposeTRS(s.RelativeTransform(reference))
	body, err := wire.Marshal(wire.TransformTRS(pos, wire.QuatFrom(rot), scale))
	if err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	respond(body, nil, nil)
}

func (s *Spatial) handleGetLocalBoundingBox(_ *Client, _ *Node, _ wire.Message, respond wire.Responder) {
	body, err := wire.Marshal(s.LocalBoundingBox())
	if err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	respond(body, nil, nil)
}

func (s *Spatial) handleGetRelativeBoundingBox(calling *Client, _ *Node, msg wire.Message, respond wire.Responder) {
	var args struct {
		_ struct{} `cbor:",toarray"`

		RelativeTo uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	reference, err := resolveSpatial(calling, args.RelativeTo)
	if err != nil {
		respond(nil, nil, err)
		return
	}
	body, err := wire.Marshal(s.RelativeBoundingBox(reference))
	if err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	respond(body, nil, nil)
}

func (s *Spatial) handleExport(_ *Client, _ *Node, _ wire.Message, respond wire.Responder) {
	body, err := wire.Marshal(s.srv().exportSpatial(s.node))
	if err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	respond(body, nil, nil)
}

func (s *Spatial) handleSetLocalTransform(_ *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Transform wire.Transform
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	srv := s.srv()
	srv.treeMu.Lock()
	s.local = mergeTransform(s.local, args.Transform)
	srv.treeMu.Unlock()
	return nil
}

func (s *Spatial) handleSetRelativeTransform(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		RelativeTo uint64
		Transform  wire.Transform
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	reference, err := resolveSpatial(calling, args.RelativeTo)
	if err != nil {
		return err
	}
	s.SetRelativeTransform(reference, args.Transform)
	return nil
}

func (s *Spatial) handleSetZoneable(_ *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Zoneable bool
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	s.SetZoneable(args.Zoneable)
	return nil
}

func (s *Spatial) handleSetParent(calling *Client, _ *Node, msg wire.Message, respond wire.Responder) {
	s.reparentFromWire(calling, msg, respond, false)
}

func (s *Spatial) handleSetParentInPlace(calling *Client, _ *Node, msg wire.Message, respond wire.Responder) {
	s.reparentFromWire(calling, msg, respond, true)
}

func (s *Spatial) reparentFromWire(calling *Client, msg wire.Message, respond wire.Responder, keepWorld bool) {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Parent uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	parent, err := resolveSpatial(calling, args.Parent)
	if err != nil {
		respond(nil, nil, err)
		return
	}
	if keepWorld {
		err = s.SetParentInPlace(parent)
	} else {
		err = s.SetParent(parent)
	}
	respond(nil, nil, err)
}
