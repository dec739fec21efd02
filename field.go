package horizon

import (
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/StardustXR/horizon/wire"
)

// FieldRef aspect opcodes, all methods.
const (
	FieldRefDistance uint16 = iota
	FieldRefNormal
	FieldRefClosestPoint
	FieldRefRayMarch
	FieldRefExport
)

// Field aspect opcodes.
const (
	FieldSetShape uint16 = iota
)

// fieldRefAliasInfo grants query-only field access plus export.
var fieldRefAliasInfo = aliasInfo{
	serverMethods: []member{
		mkMember(AspectFieldRef, FieldRefDistance),
		mkMember(AspectFieldRef, FieldRefNormal),
		mkMember(AspectFieldRef, FieldRefClosestPoint),
		mkMember(AspectFieldRef, FieldRefRayMarch),
		mkMember(AspectFieldRef, FieldRefExport),
	},
}

// Ray march tuning. The march always runs to its step or length
// limit; the minimum step clamp pushes the ray through surfaces
// instead of stopping at them, so the result records how deep the ray
// got rather than a single hit.
const (
	MaxRaySteps  = 1000
	MaxRayLength = 1000.0
	MinRayMarch  = 0.001
	MaxRayMarch  = math.MaxFloat32
)

// wireProbeRadius is the central-difference radius used by the wire
// normal and closest-point members.
const wireProbeRadius = 0.0001

// Field answers signed-distance queries against a shape positioned by
// the node's spatial. All queries transform the input from the
// caller's reference space into the field's local space, evaluate
// there, and map results back.
type Field struct {
	node    *Node
	spatial *Spatial

	mu    sync.RWMutex
	shape wire.Shape
}

// newField attaches Field and FieldRef members to a node that already
// carries a Spatial.
func newField(n *Node, sp *Spatial, shape wire.Shape) *Field {
	f := &Field{node: n, spatial: sp, shape: shape}
	n.mu.Lock()
	n.field = f
	n.mu.Unlock()

	n.addMethod(AspectFieldRef, FieldRefDistance, f.handleDistance)
	n.addMethod(AspectFieldRef, FieldRefNormal, f.handleNormal)
	n.addMethod(AspectFieldRef, FieldRefClosestPoint, f.handleClosestPoint)
	n.addMethod(AspectFieldRef, FieldRefRayMarch, f.handleRayMarch)
	n.addMethod(AspectFieldRef, FieldRefExport, f.handleExport)
	n.addSignal(AspectField, FieldSetShape, f.handleSetShape)

	srv := n.owner.server
	srv.fields.Add(f)
	n.onDestroy(func() { srv.fields.Remove(f) })
	return f
}

// createField backs the create_field interface member. The transform's
// scale is ignored; a scaled field would corrupt its distances.
func createField(c *Client, id uint64, parent *Spatial, t wire.Transform, shape wire.Shape) (*Field, error) {
	if err := checkNewID(id); err != nil {
		return nil, err
	}
	n := newNode(c, id, true)
	if err := c.scenegraph.add(n); err != nil {
		return nil, err
	}
	t.Scale = nil
	sp := newSpatial(n, parent, mergeTransform(mat4Identity, t), false)
	return newField(n, sp, shape), nil
}

// Node returns the node this field is attached to.
func (f *Field) Node() *Node { return f.node }

// Spatial returns the spatial positioning this field.
func (f *Field) Spatial() *Spatial { return f.spatial }

// Shape returns the current shape.
func (f *Field) Shape() wire.Shape {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.shape
}

// SetShape replaces the shape.
func (f *Field) SetShape(s wire.Shape) {
	f.mu.Lock()
	f.shape = s
	f.mu.Unlock()
}

// refToLocal maps reference-space coordinates into field-local space.
func (f *Field) refToLocal(reference *Spatial) mgl32.Mat4 {
	srv := f.node.owner.server
	srv.treeMu.RLock()
	defer srv.treeMu.RUnlock()
	return spaceToSpaceLocked(reference, f.spatial)
}

// localToRef maps field-local coordinates into reference space.
func (f *Field) localToRef(reference *Spatial) mgl32.Mat4 {
	srv := f.node.owner.server
	srv.treeMu.RLock()
	defer srv.treeMu.RUnlock()
	return spaceToSpaceLocked(f.spatial, reference)
}

// Distance returns the signed distance from a point in reference space
// to the field surface. Negative inside.
func (f *Field) Distance(reference *Spatial, p mgl32.Vec3) float32 {
	return shapeDistance(f.Shape(), transformPoint(f.refToLocal(reference), p))
}

// Normal returns the outward surface normal near p, expressed in
// reference space, probed at radius probe.
func (f *Field) Normal(reference *Spatial, p mgl32.Vec3, probe float32) mgl32.Vec3 {
	local := shapeNormal(f.Shape(), transformPoint(f.refToLocal(reference), p), probe)
	return transformDir(f.localToRef(reference), local).Normalize()
}

// ClosestPoint returns the point on the field surface nearest to p,
// expressed in reference space.
func (f *Field) ClosestPoint(reference *Spatial, p mgl32.Vec3, probe float32) mgl32.Vec3 {
	shape := f.Shape()
	lp := transformPoint(f.refToLocal(reference), p)
	cp := lp.Sub(shapeNormal(shape, lp, probe).Mul(shapeDistance(shape, lp)))
	return transformPoint(f.localToRef(reference), cp)
}

// RayMarch walks a ray given in reference space through the field,
// recording the minimum distance seen and the march length at which it
// occurred. The returned origin and direction echo the request.
func (f *Field) RayMarch(reference *Spatial, origin, direction mgl32.Vec3) wire.RayMarchResult {
	res := wire.RayMarchResult{
		Origin:      origin,
		Direction:   direction,
		MinDistance: math.MaxFloat32,
	}
	m := f.refToLocal(reference)
	shape := f.Shape()
	p := transformPoint(m, origin)
	dir := transformDir(m, direction)
	if dir.Len() == 0 {
		return res
	}
	dir = dir.Normalize()
	for res.RaySteps < MaxRaySteps && res.RayLength < MaxRayLength {
		d := shapeDistance(shape, p)
		step := mgl32.Clamp(d, MinRayMarch, MaxRayMarch)
		res.RayLength += step
		p = p.Add(dir.Mul(step))
		if res.MinDistance > d {
			res.MinDistance = d
			res.DeepestPointDistance = res.RayLength
		}
		res.RaySteps++
	}
	return res
}

// localBounds is the axis-aligned extent of the current shape around
// the field origin.
func (f *Field) localBounds() wire.BoundingBox {
	s := f.Shape()
	switch s.Kind {
	case wire.ShapeBox:
		return wire.BoundingBox{Size: s.Size}
	case wire.ShapeCylinder:
		return wire.BoundingBox{Size: wire.Vec3{s.Radius * 2, s.Length, s.Radius * 2}}
	case wire.ShapeSphere:
		return wire.BoundingBox{Size: wire.Vec3{s.Radius * 2, s.Radius * 2, s.Radius * 2}}
	case wire.ShapeTorus:
		d := (s.RadiusA + s.RadiusB) * 2
		return wire.BoundingBox{Size: wire.Vec3{d, s.RadiusB * 2, d}}
	default:
		return wire.BoundingBox{}
	}
}

// --- shape primitives ---

// shapeDistance evaluates the signed distance from p to the shape
// surface in shape-local space.
func shapeDistance(s wire.Shape, p mgl32.Vec3) float32 {
	switch s.Kind {
	case wire.ShapeBox:
		q := mgl32.Vec3{
			mgl32.Abs(p.X()) - s.Size.X()/2,
			mgl32.Abs(p.Y()) - s.Size.Y()/2,
			mgl32.Abs(p.Z()) - s.Size.Z()/2,
		}
		outside := mgl32.Vec3{max(q.X(), 0), max(q.Y(), 0), max(q.Z(), 0)}.Len()
		return outside + min(max(q.X(), max(q.Y(), q.Z())), 0)
	case wire.ShapeCylinder:
		dx := hypot32(p.X(), p.Z()) - s.Radius
		dy := mgl32.Abs(p.Y()) - s.Length/2
		return min(max(dx, dy), 0) + hypot32(max(dx, 0), max(dy, 0))
	case wire.ShapeSphere:
		return p.Len() - s.Radius
	case wire.ShapeTorus:
		q := hypot32(p.X(), p.Z()) - s.RadiusA
		return hypot32(q, p.Y()) - s.RadiusB
	default:
		return float32(math.Inf(1))
	}
}

// shapeNormal derives the outward normal at p from central-difference
// distance probes of radius r. Any shape needs only shapeDistance.
func shapeNormal(s wire.Shape, p mgl32.Vec3, r float32) mgl32.Vec3 {
	grad := mgl32.Vec3{
		shapeDistance(s, mgl32.Vec3{p.X() + r, p.Y(), p.Z()}) -
			shapeDistance(s, mgl32.Vec3{p.X() - r, p.Y(), p.Z()}),
		shapeDistance(s, mgl32.Vec3{p.X(), p.Y() + r, p.Z()}) -
			shapeDistance(s, mgl32.Vec3{p.X(), p.Y() - r, p.Z()}),
		shapeDistance(s, mgl32.Vec3{p.X(), p.Y(), p.Z() + r}) -
			shapeDistance(s, mgl32.Vec3{p.X(), p.Y(), p.Z() - r}),
	}
	return grad.Normalize()
}

// --- wire handlers ---

// resolveField finds the field behind a node reference in the calling
// client's scenegraph.
func resolveField(c *Client, id uint64) (*Field, error) {
	n, err := c.scenegraph.Node(id)
	if err != nil {
		return nil, err
	}
	return n.fieldAspect()
}

// fieldPointArgs is the common (space, point) argument pair.
type fieldPointArgs struct {
	_ struct{} `cbor:",toarray"`

	Space uint64
	Point wire.Vec3
}

func (f *Field) handleDistance(calling *Client, _ *Node, msg wire.Message, respond wire.Responder) {
	var args fieldPointArgs
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	reference, err := resolveSpatial(calling, args.Space)
	if err != nil {
		respond(nil, nil, err)
		return
	}
	body, err := wire.Marshal(f.Distance(reference, args.Point))
	if err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	respond(body, nil, nil)
}

func (f *Field) handleNormal(calling *Client, _ *Node, msg wire.Message, respond wire.Responder) {
	var args fieldPointArgs
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	reference, err := resolveSpatial(calling, args.Space)
	if err != nil {
		respond(nil, nil, err)
		return
	}
	body, err := wire.Marshal(f.Normal(reference, args.Point, wireProbeRadius))
	if err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	respond(body, nil, nil)
}

func (f *Field) handleClosestPoint(calling *Client, _ *Node, msg wire.Message, respond wire.Responder) {
	var args fieldPointArgs
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	reference, err := resolveSpatial(calling, args.Space)
	if err != nil {
		respond(nil, nil, err)
		return
	}
	body, err := wire.Marshal(f.ClosestPoint(reference, args.Point, wireProbeRadius))
	if err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	respond(body, nil, nil)
}

func (f *Field) handleRayMarch(calling *Client, _ *Node, msg wire.Message, respond wire.Responder) {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Space     uint64
		Origin    wire.Vec3
		Direction wire.Vec3
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	reference, err := resolveSpatial(calling, args.Space)
	if err != nil {
		respond(nil, nil, err)
		return
	}
	body, err := wire.Marshal(f.RayMarch(reference, args.Origin, args.Direction))
	if err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	respond(body, nil, nil)
}

func (f *Field) handleExport(_ *Client, _ *Node, _ wire.Message, respond wire.Responder) {
	body, err := wire.Marshal(f.node.owner.server.exportField(f.node))
	if err != nil {
		respond(nil, nil, errSerialization(err))
		return
	}
	respond(body, nil, nil)
}

func (f *Field) handleSetShape(_ *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Shape wire.Shape
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	f.SetShape(args.Shape)
	return nil
}
