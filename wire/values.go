package wire

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
)

// Every body on the protocol is CBOR. Struct values encode as positional
// arrays, unions as [discriminant, value] pairs, optionals as null-or-value.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCoreDeterministic}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	return b, errors.Wrap(err, "wire: marshal")
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return errors.Wrap(decMode.Unmarshal(data, v), "wire: unmarshal")
}

// --- Vectors and rotations ---

// Vec2 and Vec3 encode as fixed arrays of floats.
type (
	Vec2 = mgl32.Vec2
	Vec3 = mgl32.Vec3
)

// Quat is a rotation quaternion, encoded as [x, y, z, w].
type Quat struct {
	_ struct{} `cbor:",toarray"`

	X, Y, Z, W float32
}

// QuatIdentity is the no-rotation quaternion.
var QuatIdentity = Quat{W: 1}

// QuatFrom converts from the math library's W-first layout.
func QuatFrom(q mgl32.Quat) Quat {
	return Quat{X: q.V[0], Y: q.V[1], Z: q.V[2], W: q.W}
}

// MGL converts to the math library's W-first layout.
func (q Quat) MGL() mgl32.Quat {
	return mgl32.Quat{W: q.W, V: mgl32.Vec3{q.X, q.Y, q.Z}}
}

// Color is a straight-alpha RGBA color, encoded as [r, g, b, a].
type Color struct {
	_ struct{} `cbor:",toarray"`

	R, G, B, A float32
}

// --- Transforms ---

// Transform carries an optional position, rotation, and scale. A nil
// component leaves the corresponding part of the target untouched.
type Transform struct {
	_ struct{} `cbor:",toarray"`

	Position *Vec3
	Rotation *Quat
	Scale    *Vec3
}

// TransformNone changes nothing.
var TransformNone = Transform{}

// TransformT positions without rotating or scaling.
func TransformT(p Vec3) Transform { return Transform{Position: &p} }

// TransformTR positions and rotates.
func TransformTR(p Vec3, r Quat) Transform { return Transform{Position: &p, Rotation: &r} }

// TransformTRS sets all three components.
func TransformTRS(p Vec3, r Quat, s Vec3) Transform {
	return Transform{Position: &p, Rotation: &r, Scale: &s}
}

// BoundingBox is an axis-aligned box given by its center and full size.
type BoundingBox struct {
	_ struct{} `cbor:",toarray"`

	Center Vec3
	Size   Vec3
}

// --- Shapes ---

// ShapeKind discriminates the Shape union.
type ShapeKind uint8

const (
	ShapeBox ShapeKind = iota
	ShapeCylinder
	ShapeSphere
	ShapeTorus
)

// Shape is a signed-distance volume, one of box, cylinder, sphere, or
// torus. It encodes as [kind, fields...].
type Shape struct {
	Kind ShapeKind

	Size    Vec3    // ShapeBox: full extents
	Length  float32 // ShapeCylinder: height along local Y
	Radius  float32 // ShapeCylinder, ShapeSphere
	RadiusA float32 // ShapeTorus: major radius in the local XZ plane
	RadiusB float32 // ShapeTorus: minor radius
}

// NewBox returns a box shape with the given full extents.
func NewBox(size Vec3) Shape { return Shape{Kind: ShapeBox, Size: size} }

// NewCylinder returns a Y-axis cylinder shape.
func NewCylinder(length, radius float32) Shape {
	return Shape{Kind: ShapeCylinder, Length: length, Radius: radius}
}

// NewSphere returns a sphere shape.
func NewSphere(radius float32) Shape { return Shape{Kind: ShapeSphere, Radius: radius} }

// NewTorus returns a torus shape lying in the local XZ plane.
func NewTorus(radiusA, radiusB float32) Shape {
	return Shape{Kind: ShapeTorus, RadiusA: radiusA, RadiusB: radiusB}
}

// MarshalCBOR encodes the shape as a [kind, value] union.
func (s Shape) MarshalCBOR() ([]byte, error) {
	var value any
	switch s.Kind {
	case ShapeBox:
		value = []any{s.Size}
	case ShapeCylinder:
		value = []any{s.Length, s.Radius}
	case ShapeSphere:
		value = []any{s.Radius}
	case ShapeTorus:
		value = []any{s.RadiusA, s.RadiusB}
	default:
		return nil, errors.Errorf("wire: unknown shape kind %d", s.Kind)
	}
	return encMode.Marshal([]any{uint8(s.Kind), value})
}

// UnmarshalCBOR decodes a [kind, value] union.
func (s *Shape) UnmarshalCBOR(data []byte) error {
	kind, value, err := unionParts(data)
	if err != nil {
		return errors.Wrap(err, "wire: shape")
	}
	*s = Shape{Kind: ShapeKind(kind)}
	switch s.Kind {
	case ShapeBox:
		var v struct {
			_ struct{} `cbor:",toarray"`

			Size Vec3
		}
		if err := decMode.Unmarshal(value, &v); err != nil {
			return errors.Wrap(err, "wire: box shape")
		}
		s.Size = v.Size
	case ShapeCylinder:
		var v struct {
			_ struct{} `cbor:",toarray"`

			Length, Radius float32
		}
		if err := decMode.Unmarshal(value, &v); err != nil {
			return errors.Wrap(err, "wire: cylinder shape")
		}
		s.Length, s.Radius = v.Length, v.Radius
	case ShapeSphere:
		var v struct {
			_ struct{} `cbor:",toarray"`

			Radius float32
		}
		if err := decMode.Unmarshal(value, &v); err != nil {
			return errors.Wrap(err, "wire: sphere shape")
		}
		s.Radius = v.Radius
	case ShapeTorus:
		var v struct {
			_ struct{} `cbor:",toarray"`

			RadiusA, RadiusB float32
		}
		if err := decMode.Unmarshal(value, &v); err != nil {
			return errors.Wrap(err, "wire: torus shape")
		}
		s.RadiusA, s.RadiusB = v.RadiusA, v.RadiusB
	default:
		return errors.Errorf("wire: unknown shape kind %d", kind)
	}
	return nil
}

// unionParts splits a [discriminant, value] pair.
func unionParts(data []byte) (uint8, cbor.RawMessage, error) {
	var raw []cbor.RawMessage
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return 0, nil, err
	}
	if len(raw) != 2 {
		return 0, nil, errors.Errorf("union has %d elements, want 2", len(raw))
	}
	var kind uint8
	if err := decMode.Unmarshal(raw[0], &kind); err != nil {
		return 0, nil, err
	}
	return kind, raw[1], nil
}

// --- Input payloads ---

// InputKind discriminates the Input union.
type InputKind uint8

const (
	InputPointer InputKind = iota
	InputHand
	InputTip
)

// Joint is one tracked joint of a hand.
type Joint struct {
	_ struct{} `cbor:",toarray"`

	Position Vec3
	Rotation Quat
	Radius   float32
}

// Finger is a joint chain from fingertip to metacarpal.
type Finger struct {
	_ struct{} `cbor:",toarray"`

	Tip          Joint
	Distal       Joint
	Intermediate Joint
	Proximal     Joint
	Metacarpal   Joint
}

// Thumb is a finger without an intermediate joint.
type Thumb struct {
	_ struct{} `cbor:",toarray"`

	Tip        Joint
	Distal     Joint
	Proximal   Joint
	Metacarpal Joint
}

// Pointer is a ray-shaped input source. The ray starts at Origin and
// runs along the rotated -Z axis. DeepestPoint is filled in per handler
// from the last ray march against the handler's field.
type Pointer struct {
	_ struct{} `cbor:",toarray"`

	Origin       Vec3
	Orientation  Quat
	DeepestPoint Vec3
}

// Hand is a fully tracked hand.
type Hand struct {
	_ struct{} `cbor:",toarray"`

	Right  bool
	Thumb  Thumb
	Index  Finger
	Middle Finger
	Ring   Finger
	Little Finger
	Palm   Joint
	Wrist  Joint
	Elbow  *Joint
}

// Tip is a single-point input source such as a stylus or controller tip.
type Tip struct {
	_ struct{} `cbor:",toarray"`

	Origin      Vec3
	Orientation Quat
}

// Input is one of the three input payloads, encoded as [kind, value].
type Input struct {
	Kind InputKind

	Pointer Pointer
	Hand    Hand
	Tip     Tip
}

// NewPointer wraps a pointer payload.
func NewPointer(p Pointer) Input { return Input{Kind: InputPointer, Pointer: p} }

// NewHand wraps a hand payload.
func NewHand(h Hand) Input { return Input{Kind: InputHand, Hand: h} }

// NewTip wraps a tip payload.
func NewTip(t Tip) Input { return Input{Kind: InputTip, Tip: t} }

// MarshalCBOR encodes the payload as a [kind, value] union.
func (in Input) MarshalCBOR() ([]byte, error) {
	var value any
	switch in.Kind {
	case InputPointer:
		value = in.Pointer
	case InputHand:
		value = in.Hand
	case InputTip:
		value = in.Tip
	default:
		return nil, errors.Errorf("wire: unknown input kind %d", in.Kind)
	}
	return encMode.Marshal([]any{uint8(in.Kind), value})
}

// UnmarshalCBOR decodes a [kind, value] union.
func (in *Input) UnmarshalCBOR(data []byte) error {
	kind, value, err := unionParts(data)
	if err != nil {
		return errors.Wrap(err, "wire: input")
	}
	*in = Input{Kind: InputKind(kind)}
	switch in.Kind {
	case InputPointer:
		return errors.Wrap(decMode.Unmarshal(value, &in.Pointer), "wire: pointer")
	case InputHand:
		return errors.Wrap(decMode.Unmarshal(value, &in.Hand), "wire: hand")
	case InputTip:
		return errors.Wrap(decMode.Unmarshal(value, &in.Tip), "wire: tip")
	default:
		return errors.Errorf("wire: unknown input kind %d", kind)
	}
}

// InputData is one frame of one input source as seen by one handler.
// ID names the input source's alias in the handler client's scenegraph.
type InputData struct {
	_ struct{} `cbor:",toarray"`

	ID       uint64
	UID      string
	Input    Input
	Distance float32
	Datamap  Datamap
	Order    uint32
	Captured bool
}

// RayMarchResult reports a fixed-step ray march through a field.
type RayMarchResult struct {
	_ struct{} `cbor:",toarray"`

	Origin               Vec3
	Direction            Vec3
	MinDistance          float32
	DeepestPointDistance float32
	RayLength            float32
	RaySteps             uint32
}

// FrameInfo is delivered to subscribed clients once per server tick.
type FrameInfo struct {
	_ struct{} `cbor:",toarray"`

	Delta   float64
	Elapsed float64
}
