package horizon

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/StardustXR/horizon/wire"
)

// scaleEpsilon replaces near-zero scale components so local matrices
// stay invertible.
const scaleEpsilon = 1e-5

var mat4Identity = mgl32.Ident4()

// composeTRS builds translation * rotation * scale.
func composeTRS(pos mgl32.Vec3, rot mgl32.Quat, scale mgl32.Vec3) mgl32.Mat4 {
	m := mgl32.Translate3D(pos.X(), pos.Y(), pos.Z())
	m = m.Mul4(rot.Mat4())
	return m.Mul4(mgl32.Scale3D(scale.X(), scale.Y(), scale.Z()))
}

// decomposeTRS splits an affine matrix into translation, rotation, and
// scale. A reflection carries its sign on the X scale. Degenerate axes
// yield NaN rotation components; screen those with quatValid.
func decomposeTRS(m mgl32.Mat4) (mgl32.Vec3, mgl32.Quat, mgl32.Vec3) {
	pos := mgl32.Vec3{m.At(0, 3), m.At(1, 3), m.At(2, 3)}
	xa := mgl32.Vec3{m.At(0, 0), m.At(1, 0), m.At(2, 0)}
	ya := mgl32.Vec3{m.At(0, 1), m.At(1, 1), m.At(2, 1)}
	za := mgl32.Vec3{m.At(0, 2), m.At(1, 2), m.At(2, 2)}

	sx, sy, sz := xa.Len(), ya.Len(), za.Len()
	if m.Det() < 0 {
		sx = -sx
	}
	rot := mgl32.Mat4ToQuat(mgl32.Mat4FromCols(
		xa.Mul(1/sx).Vec4(0),
		ya.Mul(1/sy).Vec4(0),
		za.Mul(1/sz).Vec4(0),
		mgl32.Vec4{0, 0, 0, 1},
	))
	return pos, rot, mgl32.Vec3{sx, sy, sz}
}

// quatValid reports whether q has no NaN components.
func quatValid(q mgl32.Quat) bool {
	return !(math.IsNaN(float64(q.W)) ||
		math.IsNaN(float64(q.V[0])) ||
		math.IsNaN(float64(q.V[1])) ||
		math.IsNaN(float64(q.V[2])))
}

// clampScale substitutes near-zero scale components, keeping sign.
func clampScale(s mgl32.Vec3) mgl32.Vec3 {
	for i, v := range s {
		if math.Abs(float64(v)) < scaleEpsilon {
			if math.Signbit(float64(v)) {
				s[i] = -scaleEpsilon
			} else {
				s[i] = scaleEpsilon
			}
		}
	}
	return s
}

// safeInv inverts m, falling back to identity when singular.
func safeInv(m mgl32.Mat4) mgl32.Mat4 {
	inv := m.Inv()
	if inv == (mgl32.Mat4{}) {
		return mat4Identity
	}
	return inv
}

// transformPoint applies m to a position.
func transformPoint(m mgl32.Mat4, p mgl32.Vec3) mgl32.Vec3 {
	return m.Mul4x1(p.Vec4(1)).Vec3()
}

// transformDir applies m to a direction, ignoring translation.
func hypot32(x, y float32) float32 {
	return float32(math.Hypot(float64(x), float64(y)))
}

func transformDir(m mgl32.Mat4, v mgl32.Vec3) mgl32.Vec3 {
	return m.Mul4x1(v.Vec4(0)).Vec3()
}

// mergeTransform overlays the supplied components of t onto the
// decomposition of base and recomposes. Components t leaves nil keep
// their decomposed values; a NaN rotation decomposed from a degenerate
// base falls back to identity when t supplies none.
func mergeTransform(base mgl32.Mat4, t wire.Transform) mgl32.Mat4 {
	pos, rot, scale := decomposeTRS(base)
	if t.Position != nil {
		pos = *t.Position
	}
	if t.Rotation != nil {
		rot = t.Rotation.MGL()
	} else if !quatValid(rot) {
		rot = mgl32.QuatIdent()
	}
	if t.Scale != nil {
		scale = clampScale(*t.Scale)
	}
	return composeTRS(pos, rot, scale)
}

// --- Bounding boxes ---

// aabb accumulates an axis-aligned bounding box.
type aabb struct {
	min, max mgl32.Vec3
	set      bool
}

func (b *aabb) add(p mgl32.Vec3) {
	if !b.set {
		b.min, b.max, b.set = p, p, true
		return
	}
	for i := range p {
		b.min[i] = min(b.min[i], p[i])
		b.max[i] = max(b.max[i], p[i])
	}
}

// addBox folds in box's eight corners mapped through m.
func (b *aabb) addBox(box wire.BoundingBox, m mgl32.Mat4) {
	half := box.Size.Mul(0.5)
	for _, dx := range [2]float32{-1, 1} {
		for _, dy := range [2]float32{-1, 1} {
			for _, dz := range [2]float32{-1, 1} {
				corner := box.Center.Add(mgl32.Vec3{dx * half.X(), dy * half.Y(), dz * half.Z()})
				b.add(transformPoint(m, corner))
			}
		}
	}
}

func (b *aabb) box() wire.BoundingBox {
	if !b.set {
		return wire.BoundingBox{}
	}
	return wire.BoundingBox{
		Center: b.min.Add(b.max).Mul(0.5),
		Size:   b.max.Sub(b.min),
	}
}
