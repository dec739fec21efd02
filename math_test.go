package horizon

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/StardustXR/horizon/wire"
)

// --- compose / decompose ---

func TestComposeTRSTranslationOnly(t *testing.T) {
	m := composeTRS(mgl32.Vec3{1, 2, 3}, mgl32.QuatIdent(), mgl32.Vec3{1, 1, 1})
	assertMat4(t, "translate", m, mgl32.Translate3D(1, 2, 3))
}

func TestDecomposeTRSRoundTrip(t *testing.T) {
	pos := mgl32.Vec3{1, -2, 3}
	rot := mgl32.QuatRotate(math.Pi/2, mgl32.Vec3{0, 1, 0})
	scale := mgl32.Vec3{2, 3, 4}

	gotPos, gotRot, gotScale := decomposeTRS(composeTRS(pos, rot, scale))
	assertVec3(t, "position", gotPos, pos)
	assertQuat(t, "rotation", gotRot, rot)
	assertVec3(t, "scale", gotScale, scale)
}

func TestDecomposeTRSReflection(t *testing.T) {
	// A negative determinant puts the flip on the X scale.
	m := composeTRS(mgl32.Vec3{}, mgl32.QuatIdent(), mgl32.Vec3{-2, 3, 4})
	_, _, scale := decomposeTRS(m)
	assertVec3(t, "scale", scale, mgl32.Vec3{-2, 3, 4})
}

func TestDecomposeTRSDegenerateAxis(t *testing.T) {
	// A zero X axis cannot normalize; the rotation comes back NaN and
	// quatValid screens it.
	_, rot, _ := decomposeTRS(mgl32.Scale3D(0, 1, 1))
	if quatValid(rot) {
		t.Errorf("rotation of a degenerate basis should be invalid, got %v", rot)
	}
}

func TestQuatValid(t *testing.T) {
	if !quatValid(mgl32.QuatIdent()) {
		t.Error("identity should be valid")
	}
	bad := mgl32.Quat{W: float32(math.NaN())}
	if quatValid(bad) {
		t.Error("NaN quaternion should be invalid")
	}
}

// --- clamping and inversion ---

func TestClampScale(t *testing.T) {
	got := clampScale(mgl32.Vec3{0, -0.000001, 2})
	assertNear(t, "zero", got.X(), scaleEpsilon)
	assertNear(t, "tiny negative", got.Y(), -scaleEpsilon)
	assertNear(t, "normal", got.Z(), 2)
}

func TestSafeInvSingular(t *testing.T) {
	assertMat4(t, "singular", safeInv(mgl32.Mat4{}), mat4Identity)
}

func TestSafeInvRegular(t *testing.T) {
	m := mgl32.Translate3D(3, 0, 0)
	assertMat4(t, "composed with inverse", m.Mul4(safeInv(m)), mat4Identity)
}

// --- point and direction mapping ---

func TestTransformPoint(t *testing.T) {
	m := mgl32.Translate3D(1, 2, 3)
	assertVec3(t, "point", transformPoint(m, mgl32.Vec3{1, 0, 0}), mgl32.Vec3{2, 2, 3})
}

func TestTransformDirIgnoresTranslation(t *testing.T) {
	m := mgl32.Translate3D(10, 10, 10).Mul4(mgl32.HomogRotate3DZ(math.Pi / 2))
	// Rotating +X by 90 degrees about Z lands on +Y.
	assertVec3(t, "direction", transformDir(m, mgl32.Vec3{1, 0, 0}), mgl32.Vec3{0, 1, 0})
}

func TestHypot32(t *testing.T) {
	assertNear(t, "3-4-5", hypot32(3, 4), 5)
}

// --- mergeTransform ---

func TestMergeTransformKeepsOmittedParts(t *testing.T) {
	base := composeTRS(mgl32.Vec3{1, 2, 3},
		mgl32.QuatRotate(math.Pi/4, mgl32.Vec3{0, 0, 1}), mgl32.Vec3{2, 2, 2})

	merged := mergeTransform(base, wire.TransformT(wire.Vec3{5, 0, 0}))
	pos, rot, scale := decomposeTRS(merged)
	assertVec3(t, "position", pos, mgl32.Vec3{5, 0, 0})
	assertQuat(t, "rotation", rot, mgl32.QuatRotate(math.Pi/4, mgl32.Vec3{0, 0, 1}))
	assertVec3(t, "scale", scale, mgl32.Vec3{2, 2, 2})
}

func TestMergeTransformNone(t *testing.T) {
	base := composeTRS(mgl32.Vec3{4, 5, 6},
		mgl32.QuatRotate(math.Pi/3, mgl32.Vec3{1, 0, 0}), mgl32.Vec3{1, 2, 1})
	assertMat4(t, "unchanged", mergeTransform(base, wire.TransformNone), base)
}

func TestMergeTransformClampsScale(t *testing.T) {
	merged := mergeTransform(mat4Identity,
		wire.TransformTRS(wire.Vec3{}, wire.QuatIdentity, wire.Vec3{0, 1, 1}))
	_, _, scale := decomposeTRS(merged)
	assertNear(t, "clamped X", scale.X(), scaleEpsilon)
}

func TestMergeTransformDegenerateBaseRotation(t *testing.T) {
	// The base's NaN rotation falls back to identity when the caller
	// supplies none, keeping the result finite.
	merged := mergeTransform(mgl32.Scale3D(0, 1, 1), wire.TransformT(wire.Vec3{1, 0, 0}))
	pos, rot, _ := decomposeTRS(merged)
	assertVec3(t, "position", pos, mgl32.Vec3{1, 0, 0})
	if !quatValid(rot) {
		t.Errorf("merged rotation should be finite, got %v", rot)
	}
}

// --- aabb ---

func TestAABBEmpty(t *testing.T) {
	var b aabb
	got := b.box()
	assertVec3(t, "center", got.Center, mgl32.Vec3{})
	assertVec3(t, "size", got.Size, mgl32.Vec3{})
}

func TestAABBAdd(t *testing.T) {
	var b aabb
	b.add(mgl32.Vec3{-1, 0, 2})
	b.add(mgl32.Vec3{3, -2, 2})
	got := b.box()
	assertVec3(t, "center", got.Center, mgl32.Vec3{1, -1, 2})
	assertVec3(t, "size", got.Size, mgl32.Vec3{4, 2, 0})
}

func TestAABBAddBoxTransformed(t *testing.T) {
	var b aabb
	unit := wire.BoundingBox{Size: wire.Vec3{1, 1, 1}}
	b.addBox(unit, mgl32.Translate3D(2, 0, 0))
	got := b.box()
	assertVec3(t, "center", got.Center, mgl32.Vec3{2, 0, 0})
	assertVec3(t, "size", got.Size, mgl32.Vec3{1, 1, 1})
}

func TestAABBAddBoxRotated(t *testing.T) {
	var b aabb
	unit := wire.BoundingBox{Size: wire.Vec3{1, 1, 1}}
	b.addBox(unit, mgl32.HomogRotate3DZ(math.Pi/4))
	got := b.box()
	// A unit box rotated 45 degrees about Z spans sqrt(2) in X and Y.
	root2 := float32(math.Sqrt2)
	assertVec3(t, "size", got.Size, mgl32.Vec3{root2, root2, 1})
}
