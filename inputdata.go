package horizon

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/StardustXR/horizon/wire"
)

// pointerForward is the ray direction of an unrotated pointer.
var pointerForward = mgl32.Vec3{0, 0, -1}

// inputDistances returns the true signed distance and the arbitration
// sort key from an input payload to a field. The payload is given in
// the method's space. True distance decides overlap; the sort key
// orders handlers.
func inputDistances(in wire.Input, methodSpace *Spatial, f *Field) (dist, sortKey float32) {
	switch in.Kind {
	case wire.InputPointer:
		dir := in.Pointer.Orientation.MGL().Rotate(pointerForward)
		march := f.RayMarch(methodSpace, in.Pointer.Origin, dir)
		if march.MinDistance >= 0 {
			return march.MinDistance, march.DeepestPointDistance + 1000
		}
		return march.MinDistance, hypot32(march.DeepestPointDistance, 0.001/march.MinDistance)
	case wire.InputHand:
		h := in.Hand
		thumb := f.Distance(methodSpace, h.Thumb.Tip.Position)
		index := f.Distance(methodSpace, h.Index.Tip.Position)
		middle := f.Distance(methodSpace, h.Middle.Tip.Position)
		ring := f.Distance(methodSpace, h.Ring.Tip.Position)
		little := f.Distance(methodSpace, h.Little.Tip.Position)
		dist = min(thumb, index, middle, ring, little)
		sortKey = 0.3*mgl32.Abs(thumb) + 0.4*mgl32.Abs(index) +
			0.15*mgl32.Abs(middle) + 0.15*mgl32.Abs(ring)
		return dist, sortKey
	case wire.InputTip:
		d := f.Distance(methodSpace, in.Tip.Origin)
		return d, mgl32.Abs(d)
	default:
		return 0, 0
	}
}

// transformInput maps an input payload through m, rotating
// orientations by m's rotation component.
func transformInput(in wire.Input, m mgl32.Mat4) wire.Input {
	_, rot, _ := decomposeTRS(m)
	if !quatValid(rot) {
		rot = mgl32.QuatIdent()
	}
	switch in.Kind {
	case wire.InputPointer:
		p := in.Pointer
		p.Origin = transformPoint(m, p.Origin)
		p.Orientation = wire.QuatFrom(rot.Mul(p.Orientation.MGL()))
		p.DeepestPoint = transformPoint(m, p.DeepestPoint)
		return wire.NewPointer(p)
	case wire.InputHand:
		h := in.Hand
		h.Thumb = transformThumb(h.Thumb, m, rot)
		h.Index = transformFinger(h.Index, m, rot)
		h.Middle = transformFinger(h.Middle, m, rot)
		h.Ring = transformFinger(h.Ring, m, rot)
		h.Little = transformFinger(h.Little, m, rot)
		h.Palm = transformJoint(h.Palm, m, rot)
		h.Wrist = transformJoint(h.Wrist, m, rot)
		if h.Elbow != nil {
			e := transformJoint(*h.Elbow, m, rot)
			h.Elbow = &e
		}
		return wire.NewHand(h)
	case wire.InputTip:
		t := in.Tip
		t.Origin = transformPoint(m, t.Origin)
		t.Orientation = wire.QuatFrom(rot.Mul(t.Orientation.MGL()))
		return wire.NewTip(t)
	default:
		return in
	}
}

func transformJoint(j wire.Joint, m mgl32.Mat4, rot mgl32.Quat) wire.Joint {
	return wire.Joint{
		Position: transformPoint(m, j.Position),
		Rotation: wire.QuatFrom(rot.Mul(j.Rotation.MGL())),
		Radius:   j.Radius,
	}
}

func transformFinger(f wire.Finger, m mgl32.Mat4, rot mgl32.Quat) wire.Finger {
	return wire.Finger{
		Tip:          transformJoint(f.Tip, m, rot),
		Distal:       transformJoint(f.Distal, m, rot),
		Intermediate: transformJoint(f.Intermediate, m, rot),
		Proximal:     transformJoint(f.Proximal, m, rot),
		Metacarpal:   transformJoint(f.Metacarpal, m, rot),
	}
}

func transformThumb(t wire.Thumb, m mgl32.Mat4, rot mgl32.Quat) wire.Thumb {
	return wire.Thumb{
		Tip:        transformJoint(t.Tip, m, rot),
		Distal:     transformJoint(t.Distal, m, rot),
		Proximal:   transformJoint(t.Proximal, m, rot),
		Metacarpal: transformJoint(t.Metacarpal, m, rot),
	}
}
