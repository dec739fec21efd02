package horizon

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/StardustXR/horizon/wire"
)

// zoneAt builds a zone whose spatial and sphere field share a position.
func zoneAt(t *testing.T, c *Client, tr wire.Transform, radius float32) *Zone {
	t.Helper()
	f := makeSphereField(t, c, tr, radius)
	return makeZone(t, c, tr, f)
}

// --- capture ---

func TestZoneCaptureReparentsInPlace(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	z := zoneAt(t, c, at(5, 0, 0), 3)
	sp := makeSpatial(t, c, c.root.spatial, at(4, 0, 0), true)

	if err := z.Capture(sp); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if sp.currentZone() != z {
		t.Error("spatial not held by the zone")
	}
	if sp.Parent() != z.spatial {
		t.Error("spatial not reparented under the zone")
	}
	assertVec3(t, "world pose", position(t, sp), mgl32.Vec3{4, 0, 0})
	// Sphere at (5,0,0) with radius 3: the origin at (4,0,0) is one
	// unit in, two from the surface.
	assertNear(t, "recorded distance", sp.zoneDist, -2)
	if sp.zoneAlias == nil {
		t.Error("capture minted no alias")
	}
	if _, ok := z.captured[sp]; !ok {
		t.Error("zone does not list the capture")
	}
}

func TestZoneCaptureSkipsNonZoneable(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	z := zoneAt(t, c, at(5, 0, 0), 3)
	sp := makeSpatial(t, c, c.root.spatial, at(4, 0, 0), false)

	if err := z.Capture(sp); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if sp.currentZone() != nil {
		t.Error("non-zoneable spatial was captured")
	}
}

func TestZoneCaptureKeepsFartherClaimOut(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	near := zoneAt(t, c, at(5, 0, 0), 3)
	rival := zoneAt(t, c, at(7, 0, 0), 1)
	sp := makeSpatial(t, c, c.root.spatial, at(4, 0, 0), true)

	if err := near.Capture(sp); err != nil {
		t.Fatalf("capture: %v", err)
	}
	// The rival's surface is two units away, no nearer than the
	// holder's two: the claim loses.
	if err := rival.Capture(sp); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if sp.currentZone() != near {
		t.Error("farther zone stole the capture")
	}
	if sp.Parent() != near.spatial {
		t.Error("spatial left its holder")
	}
}

func TestZoneCaptureStealsWhenStrictlyNearer(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	old := zoneAt(t, c, at(5, 0, 0), 3)
	sp := makeSpatial(t, c, c.root.spatial, at(4, 0, 0), true)
	if err := old.Capture(sp); err != nil {
		t.Fatalf("capture: %v", err)
	}
	oldAlias := sp.zoneAlias

	// Surface 1.4 away beats the holder's 2.
	thief := zoneAt(t, c, at(4.1, 0, 0), 1.5)
	if err := thief.Capture(sp); err != nil {
		t.Fatalf("steal: %v", err)
	}
	if sp.currentZone() != thief {
		t.Error("nearer zone failed to steal")
	}
	if sp.Parent() != thief.spatial {
		t.Error("spatial not under the thief")
	}
	assertVec3(t, "world pose", position(t, sp), mgl32.Vec3{4, 0, 0})
	if len(old.captured) != 0 {
		t.Error("old zone still lists the capture")
	}
	if !oldAlias.Destroyed() {
		t.Error("old capture alias survived the steal")
	}
}

// --- release ---

func TestZoneReleaseRestoresPose(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	z := zoneAt(t, c, at(5, 0, 0), 3)
	sp := makeSpatial(t, c, c.root.spatial, at(4, 0, 0), true)
	if err := z.Capture(sp); err != nil {
		t.Fatalf("capture: %v", err)
	}

	// Drag the zone upward; the capture rides along.
	z.spatial.SetRelativeTransform(c.root.spatial, at(5, 2, 0))
	assertVec3(t, "dragged", position(t, sp), mgl32.Vec3{4, 2, 0})

	z.Release(sp)
	if sp.currentZone() != nil {
		t.Error("release left the zone set")
	}
	if sp.Parent() != c.root.spatial {
		t.Error("release did not restore the parent")
	}
	assertVec3(t, "restored pose", position(t, sp), mgl32.Vec3{4, 0, 0})
	if sp.zoneAlias != nil {
		t.Error("release left the capture alias")
	}
	if !math.IsInf(float64(sp.zoneDist), -1) {
		t.Errorf("zoneDist = %v, want the unheld sentinel", sp.zoneDist)
	}
}

// --- overlap refresh ---

func TestZoneRefreshTracksOverlap(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	z := zoneAt(t, c, wire.TransformNone, 2)
	in := makeSpatial(t, c, c.root.spatial, at(1, 0, 0), true)
	out := makeSpatial(t, c, c.root.spatial, at(5, 0, 0), true)

	z.refresh()
	if _, ok := z.visible[in]; !ok {
		t.Error("overlapping spatial missing from the zone")
	}
	if _, ok := z.visible[out]; ok {
		t.Error("distant spatial visible in the zone")
	}

	in.SetRelativeTransform(c.root.spatial, at(10, 0, 0))
	z.refresh()
	if _, ok := z.visible[in]; ok {
		t.Error("spatial still visible after leaving")
	}
}

func TestZoneRefreshHidesNearerHeldSpatial(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	sp := makeSpatial(t, c, c.root.spatial, wire.TransformNone, true)
	// The holder's surface passes 0.1 from sp; the onlooker's a full 1.
	holder := zoneAt(t, c, at(0.9, 0, 0), 1)
	onlooker := zoneAt(t, c, wire.TransformNone, 1)
	if err := holder.Capture(sp); err != nil {
		t.Fatalf("capture: %v", err)
	}

	onlooker.refresh()
	if _, ok := onlooker.visible[sp]; ok {
		t.Error("spatial held strictly nearer is still visible")
	}

	holder.Release(sp)
	onlooker.refresh()
	if _, ok := onlooker.visible[sp]; !ok {
		t.Error("released spatial not visible")
	}
}

func TestZoneRefreshReleasesWhenCaptureLeaves(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	z := zoneAt(t, c, wire.TransformNone, 2)
	sp := makeSpatial(t, c, c.root.spatial, at(1, 0, 0), true)

	z.refresh()
	if err := z.Capture(sp); err != nil {
		t.Fatalf("capture: %v", err)
	}

	sp.SetRelativeTransform(c.root.spatial, at(10, 0, 0))
	z.refresh()
	if sp.currentZone() != nil {
		t.Error("capture survived leaving the volume")
	}
	if sp.Parent() != c.root.spatial {
		t.Error("parent not restored")
	}
	// Release puts the spatial back where it was captured.
	assertVec3(t, "restored pose", position(t, sp), mgl32.Vec3{1, 0, 0})
}

func TestDisabledZoneRefreshesNothing(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	z := zoneAt(t, c, wire.TransformNone, 2)
	makeSpatial(t, c, c.root.spatial, at(1, 0, 0), true)

	z.node.SetEnabled(false)
	z.refresh()
	if len(z.visible) != 0 {
		t.Errorf("disabled zone saw %d spatials, want 0", len(z.visible))
	}
}

// --- per-frame pass ---

func TestUpdateZonesAutoCaptures(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	z := zoneAt(t, c, wire.TransformNone, 2)
	sp := makeSpatial(t, c, c.root.spatial, at(1, 0, 0), true)

	s.UpdateZones()
	if sp.currentZone() != z {
		t.Error("overlapping zoneable not captured")
	}
}

func TestUpdateZonesMigratesToNearest(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	wide := zoneAt(t, c, wire.TransformNone, 2)
	sp := makeSpatial(t, c, c.root.spatial, at(1, 0, 0), true)

	s.UpdateZones()
	if sp.currentZone() != wide {
		t.Fatal("initial capture missing")
	}

	// Surface 0.3 away against the holder's 1: the tight zone wins the
	// next pass.
	tight := zoneAt(t, c, at(1.2, 0, 0), 0.5)
	s.UpdateZones()
	if sp.currentZone() != tight {
		t.Error("zoneable did not migrate to the nearest zone")
	}
}

// --- teardown ---

func TestZoneTeardownReleasesEverything(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	z := zoneAt(t, c, wire.TransformNone, 2)
	sp := makeSpatial(t, c, c.root.spatial, at(1, 0, 0), true)
	z.refresh()
	if err := z.Capture(sp); err != nil {
		t.Fatalf("capture: %v", err)
	}
	entry := z.visible[sp]
	if entry == nil {
		t.Fatal("spatial not visible before teardown")
	}

	z.node.destroy()
	if sp.currentZone() != nil {
		t.Error("capture survived zone teardown")
	}
	if sp.Parent() != c.root.spatial {
		t.Error("parent not restored on teardown")
	}
	if !entry.alias.Destroyed() {
		t.Error("enter alias survived teardown")
	}
	if s.zones.Contains(z) {
		t.Error("zone still registered")
	}
}

// --- wire handlers ---

func TestZoneWireCaptureAndRelease(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	z := zoneAt(t, c, wire.TransformNone, 2)
	sp := makeSpatial(t, c, c.root.spatial, at(1, 0, 0), true)

	args := struct {
		_ struct{} `cbor:",toarray"`

		Spatial uint64
	}{Spatial: sp.node.id}
	if err := z.node.sendLocalSignal(c, AspectZone, ZoneCapture, wire.Message{Body: marshalBody(t, args)}); err != nil {
		t.Fatalf("capture signal: %v", err)
	}
	if sp.currentZone() != z {
		t.Error("wire capture did not take")
	}

	if err := z.node.sendLocalSignal(c, AspectZone, ZoneRelease, wire.Message{Body: marshalBody(t, args)}); err != nil {
		t.Fatalf("release signal: %v", err)
	}
	if sp.currentZone() != nil {
		t.Error("wire release did not take")
	}

	args.Spatial = 0xdead
	err := z.node.sendLocalSignal(c, AspectZone, ZoneCapture, wire.Message{Body: marshalBody(t, args)})
	assertCode(t, "unknown spatial", err, wire.CodeNodeNotFound)
}

func TestZoneWireUpdate(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	z := zoneAt(t, c, wire.TransformNone, 2)
	sp := makeSpatial(t, c, c.root.spatial, at(1, 0, 0), true)

	if err := z.node.sendLocalSignal(c, AspectZone, ZoneUpdate, wire.Message{}); err != nil {
		t.Fatalf("update signal: %v", err)
	}
	if _, ok := z.visible[sp]; !ok {
		t.Error("update signal did not refresh the overlap set")
	}
}

// --- events over the wire ---

func TestZoneEventsOverWire(t *testing.T) {
	s := testServer(t)
	c, far := connect(t, s)
	z := zoneAt(t, c, wire.TransformNone, 2)
	sp := makeSpatial(t, c, c.root.spatial, at(1, 0, 0), true)

	z.refresh()
	enter := far.waitEvents(AspectZone, ZoneEnter, 1)[0]
	if enter.node != z.node.id {
		t.Errorf("enter event node = %#x, want the zone %#x", enter.node, z.node.id)
	}
	var entered struct {
		_ struct{} `cbor:",toarray"`

		ID  uint64
		UID string
	}
	decodeEvent(t, enter, &entered)
	if entered.UID != sp.node.uid {
		t.Errorf("enter UID = %q, want %q", entered.UID, sp.node.uid)
	}
	if _, err := c.scenegraph.Node(entered.ID); err != nil {
		t.Errorf("enter alias not in the client's scenegraph: %v", err)
	}

	if err := z.Capture(sp); err != nil {
		t.Fatalf("capture: %v", err)
	}
	started := far.waitEvents(AspectZone, ZoneCaptureStarted, 1)[0]
	var claimed struct {
		_ struct{} `cbor:",toarray"`

		ID  uint64
		UID string
	}
	decodeEvent(t, started, &claimed)
	if claimed.UID != sp.node.uid {
		t.Errorf("capture UID = %q, want %q", claimed.UID, sp.node.uid)
	}
	if claimed.ID == entered.ID {
		t.Error("capture alias reused the enter alias id")
	}

	sp.SetRelativeTransform(c.root.spatial, at(10, 0, 0))
	z.refresh()
	var left struct {
		_ struct{} `cbor:",toarray"`

		UID string
	}
	decodeEvent(t, far.waitEvents(AspectZone, ZoneLeave, 1)[0], &left)
	if left.UID != sp.node.uid {
		t.Errorf("leave UID = %q, want %q", left.UID, sp.node.uid)
	}
	var released struct {
		_ struct{} `cbor:",toarray"`

		UID string
	}
	decodeEvent(t, far.waitEvents(AspectZone, ZoneCaptureReleased, 1)[0], &released)
	if released.UID != sp.node.uid {
		t.Errorf("release UID = %q, want %q", released.UID, sp.node.uid)
	}
}
