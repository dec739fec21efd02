package horizon

import (
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/StardustXR/horizon/wire"
)

// Zone aspect opcodes. update/capture/release are server signals; the
// rest are client signals.
const (
	ZoneUpdate uint16 = iota
	ZoneCapture
	ZoneRelease
	ZoneEnter
	ZoneLeave
	ZoneCaptureStarted
	ZoneCaptureReleased
)

// Zone claims zoneable spatials that overlap its field. A spatial
// belongs to at most one zone; zones steal from each other only by
// being strictly nearer. Captured spatials reparent in place under the
// zone's spatial and return to their recorded pre-capture pose on
// release.
type Zone struct {
	node    *Node
	spatial *Spatial
	field   *Field

	// visible is the enter/leave set, guarded by mu. mu also
	// serializes whole refresh passes and is always taken outside
	// treeMu.
	mu      sync.Mutex
	visible map[*Spatial]*zoneEntry

	// captured is guarded by the server's treeMu, alongside the zone
	// fields on Spatial.
	captured map[*Spatial]struct{}
}

type zoneEntry struct {
	alias *Node
	uid   string
}

// newZone attaches a Zone aspect to a node that already carries a
// Spatial.
func newZone(n *Node, sp *Spatial, field *Field) *Zone {
	z := &Zone{
		node:     n,
		spatial:  sp,
		field:    field,
		visible:  make(map[*Spatial]*zoneEntry),
		captured: make(map[*Spatial]struct{}),
	}
	n.mu.Lock()
	n.zone = z
	n.mu.Unlock()

	n.addSignal(AspectZone, ZoneUpdate, z.handleUpdate)
	n.addSignal(AspectZone, ZoneCapture, z.handleCapture)
	n.addSignal(AspectZone, ZoneRelease, z.handleRelease)
	n.onDestroy(z.teardown)

	srv := z.srv()
	srv.zones.Add(z)
	return z
}

// createZone backs the create_zone interface member. The transform's
// scale is ignored, matching create_field.
func createZone(c *Client, id uint64, parent *Spatial, t wire.Transform, field *Field) (*Zone, error) {
	if err := checkNewID(id); err != nil {
		return nil, err
	}
	n := newNode(c, id, true)
	if err := c.scenegraph.add(n); err != nil {
		return nil, err
	}
	t.Scale = nil
	sp := newSpatial(n, parent, mergeTransform(mat4Identity, t), false)
	return newZone(n, sp, field), nil
}

func (z *Zone) srv() *Server { return z.node.owner.server }

// teardown releases every capture and forgets the visible set.
func (z *Zone) teardown() {
	srv := z.srv()
	srv.zones.Remove(z)

	srv.treeMu.Lock()
	var rels []*zoneRelease
	for sp := range z.captured {
		if rel := z.releaseStateLocked(sp); rel != nil {
			rels = append(rels, rel)
		}
	}
	srv.treeMu.Unlock()
	for _, rel := range rels {
		z.emitRelease(rel)
	}

	z.mu.Lock()
	entries := z.visible
	z.visible = make(map[*Spatial]*zoneEntry)
	z.mu.Unlock()
	for _, e := range entries {
		e.alias.destroy()
	}
}

func (z *Zone) signal(op uint16, payload any) {
	body, err := wire.Marshal(payload)
	if err != nil {
		z.node.owner.log.Error("zone signal encode failed", zap.Error(err))
		return
	}
	z.node.sendRemoteSignal(AspectZone, op, body)
}

// --- capture ---

// Capture claims s for this zone. It succeeds only when this zone's
// field is strictly nearer to s, in absolute distance, than whichever
// zone currently holds it; an unheld spatial always loses to the first
// claim. Losing a claim is not an error.
func (z *Zone) Capture(s *Spatial) error {
	d := z.field.Distance(s, mgl32.Vec3{})
	srv := z.srv()

	srv.treeMu.Lock()
	if s.zone == z || !s.zoneable {
		srv.treeMu.Unlock()
		return nil
	}
	if mgl32.Abs(d) >= mgl32.Abs(s.zoneDist) {
		srv.treeMu.Unlock()
		return nil
	}
	var released *zoneRelease
	if s.zone != nil {
		released = s.zone.releaseStateLocked(s)
	}
	err := z.captureStateLocked(s, d)
	srv.treeMu.Unlock()

	if released != nil {
		released.zone.emitRelease(released)
	}
	if err != nil {
		return err
	}
	z.emitCaptureStarted(s)
	return nil
}

// Release drops s if this zone holds it, restoring the recorded
// pre-capture parent and local transform.
func (z *Zone) Release(s *Spatial) {
	z.release(s)
}

func (z *Zone) release(s *Spatial) {
	srv := z.srv()
	srv.treeMu.Lock()
	rel := z.releaseStateLocked(s)
	srv.treeMu.Unlock()
	if rel != nil {
		z.emitRelease(rel)
	}
}

// captureStateLocked records the pre-capture pose and reparents s in
// place under the zone.
func (z *Zone) captureStateLocked(s *Spatial, dist float32) error {
	oldParent, oldLocal := s.parent, s.local
	if err := s.setParentLocked(z.spatial, true); err != nil {
		return err
	}
	s.oldParent, s.oldLocal = oldParent, oldLocal
	s.zone = z
	s.zoneDist = dist
	z.captured[s] = struct{}{}
	return nil
}

// releaseStateLocked detaches s from this zone and restores the
// recorded pose. The caller emits the returned event after dropping
// treeMu. Returns nil when this zone does not hold s.
func (z *Zone) releaseStateLocked(s *Spatial) *zoneRelease {
	if s.zone != z {
		return nil
	}
	delete(z.captured, s)
	rel := &zoneRelease{zone: z, alias: s.zoneAlias, uid: s.node.uid}
	s.zone = nil
	s.zoneDist = float32(math.Inf(-1))
	s.zoneAlias = nil

	// A parent that moved under s while captured cannot be restored;
	// detach to world in place instead.
	if err := s.setParentLocked(s.oldParent, false); err != nil {
		_ = s.setParentLocked(nil, true)
	} else {
		s.local = s.oldLocal
	}
	s.oldParent = nil
	return rel
}

type zoneRelease struct {
	zone  *Zone
	alias *Node
	uid   string
}

func (z *Zone) emitRelease(rel *zoneRelease) {
	if rel.alias != nil {
		rel.alias.destroy()
	}
	z.signal(ZoneCaptureReleased, struct {
		_ struct{} `cbor:",toarray"`

		UID string
	}{UID: rel.uid})
}

// emitCaptureStarted mints a writable spatial alias for the zone's
// client and announces the capture.
func (z *Zone) emitCaptureStarted(s *Spatial) {
	alias, err := newAlias(z.node.owner, 0, s.node, true, spatialAliasInfo)
	if err != nil {
		z.node.owner.log.Warn("zone capture alias failed", zap.Error(err))
		return
	}
	srv := z.srv()
	srv.treeMu.Lock()
	still := s.zone == z
	if still {
		s.zoneAlias = alias
	}
	srv.treeMu.Unlock()
	if !still {
		alias.destroy()
		return
	}
	z.signal(ZoneCaptureStarted, struct {
		_ struct{} `cbor:",toarray"`

		ID  uint64
		UID string
	}{ID: alias.id, UID: s.node.uid})
}

// --- overlap maintenance ---

// refresh recomputes the overlap set, sending enter and leave events
// and releasing captures whose spatial left the volume. Spatials held
// strictly closer by another zone are hidden from this one.
func (z *Zone) refresh() {
	if z.node.Destroyed() || !z.node.Enabled() {
		return
	}
	z.mu.Lock()
	defer z.mu.Unlock()

	srv := z.srv()
	type overlap struct {
		sp *Spatial
		d  float32
	}
	var cur []overlap
	for _, sp := range srv.zoneables.List() {
		if sp.node.Destroyed() || !sp.node.Enabled() || sp == z.spatial {
			continue
		}
		d := z.field.Distance(sp, mgl32.Vec3{})
		if d > 0 {
			continue
		}
		cur = append(cur, overlap{sp, d})
	}

	var entered []*Spatial
	seen := make(map[*Spatial]bool, len(cur))
	srv.treeMu.RLock()
	for _, o := range cur {
		if o.sp.zone != nil && o.sp.zone != z && mgl32.Abs(o.sp.zoneDist) < mgl32.Abs(o.d) {
			continue
		}
		seen[o.sp] = true
		if _, ok := z.visible[o.sp]; !ok {
			entered = append(entered, o.sp)
		}
	}
	srv.treeMu.RUnlock()

	var left []*zoneEntry
	var rels []*zoneRelease
	srv.treeMu.Lock()
	for sp, entry := range z.visible {
		if seen[sp] {
			continue
		}
		delete(z.visible, sp)
		left = append(left, entry)
		if _, capped := z.captured[sp]; capped {
			if rel := z.releaseStateLocked(sp); rel != nil {
				rels = append(rels, rel)
			}
		}
	}
	srv.treeMu.Unlock()

	for _, rel := range rels {
		z.emitRelease(rel)
	}
	for _, entry := range left {
		z.signal(ZoneLeave, struct {
			_ struct{} `cbor:",toarray"`

			UID string
		}{UID: entry.uid})
		entry.alias.destroy()
	}
	for _, sp := range entered {
		alias, err := newAlias(z.node.owner, 0, sp.node, true, spatialRefAliasInfo)
		if err != nil {
			continue
		}
		z.visible[sp] = &zoneEntry{alias: alias, uid: sp.node.uid}
		z.signal(ZoneEnter, struct {
			_ struct{} `cbor:",toarray"`

			ID  uint64
			UID string
		}{ID: alias.id, UID: sp.node.uid})
	}
}

// UpdateZones runs the per-frame zone pass: refresh every zone's
// overlap set, then migrate each zoneable to whichever overlapping
// zone is strictly nearest. Called only by the tick driver.
func (s *Server) UpdateZones() {
	zones := s.zones.List()
	for _, z := range zones {
		z.refresh()
	}
	for _, sp := range s.zoneables.List() {
		if sp.node.Destroyed() || !sp.node.Enabled() {
			continue
		}
		migrateZoneable(sp, zones)
	}
}

// migrateZoneable lets the nearest overlapping zone steal sp. The
// recorded distance of the current holder is refreshed first so a
// drifting capture stays honest.
func migrateZoneable(sp *Spatial, zones []*Zone) {
	srv := sp.srv()
	cur := sp.currentZone()
	if cur != nil {
		d := cur.field.Distance(sp, mgl32.Vec3{})
		srv.treeMu.Lock()
		if sp.zone == cur {
			sp.zoneDist = d
		}
		srv.treeMu.Unlock()
	}

	var best *Zone
	bestDist := float32(math.Inf(1))
	for _, z := range zones {
		if z == cur || z.node.Destroyed() || !z.node.Enabled() || z.spatial == sp {
			continue
		}
		d := z.field.Distance(sp, mgl32.Vec3{})
		if d > 0 {
			continue
		}
		if mgl32.Abs(d) < mgl32.Abs(bestDist) {
			best, bestDist = z, d
		}
	}
	if best != nil {
		_ = best.Capture(sp)
	}
}

// --- wire handlers ---

func (z *Zone) handleUpdate(_ *Client, _ *Node, _ wire.Message) error {
	z.refresh()
	return nil
}

func (z *Zone) handleCapture(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Spatial uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	sp, err := resolveSpatial(calling, args.Spatial)
	if err != nil {
		return err
	}
	return z.Capture(sp)
}

func (z *Zone) handleRelease(calling *Client, _ *Node, msg wire.Message) error {
	var args struct {
		_ struct{} `cbor:",toarray"`

		Spatial uint64
	}
	if err := wire.Unmarshal(msg.Body, &args); err != nil {
		return errSerialization(err)
	}
	sp, err := resolveSpatial(calling, args.Spatial)
	if err != nil {
		return err
	}
	z.Release(sp)
	return nil
}
