// orbit connects to a running horizon server, builds two zones with
// sphere fields, and tweens a zoneable spatial back and forth between
// them. The zone enter/leave/capture events the server emits along the
// way are logged, so a capture handoff is visible end to end.
package main

import (
	"context"

	"github.com/tanema/gween"
	"github.com/tanema/gween/ease"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	horizon "github.com/StardustXR/horizon"
	"github.com/StardustXR/horizon/wire"
)

// Client-chosen node ids. The root is the server-minted id 1.
const (
	rootID      uint64 = 1
	leftFieldID uint64 = 16
	leftZoneID  uint64 = 17
	rightField  uint64 = 18
	rightZoneID uint64 = 19
	ballID      uint64 = 20
)

const (
	zoneX      = 1.0 // zones sit at x = ±zoneX
	zoneRadius = 0.6
	sweepTime  = 4.0 // seconds per crossing
)

type app struct {
	m   *wire.Messenger
	log *zap.SugaredLogger

	tween   *gween.Tween
	forward bool
}

func main() {
	logger := zap.Must(zap.NewDevelopment())
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	conn, err := horizon.DialSocket()
	if err != nil {
		log.Fatalf("no server: %v", err)
	}
	a := &app{
		m:       wire.NewMessenger(conn, logger.Named("wire")),
		log:     log,
		tween:   gween.New(-zoneX, zoneX, sweepTime, ease.InOutQuad),
		forward: true,
	}
	if err := a.setup(); err != nil {
		log.Fatalf("setup: %v", err)
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error { return a.m.Dispatch(ctx, a) })
	g.Go(func() error { return a.m.Flush(ctx) })
	if err := g.Wait(); err != nil {
		log.Infof("connection ended: %v", err)
	}
}

// signal marshals args and fires one interface or aspect member.
func (a *app) signal(node uint64, aspect, opcode uint16, args any) error {
	var body []byte
	if args != nil {
		var err error
		if body, err = wire.Marshal(args); err != nil {
			return err
		}
	}
	return a.m.SendSignal(node, aspect, opcode, body, nil)
}

// setup builds the scene: two sphere-field zones a fixed distance
// apart, one zoneable ball starting inside the left one, and a frame
// subscription to drive the tween.
func (a *app) setup() error {
	type createField struct {
		_ struct{} `cbor:",toarray"`

		ID        uint64
		Parent    uint64
		Transform wire.Transform
		Shape     wire.Shape
	}
	type createZone struct {
		_ struct{} `cbor:",toarray"`

		ID        uint64
		Parent    uint64
		Transform wire.Transform
		Field     uint64
	}
	type createSpatial struct {
		_ struct{} `cbor:",toarray"`

		ID        uint64
		Parent    uint64
		Transform wire.Transform
		Zoneable  bool
	}

	left := wire.TransformT(wire.Vec3{-zoneX, 0, 0})
	right := wire.TransformT(wire.Vec3{zoneX, 0, 0})
	sphere := wire.NewSphere(zoneRadius)

	steps := []struct {
		opcode uint16
		args   any
	}{
		{horizon.InterfaceCreateField, createField{ID: leftFieldID, Parent: rootID, Transform: left, Shape: sphere}},
		{horizon.InterfaceCreateZone, createZone{ID: leftZoneID, Parent: rootID, Transform: left, Field: leftFieldID}},
		{horizon.InterfaceCreateField, createField{ID: rightField, Parent: rootID, Transform: right, Shape: sphere}},
		{horizon.InterfaceCreateZone, createZone{ID: rightZoneID, Parent: rootID, Transform: right, Field: rightField}},
		{horizon.InterfaceCreateSpatial, createSpatial{ID: ballID, Parent: rootID, Transform: left, Zoneable: true}},
	}
	for _, s := range steps {
		if err := a.signal(rootID, horizon.AspectInterface, s.opcode, s.args); err != nil {
			return err
		}
	}
	return a.signal(rootID, horizon.AspectRoot, horizon.RootSubscribeFrame, nil)
}

// SendSignal implements wire.Scenegraph for the inbound direction.
func (a *app) SendSignal(node uint64, aspect, opcode uint16, msg wire.Message) error {
	wire.CloseFds(msg.Fds)
	switch {
	case node == rootID && aspect == horizon.AspectRoot && opcode == horizon.RootFrame:
		a.onFrame(msg.Body)
	case aspect == horizon.AspectZone:
		a.onZoneEvent(node, opcode, msg.Body)
	}
	return nil
}

// ExecuteMethod implements wire.Scenegraph; the demo serves none.
func (a *app) ExecuteMethod(_ uint64, aspect, opcode uint16, msg wire.Message, respond wire.Responder) {
	wire.CloseFds(msg.Fds)
	respond(nil, nil, &wire.RemoteError{Code: wire.CodeNodeNotFound, Message: "demo client serves no methods"})
}

// onFrame advances the tween and repositions the ball relative to the
// root, so zone captures reparenting it never skew the sweep.
func (a *app) onFrame(body []byte) {
	var info wire.FrameInfo
	if err := wire.Unmarshal(body, &info); err != nil {
		a.log.Warnf("bad frame event: %v", err)
		return
	}
	x, done := a.tween.Update(float32(info.Delta))

	type setRelative struct {
		_ struct{} `cbor:",toarray"`

		RelativeTo uint64
		Transform  wire.Transform
	}
	err := a.signal(ballID, horizon.AspectSpatial, horizon.SpatialSetRelativeTransform, setRelative{
		RelativeTo: rootID,
		Transform:  wire.TransformT(wire.Vec3{x, 0, 0}),
	})
	if err != nil {
		a.log.Warnf("move failed: %v", err)
	}

	if done {
		a.forward = !a.forward
		from, to := float32(zoneX), float32(-zoneX)
		if a.forward {
			from, to = -from, -to
		}
		a.tween = gween.New(from, to, sweepTime, ease.InOutQuad)
	}
}

func (a *app) onZoneEvent(zone uint64, opcode uint16, body []byte) {
	side := "left"
	if zone == rightZoneID {
		side = "right"
	}
	var withID struct {
		_ struct{} `cbor:",toarray"`

		ID  uint64
		UID string
	}
	var uidOnly struct {
		_ struct{} `cbor:",toarray"`

		UID string
	}
	switch opcode {
	case horizon.ZoneEnter:
		if wire.Unmarshal(body, &withID) == nil {
			a.log.Infof("%s zone: %s entered (alias %#x)", side, withID.UID[:8], withID.ID)
		}
	case horizon.ZoneLeave:
		if wire.Unmarshal(body, &uidOnly) == nil {
			a.log.Infof("%s zone: %s left", side, uidOnly.UID[:8])
		}
	case horizon.ZoneCaptureStarted:
		if wire.Unmarshal(body, &withID) == nil {
			a.log.Infof("%s zone: captured %s (alias %#x)", side, withID.UID[:8], withID.ID)
		}
	case horizon.ZoneCaptureReleased:
		if wire.Unmarshal(body, &uidOnly) == nil {
			a.log.Infof("%s zone: released %s", side, uidOnly.UID[:8])
		}
	}
}
