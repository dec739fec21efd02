// Package horizon is a headless spatial computing server: multiple
// client processes connect over a Unix socket and collaboratively
// populate one shared, hierarchical 3D scene.
//
// Horizon provides the scene graph, spatial transform hierarchy,
// signed-distance fields, spatial input arbitration, zones that capture
// wandering spatials, pulse data transmission, and the wire protocol
// that every client speaks.
//
// # Running a server
//
// The horizon binary in cmd/horizon binds a discovered socket and
// drives the frame loop. Embedding works too:
//
//	srv := horizon.NewServer(logger)
//	loop, err := horizon.Listen(srv, "")
//	if err != nil {
//		// ...
//	}
//	g.Go(func() error { return loop.Run(ctx) })
//	g.Go(func() error { return srv.RunTicks(ctx, 90) })
//
// # Nodes and aspects
//
// Every addressable entity is a [Node] living in one client's
// scenegraph. Capabilities attach to nodes as write-once aspects:
// [Spatial] for pose and hierarchy, [Field] for signed-distance
// volumes, [Zone], [InputMethod], [InputHandler], [PulseSender],
// [PulseReceiver], and [Root]. Wire members are addressed by
// (aspect id, opcode) pairs; signals are fire-and-forget, methods
// carry a reply.
//
// Clients never see each other's nodes directly. Cross-client
// visibility always goes through [Alias] proxies, restricted to an
// allow-list of members, minted by the server when zones, input links,
// pulse pairs, or imports connect two clients.
//
// # Frame loop
//
// Once per tick the server runs input arbitration (rank every
// [InputHandler] against every [InputMethod] by field distance,
// settle captures, deliver events), zone maintenance (enter/leave
// diffs and capture migration), and frame events to subscribed
// clients. The tick driver is the only mutator of arbitration state,
// so per-frame passes never race each other.
//
// The wire subpackage frames and transports the protocol: CBOR bodies,
// 4-byte length prefixes, and SCM_RIGHTS descriptor passing.
package horizon
