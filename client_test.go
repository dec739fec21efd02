package horizon

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/pkg/errors"

	"github.com/StardustXR/horizon/wire"
)

func TestNewServerIDsAreReserved(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)

	a, b := c.newServerID(), c.newServerID()
	if a&serverIDBit == 0 || b&serverIDBit == 0 {
		t.Error("server ids should carry the reserved bit")
	}
	if a == b {
		t.Error("server ids should be unique")
	}
	// Clients cannot mint ids in that range themselves.
	assertCode(t, "reserved id", checkNewID(a), wire.CodeSerialization)
	assertCode(t, "zero id", checkNewID(0), wire.CodeSerialization)
	if err := checkNewID(7); err != nil {
		t.Errorf("checkNewID(7) = %v, want nil", err)
	}
}

func TestQuietDisconnect(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"eof", io.EOF, true},
		{"net closed", net.ErrClosed, true},
		{"wire closed", wire.ErrClosed, true},
		{"context canceled", context.Canceled, true},
		{"wrapped eof", errors.Wrap(io.EOF, "read frame"), true},
		{"real fault", errors.New("codec exploded"), false},
	}
	for _, tc := range cases {
		if got := quietDisconnect(tc.err); got != tc.want {
			t.Errorf("quietDisconnect(%s) = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDisconnectDestroysNodes(t *testing.T) {
	s := testServer(t)
	c := testClient(t, s)
	sp := makeSpatial(t, c, c.root.spatial, wire.TransformNone, false)

	c.disconnect()

	if s.clients.Contains(c) {
		t.Error("disconnect should deregister the client")
	}
	if !sp.node.Destroyed() {
		t.Error("disconnect should destroy owned nodes")
	}
	if !c.root.node.Destroyed() {
		t.Error("disconnect should destroy the root")
	}
	if _, err := c.scenegraph.Node(RootNodeID); err == nil {
		t.Error("scenegraph should be emptied")
	}

	// Second call is a no-op.
	c.disconnect()
}

func TestDisconnectLeavesOtherClientsAlone(t *testing.T) {
	s := testServer(t)
	owner := testClient(t, s)
	viewer := testClient(t, s)
	sp := makeSpatial(t, owner, owner.root.spatial, wire.TransformNone, false)
	proxy, err := newAlias(viewer, 0, sp.node, true, spatialRefAliasInfo)
	if err != nil {
		t.Fatalf("new alias: %v", err)
	}

	viewer.disconnect()

	if !proxy.Destroyed() {
		t.Error("viewer's proxies should die with it")
	}
	if sp.node.Destroyed() {
		t.Error("original should outlive a viewer")
	}
}
