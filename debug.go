package horizon

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"

	"github.com/StardustXR/horizon/wire"
)

const (
	debugBusName  = "org.stardustxr.Horizon"
	debugBusIface = "org.stardustxr.Horizon"

	debugBusPath = dbus.ObjectPath("/org/stardustxr/Horizon")
)

var aspectNames = map[uint16]string{
	AspectNode:           "node",
	AspectSpatialRef:     "spatial-ref",
	AspectSpatial:        "spatial",
	AspectFieldRef:       "field-ref",
	AspectField:          "field",
	AspectZone:           "zone",
	AspectInputMethodRef: "input-method-ref",
	AspectInputMethod:    "input-method",
	AspectInputHandler:   "input-handler",
	AspectRoot:           "root",
	AspectInterface:      "interface",
	AspectPulseSender:    "pulse-sender",
	AspectPulseReceiver:  "pulse-receiver",
}

// DebugBus exposes read-only server listings on the session bus, for
// busctl poking while a headless instance runs.
type DebugBus struct {
	server *Server
	conn   *dbus.Conn
}

// ServeDebugBus publishes the listings at /org/stardustxr/Horizon. The
// surface is best-effort: any bus failure logs a warning and the
// server runs on without it.
func ServeDebugBus(s *Server) *DebugBus {
	conn, err := dbus.SessionBusPrivate()
	if err != nil {
		s.log.Warn("debug bus unavailable", zap.Error(err))
		return nil
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		s.log.Warn("debug bus auth failed", zap.Error(err))
		return nil
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		s.log.Warn("debug bus hello failed", zap.Error(err))
		return nil
	}

	d := &DebugBus{server: s, conn: conn}
	err = conn.ExportMethodTable(map[string]interface{}{
		"ListClients": d.ListClients,
		"ListNodes":   d.ListNodes,
		"ListFields":  d.ListFields,
	}, debugBusPath, debugBusIface)
	if err == nil {
		err = conn.Export(debugIntrospection(), debugBusPath,
			"org.freedesktop.DBus.Introspectable")
	}
	if err != nil {
		conn.Close()
		s.log.Warn("debug bus export failed", zap.Error(err))
		return nil
	}

	reply, err := conn.RequestName(debugBusName, dbus.NameFlagDoNotQueue)
	if err != nil || reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		s.log.Warn("debug bus name not acquired",
			zap.String("name", debugBusName), zap.Error(err))
		return nil
	}
	s.log.Info("debug bus ready", zap.String("name", debugBusName))
	return d
}

// Close drops the bus name and connection.
func (d *DebugBus) Close() {
	if d != nil && d.conn != nil {
		d.conn.Close()
	}
}

// ListClients returns every connected client's uid.
func (d *DebugBus) ListClients() ([]string, *dbus.Error) {
	clients := d.server.clients.List()
	out := make([]string, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.UID())
	}
	sort.Strings(out)
	return out, nil
}

// ListNodes returns one line per node in the named client's scenegraph.
func (d *DebugBus) ListNodes(client string) ([]string, *dbus.Error) {
	for _, c := range d.server.clients.List() {
		if c.UID() != client {
			continue
		}
		nodes := c.scenegraph.snapshot()
		out := make([]string, 0, len(nodes))
		for _, n := range nodes {
			out = append(out, describeNode(n))
		}
		sort.Strings(out)
		return out, nil
	}
	return nil, dbus.MakeFailedError(fmt.Errorf("no client %s", client))
}

// ListFields returns one line per live field, across all clients.
func (d *DebugBus) ListFields() ([]string, *dbus.Error) {
	fields := d.server.fields.List()
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, fmt.Sprintf("%#016x client=%s shape=%s",
			f.node.id, f.node.owner.uid[:8], shapeName(f.Shape().Kind)))
	}
	sort.Strings(out)
	return out, nil
}

func describeNode(n *Node) string {
	n.mu.Lock()
	ids := make([]int, 0, len(n.aspects))
	for a := range n.aspects {
		ids = append(ids, int(a))
	}
	isAlias := n.alias != nil
	n.mu.Unlock()
	sort.Ints(ids)

	parts := make([]string, 0, len(ids))
	for _, a := range ids {
		name := aspectNames[uint16(a)]
		if name == "" {
			name = fmt.Sprintf("aspect-%d", a)
		}
		parts = append(parts, name)
	}
	kind := ""
	if isAlias {
		kind = " alias"
	}
	return fmt.Sprintf("%#016x%s %s", n.id, kind, strings.Join(parts, ","))
}

func shapeName(k wire.ShapeKind) string {
	switch k {
	case wire.ShapeBox:
		return "box"
	case wire.ShapeCylinder:
		return "cylinder"
	case wire.ShapeSphere:
		return "sphere"
	case wire.ShapeTorus:
		return "torus"
	}
	return "unknown"
}

func debugIntrospection() introspect.Introspectable {
	return introspect.NewIntrospectable(&introspect.Node{
		Name: string(debugBusPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: debugBusIface,
				Methods: []introspect.Method{
					{Name: "ListClients", Args: []introspect.Arg{
						{Name: "clients", Type: "as", Direction: "out"},
					}},
					{Name: "ListNodes", Args: []introspect.Arg{
						{Name: "client", Type: "s", Direction: "in"},
						{Name: "nodes", Type: "as", Direction: "out"},
					}},
					{Name: "ListFields", Args: []introspect.Arg{
						{Name: "fields", Type: "as", Direction: "out"},
					}},
				},
			},
		},
	})
}
