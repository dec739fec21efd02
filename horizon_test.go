package horizon

import (
	"context"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/StardustXR/horizon/wire"
)

const epsilon = 1e-4

// --- assertions ---

func assertNear(t *testing.T, name string, got, want float32) {
	t.Helper()
	if mgl32.Abs(got-want) > epsilon {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func assertVec3(t *testing.T, name string, got, want mgl32.Vec3) {
	t.Helper()
	for i := range got {
		if mgl32.Abs(got[i]-want[i]) > epsilon {
			t.Errorf("%s = %v, want %v", name, got, want)
			return
		}
	}
}

// assertQuat treats q and -q as the same rotation.
func assertQuat(t *testing.T, name string, got, want mgl32.Quat) {
	t.Helper()
	if mgl32.Abs(got.Dot(want)) < 1-epsilon {
		t.Errorf("%s = %v, want %v", name, got, want)
	}
}

func assertMat4(t *testing.T, name string, got, want mgl32.Mat4) {
	t.Helper()
	for i := range got {
		if mgl32.Abs(got[i]-want[i]) > epsilon {
			t.Errorf("%s[%d] = %v, want %v", name, i, got[i], want[i])
			return
		}
	}
}

func assertCode(t *testing.T, name string, err error, code uint16) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: want error code %d, got nil", name, code)
	}
	if got := wire.CodeOf(err); got != code {
		t.Fatalf("%s: error code = %d (%v), want %d", name, got, err, code)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- in-process fixtures ---

var testIDs atomic.Uint64

// newTestID mints a fresh id in the client-chosen range.
func newTestID() uint64 { return 0x1000 + testIDs.Add(1) }

func testServer(t *testing.T) *Server {
	t.Helper()
	return NewServer(zaptest.NewLogger(t))
}

// testClient attaches an in-process client with no connection. Its
// nodes behave normally except that outbound signals go nowhere.
func testClient(t *testing.T, s *Server) *Client {
	t.Helper()
	c := newClient(s, nil)
	if err := setupRoot(c); err != nil {
		t.Fatalf("setup root: %v", err)
	}
	if err := aliasHMD(c, s.hmd); err != nil {
		t.Fatalf("alias hmd: %v", err)
	}
	s.clients.Add(c)
	t.Cleanup(c.disconnect)
	return c
}

// at positions a node without rotating or scaling it.
func at(x, y, z float32) wire.Transform {
	return wire.TransformT(wire.Vec3{x, y, z})
}

func makeSpatial(t *testing.T, c *Client, parent *Spatial, tr wire.Transform, zoneable bool) *Spatial {
	t.Helper()
	sp, err := createSpatial(c, newTestID(), parent, tr, zoneable)
	if err != nil {
		t.Fatalf("create spatial: %v", err)
	}
	return sp
}

func makeField(t *testing.T, c *Client, parent *Spatial, tr wire.Transform, shape wire.Shape) *Field {
	t.Helper()
	f, err := createField(c, newTestID(), parent, tr, shape)
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	return f
}

// makeSphereField parents the field under the client's root.
func makeSphereField(t *testing.T, c *Client, tr wire.Transform, radius float32) *Field {
	t.Helper()
	return makeField(t, c, c.root.spatial, tr, wire.NewSphere(radius))
}

func makeZone(t *testing.T, c *Client, tr wire.Transform, field *Field) *Zone {
	t.Helper()
	z, err := createZone(c, newTestID(), c.root.spatial, tr, field)
	if err != nil {
		t.Fatalf("create zone: %v", err)
	}
	return z
}

func makeMethod(t *testing.T, c *Client, tr wire.Transform, in wire.Input, datamap wire.Datamap) *InputMethod {
	t.Helper()
	m, err := createInputMethod(c, newTestID(), c.root.spatial, tr, in, datamap)
	if err != nil {
		t.Fatalf("create input method: %v", err)
	}
	return m
}

func makeHandler(t *testing.T, c *Client, tr wire.Transform, field *Field) *InputHandler {
	t.Helper()
	h, err := createInputHandler(c, newTestID(), c.root.spatial, tr, field)
	if err != nil {
		t.Fatalf("create input handler: %v", err)
	}
	return h
}

func makeSender(t *testing.T, c *Client, mask wire.Datamap) *PulseSender {
	t.Helper()
	s, err := createPulseSender(c, newTestID(), c.root.spatial, wire.TransformNone, mask)
	if err != nil {
		t.Fatalf("create pulse sender: %v", err)
	}
	return s
}

func makeReceiver(t *testing.T, c *Client, tr wire.Transform, field *Field, mask wire.Datamap) *PulseReceiver {
	t.Helper()
	r, err := createPulseReceiver(c, newTestID(), c.root.spatial, tr, field, mask)
	if err != nil {
		t.Fatalf("create pulse receiver: %v", err)
	}
	return r
}

func mustDatamap(t *testing.T, values map[string]any) wire.Datamap {
	t.Helper()
	d, err := wire.NewDatamap(values)
	if err != nil {
		t.Fatalf("datamap: %v", err)
	}
	return d
}

// tipInput is a point input source at the given method-space position.
func tipInput(x, y, z float32) wire.Input {
	return wire.NewTip(wire.Tip{Origin: wire.Vec3{x, y, z}, Orientation: wire.QuatIdentity})
}

// --- wire-connected fixtures ---

// socketPair returns two connected unix stream sockets.
func socketPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	conns := make([]*net.UnixConn, 2)
	for i, fd := range fds {
		f := os.NewFile(uintptr(fd), "pair")
		c, err := net.FileConn(f)
		f.Close()
		if err != nil {
			t.Fatalf("fileconn: %v", err)
		}
		conns[i] = c.(*net.UnixConn)
	}
	return conns[0], conns[1]
}

// remoteEvent is one signal observed at the far end of a connection.
type remoteEvent struct {
	node   uint64
	aspect uint16
	opcode uint16
	body   []byte
}

// remote plays the client-process side of a connection. It records
// every signal the server sends and serves no methods of its own.
type remote struct {
	t *testing.T
	m *wire.Messenger

	mu     sync.Mutex
	events []remoteEvent
}

func (r *remote) SendSignal(node uint64, aspect, opcode uint16, msg wire.Message) error {
	wire.CloseFds(msg.Fds)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, remoteEvent{node, aspect, opcode, msg.Body})
	return nil
}

func (r *remote) ExecuteMethod(_ uint64, _, _ uint16, msg wire.Message, respond wire.Responder) {
	wire.CloseFds(msg.Fds)
	respond(nil, nil, &wire.RemoteError{Code: wire.CodeNodeNotFound, Message: "test client serves no methods"})
}

// connect attaches a real connection to s, returning the server's view
// of the client and the remote end driving it.
func connect(t *testing.T, s *Server) (*Client, *remote) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	near, farConn := socketPair(t)
	far := &remote{t: t, m: wire.NewMessenger(farConn, nil)}
	go func() { _ = far.m.Dispatch(ctx, far) }()
	go func() { _ = far.m.Flush(ctx) }()
	c := s.Connect(ctx, near)
	if c == nil {
		cancel()
		t.Fatal("connect failed")
	}
	t.Cleanup(func() {
		c.disconnect()
		far.m.Close()
		cancel()
	})
	return c, far
}

// signal sends a client-to-server signal and waits until the server
// has processed it.
func (r *remote) signal(node uint64, aspect, opcode uint16, payload any) {
	r.t.Helper()
	var body []byte
	if payload != nil {
		b, err := wire.Marshal(payload)
		if err != nil {
			r.t.Fatalf("marshal: %v", err)
		}
		body = b
	}
	if err := r.m.SendSignal(node, aspect, opcode, body, nil); err != nil {
		r.t.Fatalf("send signal: %v", err)
	}
	r.sync()
}

// call performs a method round trip, decoding the reply into out when
// out is non-nil.
func (r *remote) call(node uint64, aspect, opcode uint16, payload, out any) error {
	r.t.Helper()
	var body []byte
	if payload != nil {
		b, err := wire.Marshal(payload)
		if err != nil {
			r.t.Fatalf("marshal: %v", err)
		}
		body = b
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, fds, err := r.m.CallMethod(ctx, node, aspect, opcode, body, nil)
	wire.CloseFds(fds)
	if err != nil {
		return err
	}
	if out != nil {
		if err := wire.Unmarshal(reply, out); err != nil {
			r.t.Fatalf("unmarshal reply: %v", err)
		}
	}
	return nil
}

// sync drains the inbound queue ahead of it: frames dispatch in order,
// so once this round trip returns every earlier signal has run.
func (r *remote) sync() {
	r.t.Helper()
	var tr wire.Transform
	err := r.call(RootNodeID, AspectSpatialRef, SpatialRefGetTransform, struct {
		_ struct{} `cbor:",toarray"`

		RelativeTo uint64
	}{RelativeTo: RootNodeID}, &tr)
	if err != nil {
		r.t.Fatalf("sync: %v", err)
	}
}

// take removes and returns all recorded events for one member, oldest
// first.
func (r *remote) take(aspect, opcode uint16) []remoteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out, rest []remoteEvent
	for _, e := range r.events {
		if e.aspect == aspect && e.opcode == opcode {
			out = append(out, e)
		} else {
			rest = append(rest, e)
		}
	}
	r.events = rest
	return out
}

// waitEvents polls until n events for the member have arrived, then
// removes and returns them.
func (r *remote) waitEvents(aspect, opcode uint16, n int) []remoteEvent {
	r.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		have := 0
		for _, e := range r.events {
			if e.aspect == aspect && e.opcode == opcode {
				have++
			}
		}
		r.mu.Unlock()
		if have >= n {
			return r.take(aspect, opcode)
		}
		time.Sleep(time.Millisecond)
	}
	r.t.Fatalf("timed out waiting for %d events of aspect %d opcode %d", n, aspect, opcode)
	return nil
}

func decodeEvent(t *testing.T, e remoteEvent, out any) {
	t.Helper()
	if err := wire.Unmarshal(e.body, out); err != nil {
		t.Fatalf("decode event body: %v", err)
	}
}
