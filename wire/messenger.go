package wire

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	maxFrameSize   = 1 << 20
	maxFdsPerFrame = 32
	outboundDepth  = 256
	readChunk      = 64 << 10
)

// Message is a member invocation body plus any file descriptors that
// rode along as ancillary data. The receiver owns the descriptors.
type Message struct {
	Body []byte
	Fds  []int
}

// Responder completes a method call. It must be called exactly once;
// later calls are ignored.
type Responder func(body []byte, fds []int, err error)

// Scenegraph dispatches inbound members addressed to nodes.
type Scenegraph interface {
	SendSignal(node uint64, aspect, opcode uint16, msg Message) error
	ExecuteMethod(node uint64, aspect, opcode uint16, msg Message, respond Responder)
}

type closedError struct{}

func (closedError) Error() string    { return "wire: messenger closed" }
func (closedError) WireCode() uint16 { return CodeMessengerGone }

// ErrClosed reports a send or call against a closed messenger. Pending
// method calls resolve with it when the connection drops.
var ErrClosed error = closedError{}

// Messenger speaks the protocol over one unix socket. Outbound frames
// are queued and written by Flush; inbound frames are read and routed
// by Dispatch. Both sides of a connection use the same type.
type Messenger struct {
	conn *net.UnixConn
	log  *zap.Logger

	out       chan frame
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	nextRequest atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan callResult

	// Read-side state, touched only by the Dispatch goroutine.
	readBuf []byte
	fdQueue []int
}

type callResult struct {
	body []byte
	fds  []int
	err  error
}

// NewMessenger wraps an established unix socket connection.
func NewMessenger(conn *net.UnixConn, log *zap.Logger) *Messenger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Messenger{
		conn:    conn,
		log:     log,
		out:     make(chan frame, outboundDepth),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan callResult),
	}
}

// SendSignal queues a fire-and-forget member invocation. Ownership of
// fds passes to the messenger.
func (m *Messenger) SendSignal(node uint64, aspect, opcode uint16, body []byte, fds []int) error {
	return m.enqueue(frame{kind: kindSignal, node: node, aspect: aspect, opcode: opcode, body: body, fds: fds})
}

// CallMethod invokes a member on the peer and blocks until the reply
// frame arrives, ctx is done, or the messenger closes.
func (m *Messenger) CallMethod(ctx context.Context, node uint64, aspect, opcode uint16, body []byte, fds []int) ([]byte, []int, error) {
	id := m.nextRequest.Add(1)
	ch := make(chan callResult, 1)
	m.mu.Lock()
	m.pending[id] = ch
	m.mu.Unlock()

	call := frame{kind: kindMethodCall, requestID: id, node: node, aspect: aspect, opcode: opcode, body: body, fds: fds}
	if err := m.enqueue(call); err != nil {
		m.forget(id)
		return nil, nil, err
	}
	select {
	case r := <-ch:
		return r.body, r.fds, r.err
	case <-ctx.Done():
		m.forget(id)
		return nil, nil, ctx.Err()
	}
}

func (m *Messenger) forget(id uint64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// Dispatch reads and routes inbound frames until the connection fails.
// Cancel by closing the messenger.
func (m *Messenger) Dispatch(ctx context.Context, sg Scenegraph) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := m.readFrame()
		if err != nil {
			return err
		}
		m.route(f, sg)
	}
}

func (m *Messenger) route(f frame, sg Scenegraph) {
	switch f.kind {
	case kindError:
		m.log.Warn("peer reported error",
			zap.Uint64("node", f.node),
			zap.Uint16("aspect", f.aspect),
			zap.Uint16("opcode", f.opcode),
			zap.Uint16("code", f.code),
			zap.String("message", f.message))
	case kindSignal:
		if err := sg.SendSignal(f.node, f.aspect, f.opcode, Message{Body: f.body, Fds: f.fds}); err != nil {
			m.log.Debug("signal failed",
				zap.Uint64("node", f.node),
				zap.Uint16("aspect", f.aspect),
				zap.Uint16("opcode", f.opcode),
				zap.Error(err))
			m.sendError(f.node, f.aspect, f.opcode, err)
		}
	case kindMethodCall:
		id := f.requestID
		var once sync.Once
		respond := func(body []byte, fds []int, err error) {
			once.Do(func() {
				if err != nil {
					_ = m.enqueue(frame{kind: kindMethodError, requestID: id, code: CodeOf(err), message: err.Error()})
					return
				}
				_ = m.enqueue(frame{kind: kindMethodReturn, requestID: id, body: body, fds: fds})
			})
		}
		sg.ExecuteMethod(f.node, f.aspect, f.opcode, Message{Body: f.body, Fds: f.fds}, respond)
	case kindMethodReturn, kindMethodError:
		m.mu.Lock()
		ch := m.pending[f.requestID]
		delete(m.pending, f.requestID)
		m.mu.Unlock()
		if ch == nil {
			m.log.Debug("reply for unknown request", zap.Uint64("request", f.requestID))
			closeFds(f.fds)
			return
		}
		if f.kind == kindMethodError {
			ch <- callResult{err: &RemoteError{Code: f.code, Message: f.message}}
		} else {
			ch <- callResult{body: f.body, fds: f.fds}
		}
	default:
		m.log.Debug("unknown frame kind", zap.Uint8("kind", f.kind))
	}
}

func (m *Messenger) sendError(node uint64, aspect, opcode uint16, err error) {
	_ = m.enqueue(frame{kind: kindError, node: node, aspect: aspect, opcode: opcode, code: CodeOf(err), message: err.Error()})
}

// Flush writes queued outbound frames until ctx is done or the
// messenger closes.
func (m *Messenger) Flush(ctx context.Context) error {
	for {
		select {
		case f := <-m.out:
			if err := m.writeFrame(f); err != nil {
				closeFds(f.fds)
				return errors.Wrap(err, "wire: write")
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		}
	}
}

// Close shuts the connection down and fails every pending method call
// with ErrClosed. Safe to call more than once.
func (m *Messenger) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		m.closeErr = m.conn.Close()
		m.mu.Lock()
		for id, ch := range m.pending {
			delete(m.pending, id)
			ch <- callResult{err: ErrClosed}
		}
		m.mu.Unlock()
	})
	return m.closeErr
}

func (m *Messenger) enqueue(f frame) error {
	if len(f.fds) > maxFdsPerFrame {
		closeFds(f.fds)
		return errors.Errorf("wire: %d fds exceeds frame limit", len(f.fds))
	}
	select {
	case <-m.done:
		closeFds(f.fds)
		return ErrClosed
	case m.out <- f:
		return nil
	}
}

func (m *Messenger) writeFrame(f frame) error {
	payload, err := encodeFrame(f)
	if err != nil {
		return err
	}
	if len(payload) > maxFrameSize {
		return errors.Errorf("wire: frame of %d bytes exceeds limit", len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	var oob []byte
	if len(f.fds) > 0 {
		oob = unix.UnixRights(f.fds...)
	}
	n, _, err := m.conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return err
	}
	for n < len(buf) {
		k, err := m.conn.Write(buf[n:])
		if err != nil {
			return err
		}
		n += k
	}
	// The kernel duplicated the descriptors into the message; drop our
	// copies.
	closeFds(f.fds)
	return nil
}

// readFrame returns the next complete frame, reading more data and
// ancillary descriptors as needed.
func (m *Messenger) readFrame() (frame, error) {
	for {
		f, ok, err := m.nextBuffered()
		if err != nil || ok {
			return f, err
		}
		buf := make([]byte, readChunk)
		oob := make([]byte, unix.CmsgSpace(4*maxFdsPerFrame))
		n, oobn, _, _, err := m.conn.ReadMsgUnix(buf, oob)
		if oobn > 0 {
			if qerr := m.queueFds(oob[:oobn]); qerr != nil {
				return frame{}, qerr
			}
		}
		if n > 0 {
			m.readBuf = append(m.readBuf, buf[:n]...)
			continue
		}
		if err != nil {
			return frame{}, err
		}
	}
}

// nextBuffered parses one frame out of the accumulated stream, pairing
// it with descriptors from the fd queue.
func (m *Messenger) nextBuffered() (frame, bool, error) {
	if len(m.readBuf) < 4 {
		return frame{}, false, nil
	}
	size := binary.BigEndian.Uint32(m.readBuf)
	if size > maxFrameSize {
		return frame{}, false, errors.Errorf("wire: frame of %d bytes exceeds limit", size)
	}
	total := 4 + int(size)
	if len(m.readBuf) < total {
		return frame{}, false, nil
	}
	f, err := decodeFrame(m.readBuf[4:total])
	if err != nil {
		return frame{}, false, err
	}
	rest := copy(m.readBuf, m.readBuf[total:])
	m.readBuf = m.readBuf[:rest]

	if f.fdCount > 0 {
		if int(f.fdCount) > len(m.fdQueue) {
			return frame{}, false, errors.Errorf("wire: frame wants %d fds, %d queued", f.fdCount, len(m.fdQueue))
		}
		f.fds = append([]int(nil), m.fdQueue[:f.fdCount]...)
		n := copy(m.fdQueue, m.fdQueue[f.fdCount:])
		m.fdQueue = m.fdQueue[:n]
	}
	return f, true, nil
}

func (m *Messenger) queueFds(oob []byte) error {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return errors.Wrap(err, "wire: control message")
	}
	for i := range scms {
		fds, err := unix.ParseUnixRights(&scms[i])
		if err != nil {
			continue
		}
		m.fdQueue = append(m.fdQueue, fds...)
	}
	return nil
}

// CloseFds closes a batch of received descriptors. Dispatch targets
// that drop a message without consuming its descriptors must call it.
func CloseFds(fds []int) { closeFds(fds) }

func closeFds(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
