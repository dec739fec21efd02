package wire

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Frame kinds. Every frame is a CBOR array whose first element is the
// kind, preceded on the socket by a 4-byte big-endian length prefix.
const (
	kindError uint8 = iota
	kindSignal
	kindMethodCall
	kindMethodReturn
	kindMethodError
)

// Protocol error codes carried by error and method-error frames.
const (
	CodeNodeNotFound uint16 = 1 + iota
	CodeWrongAspect
	CodeBrokenAlias
	CodeCycle
	CodeMessengerGone
	CodeSerialization
	CodeInternal
)

// Coder is implemented by errors that know their protocol code.
// Everything else crosses the wire as CodeInternal.
type Coder interface {
	WireCode() uint16
}

// CodeOf extracts the protocol code from an error chain.
func CodeOf(err error) uint16 {
	var c Coder
	if errors.As(err, &c) {
		return c.WireCode()
	}
	return CodeInternal
}

// RemoteError is a coded failure reported by the peer.
type RemoteError struct {
	Code    uint16
	Message string
}

func (e *RemoteError) Error() string   { return e.Message }
func (e *RemoteError) WireCode() uint16 { return e.Code }

// frame is the decoded form of any protocol frame. Fields outside the
// addressed kind's layout stay zero. File descriptors never serialize
// inline; they ride as SCM_RIGHTS ancillary data, counted by fdCount.
type frame struct {
	kind      uint8
	requestID uint64
	node      uint64
	aspect    uint16
	opcode    uint16
	code      uint16
	message   string
	body      []byte
	fdCount   uint8
	fds       []int
}

type errorFrame struct {
	_ struct{} `cbor:",toarray"`

	Kind    uint8
	Node    uint64
	Aspect  uint16
	Opcode  uint16
	Code    uint16
	Message string
}

type signalFrame struct {
	_ struct{} `cbor:",toarray"`

	Kind    uint8
	Node    uint64
	Aspect  uint16
	Opcode  uint16
	Body    []byte
	FdCount uint8
}

type methodCallFrame struct {
	_ struct{} `cbor:",toarray"`

	Kind      uint8
	RequestID uint64
	Node      uint64
	Aspect    uint16
	Opcode    uint16
	Body      []byte
	FdCount   uint8
}

type methodReturnFrame struct {
	_ struct{} `cbor:",toarray"`

	Kind      uint8
	RequestID uint64
	Body      []byte
	FdCount   uint8
}

type methodErrorFrame struct {
	_ struct{} `cbor:",toarray"`

	Kind      uint8
	RequestID uint64
	Code      uint16
	Message   string
}

func encodeFrame(f frame) ([]byte, error) {
	var v any
	switch f.kind {
	case kindError:
		v = errorFrame{Kind: f.kind, Node: f.node, Aspect: f.aspect, Opcode: f.opcode, Code: f.code, Message: f.message}
	case kindSignal:
		v = signalFrame{Kind: f.kind, Node: f.node, Aspect: f.aspect, Opcode: f.opcode, Body: f.body, FdCount: uint8(len(f.fds))}
	case kindMethodCall:
		v = methodCallFrame{Kind: f.kind, RequestID: f.requestID, Node: f.node, Aspect: f.aspect, Opcode: f.opcode, Body: f.body, FdCount: uint8(len(f.fds))}
	case kindMethodReturn:
		v = methodReturnFrame{Kind: f.kind, RequestID: f.requestID, Body: f.body, FdCount: uint8(len(f.fds))}
	case kindMethodError:
		v = methodErrorFrame{Kind: f.kind, RequestID: f.requestID, Code: f.code, Message: f.message}
	default:
		return nil, errors.Errorf("wire: unknown frame kind %d", f.kind)
	}
	return encMode.Marshal(v)
}

func decodeFrame(data []byte) (frame, error) {
	var raw []cbor.RawMessage
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return frame{}, errors.Wrap(err, "wire: frame")
	}
	if len(raw) == 0 {
		return frame{}, errors.New("wire: empty frame")
	}
	var kind uint8
	if err := decMode.Unmarshal(raw[0], &kind); err != nil {
		return frame{}, errors.Wrap(err, "wire: frame kind")
	}

	f := frame{kind: kind}
	switch kind {
	case kindError:
		var v errorFrame
		if err := decMode.Unmarshal(data, &v); err != nil {
			return frame{}, errors.Wrap(err, "wire: error frame")
		}
		f.node, f.aspect, f.opcode, f.code, f.message = v.Node, v.Aspect, v.Opcode, v.Code, v.Message
	case kindSignal:
		var v signalFrame
		if err := decMode.Unmarshal(data, &v); err != nil {
			return frame{}, errors.Wrap(err, "wire: signal frame")
		}
		f.node, f.aspect, f.opcode, f.body, f.fdCount = v.Node, v.Aspect, v.Opcode, v.Body, v.FdCount
	case kindMethodCall:
		var v methodCallFrame
		if err := decMode.Unmarshal(data, &v); err != nil {
			return frame{}, errors.Wrap(err, "wire: method call frame")
		}
		f.requestID, f.node, f.aspect, f.opcode, f.body, f.fdCount = v.RequestID, v.Node, v.Aspect, v.Opcode, v.Body, v.FdCount
	case kindMethodReturn:
		var v methodReturnFrame
		if err := decMode.Unmarshal(data, &v); err != nil {
			return frame{}, errors.Wrap(err, "wire: method return frame")
		}
		f.requestID, f.body, f.fdCount = v.RequestID, v.Body, v.FdCount
	case kindMethodError:
		var v methodErrorFrame
		if err := decMode.Unmarshal(data, &v); err != nil {
			return frame{}, errors.Wrap(err, "wire: method error frame")
		}
		f.requestID, f.code, f.message = v.RequestID, v.Code, v.Message
	default:
		return frame{}, errors.Errorf("wire: unknown frame kind %d", kind)
	}
	return f, nil
}
