package wire

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Datamap is an opaque, schema-free CBOR map with string keys. The
// server never interprets the values; it only checks well-formedness
// and, for pulse masks, compares value kinds.
type Datamap []byte

// NewDatamap encodes a key/value map as a datamap.
func NewDatamap(values map[string]any) (Datamap, error) {
	b, err := encMode.Marshal(values)
	return Datamap(b), errors.Wrap(err, "wire: datamap")
}

// EmptyDatamap returns a datamap with no entries.
func EmptyDatamap() Datamap {
	d, _ := NewDatamap(map[string]any{})
	return d
}

// Validate checks that the blob is a well-formed string-keyed CBOR map.
func (d Datamap) Validate() error {
	if len(d) == 0 {
		return errors.New("wire: empty datamap")
	}
	var m map[string]cbor.RawMessage
	if err := decMode.Unmarshal(d, &m); err != nil {
		return errors.Wrap(err, "wire: datamap")
	}
	return nil
}

// valueKind classifies a CBOR value for mask comparison. Unsigned and
// negative integers share a kind; bools, nulls, and floats are split
// out of the simple-value major type.
type valueKind uint8

const (
	kindInt valueKind = iota
	kindBytes
	kindString
	kindArray
	kindMap
	kindTag
	kindBool
	kindNil
	kindFloat
	kindOther
)

func kindOf(raw cbor.RawMessage) valueKind {
	if len(raw) == 0 {
		return kindOther
	}
	major := raw[0] >> 5
	switch major {
	case 0, 1:
		return kindInt
	case 2:
		return kindBytes
	case 3:
		return kindString
	case 4:
		return kindArray
	case 5:
		return kindMap
	case 6:
		return kindTag
	}
	switch info := raw[0] & 0x1f; {
	case info == 20 || info == 21:
		return kindBool
	case info == 22 || info == 23:
		return kindNil
	case info >= 25 && info <= 27:
		return kindFloat
	default:
		return kindOther
	}
}

// kinds maps each key of the datamap to its value kind.
func (d Datamap) kinds() (map[string]valueKind, error) {
	var m map[string]cbor.RawMessage
	if err := decMode.Unmarshal(d, &m); err != nil {
		return nil, errors.Wrap(err, "wire: datamap")
	}
	out := make(map[string]valueKind, len(m))
	for k, v := range m {
		out[k] = kindOf(v)
	}
	return out, nil
}

// MaskMatches reports whether every key of lesser exists in greater
// with the same value kind. Malformed blobs never match.
func MaskMatches(lesser, greater Datamap) bool {
	lk, err := lesser.kinds()
	if err != nil {
		return false
	}
	gk, err := greater.kinds()
	if err != nil {
		return false
	}
	for k, kind := range lk {
		got, ok := gk[k]
		if !ok || got != kind {
			return false
		}
	}
	return true
}
