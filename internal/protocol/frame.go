package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FrameMagic prefixes every tagged frame. It is the CBOR self-describe tag
// (55799), which never starts a legacy control token.
var FrameMagic = []byte{0xd9, 0xd9, 0xf7}

// MaxFrameOverhead bounds the bytes a frame adds around its payload: the
// magic, the array header, kind, seq, node id and the payload length.
const MaxFrameOverhead = 3 + 1 + 2 + 9 + 9 + 9

var (
	ErrNotFrame    = errors.New("protocol: datagram is not a tagged frame")
	ErrUnknownKind = errors.New("protocol: unknown frame kind")
	ErrBadNodeID   = errors.New("protocol: negative node id")
)

type frame struct {
	_       struct{} `cbor:",toarray"`
	Kind    uint8
	Seq     uint64
	NodeID  *int
	Payload []byte
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxArrayElements: 16}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// IsFrame reports whether b starts with the frame magic.
func IsFrame(b []byte) bool {
	return bytes.HasPrefix(b, FrameMagic)
}

// EncodeFrame renders msg as a tagged frame.
func EncodeFrame(msg Message) ([]byte, error) {
	if msg.Kind == KindUnknown || int(msg.Kind) >= len(kindNames) {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind, ErrUnknownKind)
	}
	f := frame{Kind: uint8(msg.Kind), Seq: msg.Seq, Payload: msg.Payload}
	if msg.HasNodeID {
		id := msg.NodeID
		f.NodeID = &id
	}
	body, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	out := make([]byte, 0, len(FrameMagic)+len(body))
	out = append(out, FrameMagic...)
	return append(out, body...), nil
}

// DecodeFrame parses a tagged frame. The returned payload does not alias b.
func DecodeFrame(b []byte) (Message, error) {
	if !IsFrame(b) {
		return Message{}, ErrNotFrame
	}
	var f frame
	if err := decMode.Unmarshal(b[len(FrameMagic):], &f); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	kind := Kind(f.Kind)
	if kind == KindUnknown || int(kind) >= len(kindNames) {
		return Message{}, fmt.Errorf("decode kind %d: %w", f.Kind, ErrUnknownKind)
	}
	msg := Message{
		Kind:    kind,
		Seq:     f.Seq,
		Payload: f.Payload,
		Raw:     b,
		Framed:  true,
	}
	if f.NodeID != nil {
		if *f.NodeID < 0 {
			return Message{}, fmt.Errorf("decode frame: %w: %d", ErrBadNodeID, *f.NodeID)
		}
		msg.NodeID, msg.HasNodeID = *f.NodeID, true
	}
	return msg, nil
}

// Encode renders msg in the wire format the peer speaks.
func Encode(msg Message, framed bool) ([]byte, error) {
	if framed {
		return EncodeFrame(msg)
	}
	out := EncodeLegacy(msg)
	if out == nil {
		return nil, fmt.Errorf("encode legacy %s: %w", msg.Kind, ErrUnknownKind)
	}
	return out, nil
}
