package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Legacy wire tokens. They are case-sensitive and matched exactly.
const (
	TokenRegister      = "REGISTER"
	TokenRegisterNode  = "REGISTER:NODE:"
	TokenRegistered    = "REGISTERED"
	TokenServerFull    = "SERVER_FULL"
	TokenRequestSend   = "REQUEST_SEND"
	TokenOK            = "OK"
	TokenWait          = "WAIT"
	TokenNode          = "NODE:"
	TokenHeartbeatNode = "HEARTBEAT:NODE:"
	TokenData          = "DATA:"
	TokenEOF           = "EOF"
)

// ClassifyLegacy maps an untagged datagram to a Message. phase is the
// sender's own transfer phase: while receiving, every payload except the
// exact 3-byte terminator is file data, so control-looking bytes inside a
// file are never misread.
func ClassifyLegacy(raw []byte, phase Phase) Message {
	msg := Message{Raw: raw}

	if phase == PhaseReceiving {
		if string(raw) == TokenEOF {
			msg.Kind = KindEnd
			return msg
		}
		msg.Kind = KindChunk
		msg.Payload = raw
		return msg
	}

	text := string(raw)
	switch {
	case text == TokenRegister:
		msg.Kind = KindRegister
		return msg
	case strings.HasPrefix(text, TokenRegisterNode):
		if id, ok := parseNodeID(text[len(TokenRegisterNode):]); ok {
			msg.Kind = KindRegister
			msg.NodeID, msg.HasNodeID = id, true
			return msg
		}
	case text == TokenRequestSend:
		msg.Kind = KindRequestSend
		return msg
	}

	if phase == PhaseAwaitingName {
		msg.Kind = KindFilename
		msg.Payload = raw
		return msg
	}

	switch {
	case strings.HasPrefix(text, TokenNode):
		if id, ok := parseNodeID(text[len(TokenNode):]); ok {
			msg.Kind = KindNode
			msg.NodeID, msg.HasNodeID = id, true
		}
	case strings.HasPrefix(text, TokenHeartbeatNode):
		if id, ok := parseNodeID(text[len(TokenHeartbeatNode):]); ok {
			msg.Kind = KindHeartbeat
			msg.NodeID, msg.HasNodeID = id, true
		}
	case strings.HasPrefix(text, TokenData):
		msg.Kind = KindData
		msg.Payload = raw[len(TokenData):]
	case text == TokenEOF:
		msg.Kind = KindBurstEnd
	}
	return msg
}

// EncodeLegacy renders an outbound message as legacy text. Data messages
// reuse Raw when present so broadcast delivers the original bytes verbatim.
func EncodeLegacy(msg Message) []byte {
	switch msg.Kind {
	case KindRegistered:
		return []byte(TokenRegistered)
	case KindServerFull:
		return []byte(TokenServerFull)
	case KindOK:
		return []byte(TokenOK)
	case KindWait:
		return []byte(TokenWait)
	case KindRegister:
		if msg.HasNodeID {
			return []byte(TokenRegisterNode + strconv.Itoa(msg.NodeID))
		}
		return []byte(TokenRegister)
	case KindRequestSend:
		return []byte(TokenRequestSend)
	case KindNode:
		return []byte(TokenNode + strconv.Itoa(msg.NodeID))
	case KindHeartbeat:
		return []byte(TokenHeartbeatNode + strconv.Itoa(msg.NodeID))
	case KindData:
		if msg.Raw != nil && !msg.Framed {
			return msg.Raw
		}
		out := make([]byte, 0, len(TokenData)+len(msg.Payload))
		out = append(out, TokenData...)
		return append(out, msg.Payload...)
	case KindEnd, KindBurstEnd:
		return []byte(TokenEOF)
	case KindFilename, KindChunk:
		return bytes.Clone(msg.Payload)
	}
	return nil
}

func parseNodeID(s string) (int, bool) {
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// ClassifyReply decodes a datagram arriving at a node from the collector:
// a response token, a broadcast reading, or a frame carrying either.
func ClassifyReply(raw []byte) (Message, error) {
	if IsFrame(raw) {
		return DecodeFrame(raw)
	}
	msg := Message{Raw: raw}
	text := string(raw)
	switch {
	case text == TokenRegistered:
		msg.Kind = KindRegistered
	case text == TokenServerFull:
		msg.Kind = KindServerFull
	case text == TokenOK:
		msg.Kind = KindOK
	case text == TokenWait:
		msg.Kind = KindWait
	case strings.HasPrefix(text, TokenData):
		msg.Kind = KindData
		msg.Payload = raw[len(TokenData):]
	default:
		return msg, fmt.Errorf("reply %q: %w", preview(raw), ErrUnknownKind)
	}
	return msg, nil
}

func preview(raw []byte) string {
	if len(raw) > 32 {
		return string(raw[:32]) + "..."
	}
	return string(raw)
}
