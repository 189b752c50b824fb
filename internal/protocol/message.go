// Package protocol defines the collector's message kinds, the legacy
// text-token wire format and the tagged CBOR frame format.
package protocol

import "fmt"

// Kind identifies one message type independent of its wire encoding.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRegister
	KindRegistered
	KindServerFull
	KindRequestSend
	KindOK
	KindWait
	KindFilename
	KindChunk
	KindEnd
	KindNode
	KindHeartbeat
	KindData
	KindBurstEnd
)

var kindNames = [...]string{
	KindUnknown:     "unknown",
	KindRegister:    "register",
	KindRegistered:  "registered",
	KindServerFull:  "server_full",
	KindRequestSend: "request_send",
	KindOK:          "ok",
	KindWait:        "wait",
	KindFilename:    "filename",
	KindChunk:       "chunk",
	KindEnd:         "end",
	KindNode:        "node",
	KindHeartbeat:   "heartbeat",
	KindData:        "data",
	KindBurstEnd:    "burst_end",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is a decoded datagram.
//
// For legacy datagrams Raw holds the exact bytes received; Payload holds
// the command argument (the text after "DATA:", the filename, or the chunk
// bytes). Framed messages carry Seq and an optional NodeID in the frame.
type Message struct {
	Kind      Kind
	Seq       uint64
	NodeID    int
	HasNodeID bool
	Payload   []byte
	Raw       []byte
	Framed    bool
}

// Phase is the transfer phase as seen by one sender. Legacy filename and
// chunk datagrams carry no tag, so classification depends on it.
type Phase uint8

const (
	// PhaseIdle means the sender does not hold the transfer slot.
	PhaseIdle Phase = iota
	PhaseAwaitingName
	PhaseReceiving
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitingName:
		return "awaiting-filename"
	case PhaseReceiving:
		return "receiving-bytes"
	default:
		return "idle"
	}
}
