// pkg/interfaces/transport.go
package interfaces

import (
	"context"
	"errors"
)

var (
	ErrConnectionFailed    = errors.New("connection failed")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrNotOpen             = errors.New("connection not open")
	ErrInvalidEnvelope     = errors.New("invalid envelope")
)

// TransportProtocol is one physical connection. A new instance is created
// for every connection attempt; Receive is closed when the peer goes away.
type TransportProtocol interface {
	Connect(ctx context.Context) error
	Send(data []byte, msgType MessageType) error
	Receive() <-chan Message
	Close() error
	ProtocolType() string
}

type Message struct {
	Payload []byte
	Type    MessageType
}

type MessageType int

const (
	MsgText    MessageType = iota // JSON text
	MsgBinary                     // binary data, unused by the relay
	MsgControl                    // control frames
)

func (t MessageType) String() string {
	switch t {
	case MsgText:
		return "text"
	case MsgBinary:
		return "binary"
	default:
		return "control"
	}
}
