// Package ipc exposes a local introspection endpoint over a unix socket:
// length-prefixed JSON request/response frames carrying the bridge's seat
// and drag-and-drop state. The `waybridge status` subcommand is its client.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
)

// Message types.
const (
	TypeStatus         = "status"
	TypeStatusResponse = "status_response"
	TypeError          = "error"
)

// maxFrame bounds one frame; anything larger is a corrupt or hostile peer.
const maxFrame = 1 << 20

// Message is one IPC frame. Exactly one payload field is set, matching Type.
type Message struct {
	Type   string          `json:"type"`
	Status *StatusResponse `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SeatStatus describes one live seat.
type SeatStatus struct {
	Name           string `json:"name"`
	PointerDevice  uint16 `json:"pointer_device"`
	KeyboardDevice uint16 `json:"keyboard_device"`
	GrabHeld       int    `json:"grab_held"`
	Entered        bool   `json:"entered"`
	Focused        bool   `json:"focused"`
	Dragging       bool   `json:"dragging"`
}

// StatusResponse is the bridge's introspection snapshot.
type StatusResponse struct {
	Version       string       `json:"version"`
	Seats         []SeatStatus `json:"seats"`
	InboundDrag   bool         `json:"inbound_drag"`
	OutboundDrag  bool         `json:"outbound_drag"`
	SurfaceCount  int          `json:"surface_count"`
	UptimeSeconds int64        `json:"uptime_seconds"`
}

// NewStatusMessage creates a status query.
func NewStatusMessage() Message {
	return Message{Type: TypeStatus}
}

// NewStatusResponseMessage wraps a snapshot for the wire.
func NewStatusResponseMessage(status StatusResponse) Message {
	return Message{Type: TypeStatusResponse, Status: &status}
}

// NewErrorMessage creates an error response.
func NewErrorMessage(errMsg string) Message {
	return Message{Type: TypeError, Error: errMsg}
}

// ReadMessage reads one length-prefixed JSON frame.
func ReadMessage(conn net.Conn) (Message, error) {
	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return Message{}, fmt.Errorf("failed to read message length: %w", err)
	}
	if length > maxFrame {
		return Message{}, fmt.Errorf("message length %d exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(conn, data); err != nil {
		return Message{}, fmt.Errorf("failed to read message data: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return msg, nil
}

// WriteMessage writes one length-prefixed JSON frame.
func WriteMessage(conn net.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	length := uint32(len(data))
	if err := binary.Write(conn, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message data: %w", err)
	}
	return nil
}
