// Package terminal streams an interactive container shell over
// WebSocket. One authoritative PTY attachment exists per session; any
// number of observer connections fan in stdin and fan out output.
package terminal

import "encoding/json"

// FrameType discriminates terminal protocol frames.
type FrameType string

const (
	// Client → server.
	FrameStdin  FrameType = "stdin"
	FrameResize FrameType = "resize"

	// Server → client.
	FrameOutput          FrameType = "output"
	FrameError           FrameType = "error"
	FrameContainerStatus FrameType = "container_status"
)

// Frame is a single terminal protocol message. Fields are populated by
// type: stdin/output carry Data, resize carries Cols/Rows, error carries
// Message, container_status carries Status (and Message when the
// container entered error state).
type Frame struct {
	Type    FrameType `json:"type"`
	Data    string    `json:"data,omitempty"`
	Cols    uint16    `json:"cols,omitempty"`
	Rows    uint16    `json:"rows,omitempty"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
}

func (f Frame) encode() []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// Frame has no unmarshalable fields; this cannot happen.
		return []byte(`{"type":"error","message":"encoding frame"}`)
	}
	return data
}

// parseInbound decodes a client frame. Payloads that are not valid JSON
// frames are treated as raw stdin so plain terminal pipes work without a
// protocol shim.
func parseInbound(data []byte) Frame {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		return Frame{Type: FrameStdin, Data: string(data)}
	}
	return f
}
