package protocol

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec handles reading and writing frames over a websocket connection.
// writes are serialised so that concurrent senders interleave at frame
// boundaries only, never within a frame.
type Codec struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
func NewCodec(conn *websocket.Conn) *Codec {
	return &Codec{conn: conn}
}

// WriteFrame serialises and sends a frame as one binary message.
func (c *Codec) WriteFrame(f *Frame) error {
	data := MarshalFrame(f)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads the next decodable frame from the websocket.
// non-binary messages and malformed frames are silently dropped.
func (c *Codec) ReadFrame() (*Frame, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("reading websocket message: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		frame, ok := UnmarshalFrame(data)
		if !ok {
			continue
		}
		return frame, nil
	}
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
