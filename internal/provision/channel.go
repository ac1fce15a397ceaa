package provision

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is one message on a browser channel. Binary frames carry raw
// terminal bytes; text frames carry JSON control messages.
type Frame struct {
	Binary bool
	Data   []byte
}

// Channel is the browser-facing side of a provisioning session.
// Write must be safe to call from multiple goroutines.
type Channel interface {
	Read() (Frame, error)
	Write(frame Frame) error
	Close() error
}

const writeTimeout = 10 * time.Second

// WebsocketChannel adapts a websocket connection to a Channel.
type WebsocketChannel struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWebsocketChannel wraps conn.
func NewWebsocketChannel(conn *websocket.Conn) *WebsocketChannel {
	return &WebsocketChannel{conn: conn}
}

// Read blocks for the next data frame.
func (c *WebsocketChannel) Read() (Frame, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			return Frame{Binary: true, Data: data}, nil
		case websocket.TextMessage:
			return Frame{Data: data}, nil
		}
	}
}

// Write sends frame.
func (c *WebsocketChannel) Write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	messageType := websocket.TextMessage
	if frame.Binary {
		messageType = websocket.BinaryMessage
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(messageType, frame.Data)
}

// Close sends a normal closure and closes the connection. Safe to call more
// than once.
func (c *WebsocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
