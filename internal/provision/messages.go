package provision

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tOgg1/scanfleet/internal/models"
)

// MessageType identifies a control frame.
type MessageType string

// Browser to controller.
const (
	MessageInput     MessageType = "input"
	MessageResize    MessageType = "resize"
	MessageDeploy    MessageType = "deploy"
	MessageAttach    MessageType = "attach"
	MessageUninstall MessageType = "uninstall"
)

// Controller to browser.
const (
	MessageConnected MessageType = "connected"
	MessageError     MessageType = "error"
	MessageStatus    MessageType = "status"
	MessageConfirm   MessageType = "confirm"
	MessageClosed    MessageType = "closed"
)

// ClientMessage is a JSON control frame from the browser.
type ClientMessage struct {
	Type MessageType `json:"type"`

	// Data is keystrokes for input frames.
	Data string `json:"data,omitempty"`

	Rows int `json:"rows,omitempty"`
	Cols int `json:"cols,omitempty"`

	// Token echoes a confirm frame to go ahead with an uninstall.
	Token string `json:"token,omitempty"`
}

// ServerMessage is a JSON control frame pushed to the browser.
type ServerMessage struct {
	Type    MessageType       `json:"type"`
	Message string            `json:"message,omitempty"`
	NodeID  int64             `json:"nodeId,omitempty"`
	Status  models.NodeStatus `json:"status,omitempty"`
	Session string            `json:"session,omitempty"`
	Token   string            `json:"token,omitempty"`
}

var errUnknownMessage = errors.New("unknown message type")

func decodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, err
	}
	switch msg.Type {
	case MessageInput, MessageResize, MessageDeploy, MessageAttach, MessageUninstall:
		return msg, nil
	case "":
		return msg, fmt.Errorf("%w: missing type", errUnknownMessage)
	default:
		return msg, fmt.Errorf("%w: %q", errUnknownMessage, msg.Type)
	}
}
