package models

import (
	"encoding/json"
	"strconv"
	"time"
)

// EventType categorizes events in the system.
type EventType string

const (
	// Node events
	EventTypeNodeRegistered    EventType = "node.registered"
	EventTypeNodeAdded         EventType = "node.added"
	EventTypeNodeRemoved       EventType = "node.removed"
	EventTypeNodeStatusChanged EventType = "node.status_changed"

	// Job events
	EventTypeJobDispatched EventType = "job.dispatched"
	EventTypeJobDeferred   EventType = "job.deferred"
	EventTypeJobFailed     EventType = "job.failed"

	// Provisioning events
	EventTypeDeployStarted EventType = "provision.deploy_started"
	EventTypeUninstalled   EventType = "provision.uninstalled"

	// System events
	EventTypeError EventType = "error"
)

// EntityType identifies the type of entity an event relates to.
type EntityType string

const (
	EntityTypeNode   EntityType = "node"
	EntityTypeJob    EntityType = "job"
	EntityTypeSystem EntityType = "system"
)

// Event represents an append-only log entry.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Type       EventType         `json:"type"`
	EntityType EntityType        `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NodeEntityID formats a node id for Event.EntityID.
func NodeEntityID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// NewNodeEvent builds a node event with a JSON payload.
func NewNodeEvent(eventType EventType, nodeID int64, payload any) *Event {
	event := &Event{
		Timestamp:  time.Now().UTC(),
		Type:       eventType,
		EntityType: EntityTypeNode,
		EntityID:   NodeEntityID(nodeID),
	}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			event.Payload = data
		}
	}
	return event
}

// NewJobEvent builds a job event with a JSON payload.
func NewJobEvent(eventType EventType, jobID string, payload any) *Event {
	event := NewNodeEvent(eventType, 0, payload)
	event.EntityType = EntityTypeJob
	event.EntityID = jobID
	return event
}

// StatusChangedPayload is the payload for node.status_changed events.
type StatusChangedPayload struct {
	OldStatus NodeStatus `json:"oldStatus"`
	NewStatus NodeStatus `json:"newStatus"`
	Reason    string     `json:"reason"`
}

// JobDispatchedPayload is the payload for job.dispatched events.
type JobDispatchedPayload struct {
	NodeID      int64   `json:"nodeId"`
	NodeName    string  `json:"nodeName"`
	Score       float64 `json:"score"`
	ContainerID string  `json:"containerId,omitempty"`
}

// JobFailedPayload is the payload for job.failed events.
type JobFailedPayload struct {
	NodeID   int64  `json:"nodeId"`
	NodeName string `json:"nodeName"`
	Error    string `json:"error"`
}

// JobDeferredPayload is the payload for job.deferred events.
type JobDeferredPayload struct {
	Candidates int           `json:"candidates"`
	RetryIn    time.Duration `json:"retryIn"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Error   string `json:"error"`
	Context string `json:"context,omitempty"`
}
