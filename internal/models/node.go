// Package models defines the core domain types for the scan fleet.
package models

import (
	"time"
)

// NodeStatus is the deployment state of a worker node.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusDeploying NodeStatus = "deploying"
	NodeStatusOnline    NodeStatus = "online"
	NodeStatusOffline   NodeStatus = "offline"
	NodeStatusUpdating  NodeStatus = "updating"
	NodeStatusOutdated  NodeStatus = "outdated"
)

// AllNodeStatuses lists every deployment state.
var AllNodeStatuses = []NodeStatus{
	NodeStatusPending,
	NodeStatusDeploying,
	NodeStatusOnline,
	NodeStatusOffline,
	NodeStatusUpdating,
	NodeStatusOutdated,
}

// Valid reports whether s is a known deployment state.
func (s NodeStatus) Valid() bool {
	for _, known := range AllNodeStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// SSHBackend specifies which SSH implementation to use for a node.
type SSHBackend string

const (
	SSHBackendNative SSHBackend = "native" // Go's x/crypto/ssh
	SSHBackendSystem SSHBackend = "system" // System ssh binary
)

// DefaultSSHPort is used when a node does not specify one.
const DefaultSSHPort = 22

// DefaultSSHUser is used when a node does not specify one.
const DefaultSSHUser = "root"

// Node is a machine that can run scan jobs.
type Node struct {
	// ID is assigned by the registry and never reused.
	ID int64 `json:"id"`

	// Name is unique across the fleet.
	Name string `json:"name"`

	// IPAddress is the SSH host for remote nodes.
	IPAddress string `json:"ipAddress"`

	SSHPort  int    `json:"sshPort"`
	Username string `json:"username"`

	// Password is never serialized to API clients.
	Password string `json:"-"`

	// SSHKeyPath is an optional private key used instead of the password.
	SSHKeyPath string `json:"-"`

	// IsLocal nodes share the controller's container runtime and are never
	// reached over SSH.
	IsLocal bool `json:"isLocal"`

	Status NodeStatus `json:"status"`

	// LastVersion is the agent version reported by the latest heartbeat.
	LastVersion string `json:"version,omitempty"`

	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`
	DeployStartedAt *time.Time `json:"-"`
	ScriptExitedAt  *time.Time `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Info carries the latest non-expired load sample, if any.
	Info *NodeInfo `json:"info,omitempty"`
}

// NodeInfo is the load view exposed to the dashboard.
type NodeInfo struct {
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// ApplyDefaults fills SSH defaults for remote nodes.
func (n *Node) ApplyDefaults() {
	if n.SSHPort == 0 {
		n.SSHPort = DefaultSSHPort
	}
	if n.Username == "" {
		n.Username = DefaultSSHUser
	}
	if n.Status == "" {
		n.Status = NodeStatusPending
	}
}

// Validate checks if the node configuration is valid.
func (n *Node) Validate() error {
	validation := &ValidationErrors{}
	if n.Name == "" {
		validation.Add("name", ErrInvalidNodeName)
	}
	if n.Status != "" && !n.Status.Valid() {
		validation.Add("status", ErrInvalidNodeStatus)
	}
	if !n.IsLocal {
		if n.IPAddress == "" {
			validation.Add("ipAddress", ErrInvalidNodeAddress)
		}
		if n.SSHPort < 1 || n.SSHPort > 65535 {
			validation.Add("sshPort", ErrInvalidSSHPort)
		}
		if n.Username == "" {
			validation.AddMessage("username", "username is required for remote nodes")
		}
	}
	return validation.Err()
}

// Credentialed reports whether the node has any SSH credential.
func (n *Node) Credentialed() bool {
	return n.Password != "" || n.SSHKeyPath != ""
}
