package models

// Wire types shared by the controller API and its clients.

// RegisterRequest is sent by an agent on startup.
type RegisterRequest struct {
	Name    string `json:"name" validate:"required,max=128"`
	IsLocal bool   `json:"isLocal"`
}

// RegisterResponse identifies the registered node.
type RegisterResponse struct {
	WorkerID int64  `json:"workerId"`
	Name     string `json:"name"`
	Created  bool   `json:"created"`
}

// HeartbeatRequest carries one load sample and the agent version.
type HeartbeatRequest struct {
	CPUPercent    float64 `json:"cpuPercent" validate:"gte=0,lte=100"`
	MemoryPercent float64 `json:"memoryPercent" validate:"gte=0,lte=100"`
	Version       string  `json:"version" validate:"max=64"`
}

// HeartbeatResponse tells the agent whether to update itself.
type HeartbeatResponse struct {
	Status        string `json:"status"`
	NeedUpdate    bool   `json:"needUpdate"`
	ServerVersion string `json:"serverVersion"`
}

// AddNodeRequest creates an operator-managed node.
type AddNodeRequest struct {
	Name       string `json:"name" validate:"required,max=128"`
	IPAddress  string `json:"ipAddress" validate:"required_without=IsLocal,omitempty,hostname|ip"`
	SSHPort    int    `json:"sshPort" validate:"omitempty,min=1,max=65535"`
	Username   string `json:"username" validate:"max=64"`
	Password   string `json:"password"`
	SSHKeyPath string `json:"sshKeyPath"`
	IsLocal    bool   `json:"isLocal"`
}

// Node converts the request into a pending node.
func (r *AddNodeRequest) Node() *Node {
	return &Node{
		Name:       r.Name,
		IPAddress:  r.IPAddress,
		SSHPort:    r.SSHPort,
		Username:   r.Username,
		Password:   r.Password,
		SSHKeyPath: r.SSHKeyPath,
		IsLocal:    r.IsLocal,
	}
}

// SubmitJobRequest queues one scan job for dispatch.
type SubmitJobRequest struct {
	Module string            `json:"module" validate:"required,max=256"`
	Args   map[string]string `json:"args"`
}

// SubmitJobResponse acknowledges an accepted job.
type SubmitJobResponse struct {
	JobID string `json:"jobId"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// DispatchOutcome is the result of launching a job on one node.
type DispatchOutcome struct {
	NodeID      int64   `json:"nodeId"`
	NodeName    string  `json:"nodeName"`
	Score       float64 `json:"score"`
	ContainerID string  `json:"containerId,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// BroadcastResponse lists per-node outcomes of a broadcast job.
type BroadcastResponse struct {
	JobID   string            `json:"jobId"`
	Results []DispatchOutcome `json:"results"`
}
