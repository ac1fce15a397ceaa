package models

import (
	"math"
	"time"
)

// DefaultHeartbeatInterval is how often agents report load.
const DefaultHeartbeatInterval = 3 * time.Second

// DefaultSampleTTL is how long a load sample stays valid after it is written.
const DefaultSampleTTL = 15 * time.Second

// LoadSample is the most recent utilization reported by a node's agent.
// A newer sample replaces the previous one wholesale.
type LoadSample struct {
	NodeID        int64     `json:"nodeId"`
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryPercent float64   `json:"memoryPercent"`
	Version       string    `json:"version,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Info returns the dashboard view of the sample.
func (s *LoadSample) Info() *NodeInfo {
	if s == nil {
		return nil
	}
	return &NodeInfo{CPUPercent: s.CPUPercent, MemoryPercent: s.MemoryPercent}
}

// RoundPercent clamps a utilization value to [0,100] with one decimal.
func RoundPercent(value float64) float64 {
	if math.IsNaN(value) || value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return math.Round(value*10) / 10
}
