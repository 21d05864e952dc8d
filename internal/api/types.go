package api

import (
	stdcontext "context"
	"errors"
	"time"
)

var (
	ErrNotStarted = errors.New("process not started")
)

// State summarises where the supervised process is in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateStopped   State = "stopped"
)

// CheckReport describes the last observed outcome of a named check.
type CheckReport struct {
	Name      string    `json:"name"`
	OK        bool      `json:"ok"`
	Passes    int       `json:"passes"`
	Failures  int       `json:"failures"`
	LastCheck time.Time `json:"last_check"`
}

// Transition records one supervision event for the status history.
type Transition struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Check     string    `json:"check,omitempty"`
	Message   string    `json:"message"`
}

// StatusReport is the snapshot served by the status endpoint.
type StatusReport struct {
	Process       string        `json:"process"`
	Command       string        `json:"command"`
	Version       string        `json:"version"`
	GeneratedAt   time.Time     `json:"generated_at"`
	State         State         `json:"state"`
	Healthy       bool          `json:"healthy"`
	Pid           int           `json:"pid"`
	Attempt       int           `json:"attempt"`
	Restarts      int           `json:"restarts"`
	RestartBudget int           `json:"restart_budget"`
	StartedAt     time.Time     `json:"started_at"`
	Rounds        int           `json:"rounds"`
	LastFailure   string        `json:"last_failure,omitempty"`
	Checks        []CheckReport `json:"checks"`
	History       []Transition  `json:"history"`
}

// Controller exposes supervision state to control servers.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
}
