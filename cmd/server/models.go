package main

import "time"

// API response models

// HealthResponse is returned by GET /api/v1/health
type HealthResponse struct {
	Status  string `json:"status"`
	Study   string `json:"study,omitempty"`
	Error   string `json:"error,omitempty"`
	Version string `json:"version"`
}

// CronResponse describes one configured cron
type CronResponse struct {
	ID           string     `json:"id"`
	Description  string     `json:"description,omitempty"`
	Interval     *int       `json:"interval,omitempty"`
	IntervalUnit string     `json:"intervalUnit,omitempty"`
	Periodic     bool       `json:"periodic"`
	LastRun      *time.Time `json:"lastRun,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
	Rules        int        `json:"rules"`
}

// CronsListResponse is returned by GET /api/v1/crons
type CronsListResponse struct {
	Crons []CronResponse `json:"crons"`
}

// TaskRunResponse is returned after a manual task run
type TaskRunResponse struct {
	Task     string `json:"task"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
}

// WorkflowStatusResponse is one workflow status of a scope
type WorkflowStatusResponse struct {
	PK         int64     `json:"pk"`
	WorkflowID string    `json:"workflowId"`
	StateID    string    `json:"stateId"`
	Important  bool      `json:"important"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// WorkflowsListResponse is returned by GET /api/v1/scopes/{scopePk}/workflows
type WorkflowsListResponse struct {
	ScopePK   int64                    `json:"scopePk"`
	Workflows []WorkflowStatusResponse `json:"workflows"`
}

// ExecutionResponse reports a rule batch run through the API
type ExecutionResponse struct {
	Fired    []string `json:"fired"`
	Actions  int      `json:"actions"`
	Messages []string `json:"messages"`
}

// ReloadResponse is returned by POST /api/v1/study/reload
type ReloadResponse struct {
	Study    string    `json:"study"`
	LoadedAt time.Time `json:"loadedAt"`
}
