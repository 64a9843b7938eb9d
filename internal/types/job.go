package types

import (
	"encoding/json"
	"time"
)

// JobPriority is the four-level ordinal; larger schedules first.
type JobPriority int

const (
	PriorityLow JobPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[JobPriority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p JobPriority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "normal"
}

// ParsePriority maps the external string encoding to the ordinal.
func ParsePriority(s string) (JobPriority, bool) {
	for p, name := range priorityNames {
		if name == s {
			return p, true
		}
	}
	return PriorityNormal, false
}

// JobState is a node in the job lifecycle DAG.
type JobState string

const (
	JobPending   JobState = "pending"
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// jobTransitions is the legal transition set. Failed->Queued covers retry.
var jobTransitions = map[JobState][]JobState{
	JobPending: {JobQueued, JobCancelled},
	JobQueued:  {JobRunning, JobCancelled},
	JobRunning: {JobCompleted, JobFailed, JobCancelled, JobQueued},
	JobFailed:  {JobQueued},
}

// CanTransition reports whether from -> to belongs to the lifecycle DAG.
func CanTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureKind classifies a driver failure for the retry policy.
type FailureKind string

const (
	FailureTransient  FailureKind = "transient"
	FailureWorkerLost FailureKind = "worker_lost"
	FailurePermanent  FailureKind = "permanent"
)

// Retryable reports whether this failure kind may be retried at all.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient || k == FailureWorkerLost
}

// Reservation is the (cores, memory) a job holds from the ledger.
type Reservation struct {
	Cores       int   `json:"cores"`
	MemoryBytes int64 `json:"memoryBytes"`
}

// Fits reports whether r fits componentwise inside free.
func (r Reservation) Fits(free Reservation) bool {
	return r.Cores <= free.Cores && r.MemoryBytes <= free.MemoryBytes
}

// Job is a long-running compute job row. Only the runner mutates State.
type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	OwnerUserID  string          `json:"ownerUserId"`
	WorkspaceID  string          `json:"workspaceId,omitempty"`
	Priority     JobPriority     `json:"-"`
	State        JobState        `json:"state"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Reservation  Reservation     `json:"reservation"`
	MaxRetries   int             `json:"maxRetries"`
	Attempt      int             `json:"attempt"`
	Progress     float64         `json:"progress"`
	Checkpoint   []byte          `json:"-"`
	ResultRef    string          `json:"resultRef,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	WorkerID     string          `json:"workerId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// MarshalJSON adds the string priority encoding expected by clients.
func (j Job) MarshalJSON() ([]byte, error) {
	type alias Job
	return json.Marshal(struct {
		alias
		Priority string `json:"priority"`
	}{alias(j), j.Priority.String()})
}

// ClusterMetricSample is a point-in-time view of cluster utilization.
type ClusterMetricSample struct {
	Timestamp            time.Time      `json:"timestamp"`
	WorkersTotal         int            `json:"workersTotal"`
	WorkersBusy          int            `json:"workersBusy"`
	CoresTotal           int            `json:"coresTotal"`
	CoresUsed            int            `json:"coresUsed"`
	MemoryTotal          int64          `json:"memoryTotal"`
	MemoryUsed           int64          `json:"memoryUsed"`
	QueueDepthByPriority map[string]int `json:"queueDepthByPriority"`
}
