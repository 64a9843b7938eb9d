package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"omics-backend/internal/types"
)

// StageDriver runs a fixed sequence of named stages, reporting progress and
// a resume checkpoint after each one. It backs the built-in analysis job
// types; real deployments register drivers that call the compute backends
// instead.
type StageDriver struct {
	JobType    string
	Stages     []string
	StageDelay time.Duration
}

type stageCheckpoint struct {
	NextStage int `json:"nextStage"`
}

func (d *StageDriver) Type() string { return d.JobType }

func (d *StageDriver) Run(ctx context.Context, job *types.Job, report ProgressFn) (string, error) {
	start := 0
	if len(job.Checkpoint) > 0 {
		var cp stageCheckpoint
		if err := json.Unmarshal(job.Checkpoint, &cp); err == nil && cp.NextStage > 0 && cp.NextStage <= len(d.Stages) {
			start = cp.NextStage
		}
	}
	for i := start; i < len(d.Stages); i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d.StageDelay):
		}
		cp, _ := json.Marshal(stageCheckpoint{NextStage: i + 1})
		report(float64(i+1)/float64(len(d.Stages)), cp)
	}
	return fmt.Sprintf("results/%s/%s", d.JobType, job.ID), nil
}
