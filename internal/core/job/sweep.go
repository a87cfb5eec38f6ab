package job

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskTypeSweepStale = "jobs:sweep-stale"

type SweepPayload struct {
	Reason string `json:"reason,omitempty"`
}

func NewSweepTask(reason string) *asynq.Task {
	payload, _ := json.Marshal(SweepPayload{Reason: reason})
	return asynq.NewTask(TaskTypeSweepStale, payload)
}

// HandleSweepTask runs one stale-pending sweep batch from the maintenance queue.
func (s *Service) HandleSweepTask(ctx context.Context, task *asynq.Task) error {
	var p SweepPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return err
		}
	}
	n, err := s.SweepStale(ctx)
	if err != nil {
		return err
	}
	s.log.LogDebugf("sweep (%s) finalized %d jobs", p.Reason, n)
	return nil
}
