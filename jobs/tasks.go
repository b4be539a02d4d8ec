package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskValiditySweep invalidates cached permission sets whose validity windows moved.
	TaskValiditySweep = "permissions:validity_sweep"
)

// ValiditySweepPayload tunes a single sweep. A zero lookback uses the job default.
type ValiditySweepPayload struct {
	LookbackSeconds int64 `json:"lookbackSeconds,omitempty"`
}

// Lookback returns the payload lookback as a duration.
func (p ValiditySweepPayload) Lookback() time.Duration {
	return time.Duration(p.LookbackSeconds) * time.Second
}

// NewValiditySweepTask constructs an Asynq task for the sweep.
func NewValiditySweepTask(lookback time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(ValiditySweepPayload{LookbackSeconds: int64(lookback / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskValiditySweep, data), nil
}
