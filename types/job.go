package types

import (
	"encoding/json"
	"fmt"
)

// job names, the worker dispatches on these
const (
	JobMint = "gelatoMintJob"
)

// MintPayload is everything the worker needs to submit a mint.
type MintPayload struct {
	User             string `json:"user"`
	Amount           string `json:"amount"`
	TargetNetwork    string `json:"targetNetwork"`
	TxHashOriginator string `json:"txHashOriginator"`
}

func (p MintPayload) Validate() error {
	if p.User == "" || p.TargetNetwork == "" || p.TxHashOriginator == "" {
		return fmt.Errorf("incomplete mint payload: %+v", p)
	}
	if _, err := ParseAmount(p.Amount); err != nil {
		return err
	}
	return nil
}

type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobActive    JobState = "active"
	JobDelayed   JobState = "delayed"
	JobFailed    JobState = "failed"
	JobCompleted JobState = "completed"
)

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type    BackoffType `json:"type"`
	DelayMs int64       `json:"delay"`
}

// Job is the durable queue record. Data stays raw so the queue does not
// need to know payload types.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
	MaxAttempts  int             `json:"attempts"`
	Backoff      Backoff         `json:"backoff"`
	State        JobState        `json:"state"`
	FailedReason string          `json:"failedReason,omitempty"`
	TsCreated    int64           `json:"timestamp"`
	TsProcessed  int64           `json:"processedOn,omitempty"`
}

// DecodeMint returns the payload of a mint job.
func (j *Job) DecodeMint() (MintPayload, error) {
	var p MintPayload
	if j.Name != JobMint {
		return p, fmt.Errorf("job %s is %q, not %q", j.ID, j.Name, JobMint)
	}
	if err := json.Unmarshal(j.Data, &p); err != nil {
		return p, fmt.Errorf("cannot unmarshal mint payload of job %s: %w", j.ID, err)
	}
	return p, p.Validate()
}
