// Package replay rebuilds projections blue/green: history is streamed
// into shadow targets while the live read path keeps serving, then the
// routing is flipped atomically. Zero read downtime, abortable at every
// step before the swap.
package replay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a replay job's position in its lifecycle
type State string

const (
	Idle                State = "idle"
	ShadowCreated       State = "shadow_created"
	Replaying           State = "replaying"
	DualWriteConverging State = "dual_write_converging"
	Verifying           State = "verifying"
	Swapping            State = "swapping"
	Done                State = "done"
	Aborted             State = "aborted"
)

// Job is one blue/green rebuild run
type Job struct {
	ID         uuid.UUID
	Projectors []string

	mu           sync.Mutex
	state        State
	checkpoint   int64
	verification map[string]VerificationResult
	err          error
	startedAt    time.Time
	finishedAt   time.Time
	cancel       context.CancelFunc
}

func newJob(projectors []string, cancel context.CancelFunc) *Job {
	return &Job{
		ID:           uuid.New(),
		Projectors:   projectors,
		state:        Idle,
		verification: make(map[string]VerificationResult),
		startedAt:    time.Now().UTC(),
		cancel:       cancel,
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = s
	if s == Done || s == Aborted {
		j.finishedAt = time.Now().UTC()
	}
}

func (j *Job) setCheckpoint(offset int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.checkpoint = offset
}

func (j *Job) setVerification(projector string, res VerificationResult) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.verification[projector] = res
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.err = err
}

// Status is a point-in-time snapshot of a job, safe to hand out
type Status struct {
	ID           uuid.UUID
	Projectors   []string
	State        State
	Checkpoint   int64
	Error        string
	Verification map[string]VerificationResult
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Status returns a snapshot of the job
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	verification := make(map[string]VerificationResult, len(j.verification))
	for k, v := range j.verification {
		verification[k] = v
	}
	s := Status{
		ID:           j.ID,
		Projectors:   append([]string(nil), j.Projectors...),
		State:        j.state,
		Checkpoint:   j.checkpoint,
		Verification: verification,
		StartedAt:    j.startedAt,
		FinishedAt:   j.finishedAt,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}
