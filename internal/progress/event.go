package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart    Stage = "JOB_START"
	StagePhase       Stage = "JOB_PHASE"
	StageJobProgress Stage = "JOB_PROGRESS"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageJobCanceled Stage = "JOB_CANCELED"
	StageTargetDone  Stage = "TARGET_DONE"
	StageTargetSkip  Stage = "TARGET_SKIPPED"
)

// Event captures a single component of crawl progress.
type Event struct {
	// JobID identifies the crawl job.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or target milestone occurred.
	Stage Stage
	// Keyword is the search term of the job.
	Keyword string
	// Phase names the crawl phase for JOB_PHASE events.
	Phase string
	// Target is the sub-target name for TARGET_* events.
	Target string
	// Percent is the reported completion for JOB_PROGRESS events.
	Percent int
	// Records counts ads extracted by a target, or rows kept for JOB_DONE.
	Records int64
	// Dur captures execution latency for targets and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError, StageJobCanceled:
	case StagePhase:
		if e.Phase == "" {
			return errors.New("phase event requires phase")
		}
	case StageJobProgress:
		if e.Percent < 0 || e.Percent > 100 {
			return fmt.Errorf("percent %d out of range", e.Percent)
		}
	case StageTargetDone, StageTargetSkip:
		if e.Target == "" {
			return errors.New("target event requires target")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Records < 0 {
		return errors.New("records must be >= 0")
	}
	return nil
}

// Nop is an Emitter that drops every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}
