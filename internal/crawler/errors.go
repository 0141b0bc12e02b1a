package crawler

import (
	"errors"
	"fmt"
)

// Sentinel causes wrapped by PhaseError.
var (
	ErrDriverInit   = errors.New("browser session could not start")
	ErrSeedFetch    = errors.New("failed to load initial page")
	ErrNoDimensions = errors.New("empty advertiser list")
)

// ErrorKind classifies how a failure propagates.
type ErrorKind int

const (
	// KindFatalInit aborts the job without telling the originator.
	KindFatalInit ErrorKind = iota + 1
	// KindFatalPhase aborts the job and is reported to the originator.
	KindFatalPhase
)

func (k ErrorKind) String() string {
	switch k {
	case KindFatalInit:
		return "fatal_init"
	case KindFatalPhase:
		return "fatal_phase"
	default:
		return "unknown"
	}
}

// PhaseError is returned by Job.Execute when a phase aborts the crawl.
type PhaseError struct {
	Kind  ErrorKind
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return e.Err.Error()
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func fatalInit(err error) *PhaseError {
	return &PhaseError{Kind: KindFatalInit, Phase: PhaseInit, Err: fmt.Errorf("%w: %w", ErrDriverInit, err)}
}

func fatalPhase(phase Phase, err error) *PhaseError {
	return &PhaseError{Kind: KindFatalPhase, Phase: phase, Err: err}
}

// Silent reports whether err must not be surfaced to the originator.
func Silent(err error) bool {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Kind == KindFatalInit
	}
	return false
}
