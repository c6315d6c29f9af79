package transfer

import (
	"fmt"
)

// State is a step of the transfer state machine.
type State int

const (
	StateStart State = iota
	StateDownloading
	StateDelivering
	StateRecordingMetrics
	StateSucceeding
	StateQuarantining
	StateDone
	StateFatalDownloadError
	StateFatalDeliveryError
	StateFatalMetricsError
	StateFatalQuarantineError
	StateFatalDeleteError
)

var stateNames = map[State]string{
	StateStart:                "start",
	StateDownloading:          "downloading",
	StateDelivering:           "delivering",
	StateRecordingMetrics:     "recording_metrics",
	StateSucceeding:           "succeeding",
	StateQuarantining:         "quarantining",
	StateDone:                 "done",
	StateFatalDownloadError:   "fatal_download_error",
	StateFatalDeliveryError:   "fatal_delivery_error",
	StateFatalMetricsError:    "fatal_metrics_error",
	StateFatalQuarantineError: "fatal_quarantine_error",
	StateFatalDeleteError:     "fatal_delete_error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == StateDone || s.Fatal()
}

func (s State) Fatal() bool {
	return s >= StateFatalDownloadError && s <= StateFatalDeleteError
}

// FatalError ends a run. Err wraps one of the consts sentinels for the stage
// that failed together with the underlying cause.
type FatalError struct {
	State    State
	Location ObjectLocation
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("transfer %s ended in %s: %v", e.Location, e.State, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
