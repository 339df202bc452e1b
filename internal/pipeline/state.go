package pipeline

import "time"

// State is a phase of a run.
type State int

const (
	StateIdle State = iota
	StateStagingInputs
	StateValidatingSheet
	StateStagingRawData
	StateDemultiplexing
	StateReorganizingOutputs
	StatePublishingResults
	StateDone
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                "idle",
	StateStagingInputs:       "staging_inputs",
	StateValidatingSheet:     "validating_sheet",
	StateStagingRawData:      "staging_raw_data",
	StateDemultiplexing:      "demultiplexing",
	StateReorganizingOutputs: "reorganizing_outputs",
	StatePublishingResults:   "publishing_results",
	StateDone:                "done",
	StateFailed:              "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition can follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition records one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}
