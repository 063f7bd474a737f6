package segmentation

import (
	"errors"
	"fmt"

	"lungseg/pkg/seed"
)

// Stage is a step of the segmentation state machine.
// Stages only ever advance; Done and Failed are terminal.
type Stage int

const (
	StageSeedCentral Stage = iota
	StagePrimaryFill
	StageScaleOrMask
	StageBinarize
	StageMorphology
	StageSeedAirway
	StageSecondaryFill
	StageDone
	StageFailed
)

// workStages is the number of stages that do work before Done
const workStages = int(StageDone)

var stageNames = [...]string{
	StageSeedCentral:   "seed_central",
	StagePrimaryFill:   "primary_fill",
	StageScaleOrMask:   "scale_or_mask",
	StageBinarize:      "binarize",
	StageMorphology:    "morphology",
	StageSeedAirway:    "seed_airway",
	StageSecondaryFill: "secondary_fill",
	StageDone:          "done",
	StageFailed:        "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// Terminal reports whether no further steps will run
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

var (
	// ErrSeedNotFound is returned when a seed scan finds no qualifying voxel
	ErrSeedNotFound = seed.ErrNotFound

	// ErrFillAborted is returned when a fill outgrows its stack. The fill's
	// buffer keeps the voxels marked before the overflow.
	ErrFillAborted = errors.New("fill aborted")
)

// StageError records the stage a pipeline failed in
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("segmentation failed in %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
