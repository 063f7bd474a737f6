// Package segmentation isolates the lungs and the connected airway in a byte
// CT/MRI volume.
//
// The work is split into a fixed sequence of stages run one per call to
// Pipeline.Step, so a host event loop can interleave other work between
// full-volume passes:
//
//	seed_central -> primary_fill -> scale_or_mask -> binarize ->
//	morphology -> seed_airway -> secondary_fill -> done
//
// Any stage may instead move the pipeline to failed. Both done and failed are
// terminal; a failed pipeline is discarded and a new one created.
package segmentation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"lungseg/internal/models"
	"lungseg/pkg/floodfill"
	"lungseg/pkg/metrics"
	"lungseg/pkg/seed"
	"lungseg/pkg/visualization"
)

// Tuned values that make the output reproducible
const (
	// DefaultLungThreshold is the lowest intensity joining the primary fill
	DefaultLungThreshold = 40

	// DefaultAirwayFillMargin is added to the darkest lumen intensity to get
	// the brightest intensity joining the airway fill
	DefaultAirwayFillMargin = 20

	// MaxIntensity is the brightest value a working buffer may hold before
	// filling; 255 is reserved for floodfill.Marker
	MaxIntensity = 254

	// ShadingOffset lifts source intensities in the morphological shell
	ShadingOffset = 128

	// AirwaySeedSlice is the shallow slice the airway seed is moved to so it
	// sits inside the air column
	AirwaySeedSlice = 2
)

// ProgressCallback is called after every completed stage with the number of
// completed stages and the total number of stages
type ProgressCallback func(stage Stage, completed, total int)

// Params holds the tunable parts of a segmentation run
type Params struct {
	// LungThreshold is the lowest intensity joining the primary fill (1-254)
	LungThreshold byte

	// PreserveVessels keeps bright voxels that are not connected to the
	// primary fill by rescaling unfilled voxels instead of clearing them
	PreserveVessels bool

	// StackRatio sizes the fill stack as a fraction of the voxel count
	StackRatio float64

	// AirwayFillMargin is added to the darkest lumen intensity found while
	// seeding to get the airway fill level
	AirwayFillMargin byte

	// IntermediaryDir, when set, receives one slice image per completed stage
	IntermediaryDir string

	// SnapshotFormat is the image format of intermediary snapshots
	SnapshotFormat visualization.Format

	// Logger receives one entry per stage; nil discards output
	Logger logrus.FieldLogger

	// Progress is optional
	Progress ProgressCallback
}

// DefaultParams returns the parameters the pipeline was tuned with
func DefaultParams() *Params {
	return &Params{
		LungThreshold:    DefaultLungThreshold,
		PreserveVessels:  true,
		StackRatio:       floodfill.DefaultStackRatio,
		AirwayFillMargin: DefaultAirwayFillMargin,
		SnapshotFormat:   visualization.FormatTIFF,
	}
}

// Pipeline segments one volume in place. It owns its mask buffers and fill
// stack; the voxel buffer belongs to the host and is overwritten with the
// composed result when the pipeline reaches StageDone. A Pipeline runs at
// most once and is not safe for concurrent use.
type Pipeline struct {
	vol    *models.Volume
	params Params
	log    logrus.FieldLogger
	filler *floodfill.Filler

	// mask is the lung working mask, reused for the airway fill from
	// StageSeedAirway on
	mask    []byte
	dilated []byte
	eroded  []byte

	stage Stage
	err   error

	seed         models.Coord
	airway       seed.AirwaySeed
	airwayStart  models.Coord
	airwayLevel  byte
	box          models.BoundingBox
	primaryCount int
	airwayCount  int
	summary      metrics.Summary
}

// New prepares a pipeline for vol. Buffers are allocated here so that no
// later step allocates volume-sized memory.
func New(vol *models.Volume, params *Params) (*Pipeline, error) {
	if vol == nil {
		return nil, fmt.Errorf("nil volume")
	}
	if !vol.Dims.Valid() || len(vol.Data) != vol.Dims.Total() {
		return nil, fmt.Errorf("%w: have %d bytes for %s", models.ErrBufferSize, len(vol.Data), vol.Dims)
	}
	if params == nil {
		params = DefaultParams()
	}
	p := *params
	if p.LungThreshold < 1 || p.LungThreshold > MaxIntensity {
		return nil, fmt.Errorf("lung threshold must be between 1 and %d, got %d", MaxIntensity, p.LungThreshold)
	}
	if p.StackRatio <= 0 {
		p.StackRatio = floodfill.DefaultStackRatio
	}
	if p.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		p.Logger = l
	}

	total := vol.Dims.Total()
	stackCap := int(float64(total) * p.StackRatio)
	return &Pipeline{
		vol:     vol,
		params:  p,
		log:     p.Logger.WithField("dims", vol.Dims.String()),
		filler:  floodfill.NewFillerWithCapacity(vol.Dims, stackCap),
		mask:    make([]byte, total),
		dilated: make([]byte, total),
		eroded:  make([]byte, total),
		stage:   StageSeedCentral,
		box:     models.FullBox(vol.Dims),
	}, nil
}

// Stage returns the stage the next Step will run, or the terminal stage
func (p *Pipeline) Stage() Stage {
	return p.stage
}

// Err returns the failure that moved the pipeline to StageFailed
func (p *Pipeline) Err() error {
	return p.err
}

// Done reports whether the pipeline has reached a terminal stage
func (p *Pipeline) Done() bool {
	return p.stage.Terminal()
}

// FilledVoxels returns the number of voxels marked by both fills so far
func (p *Pipeline) FilledVoxels() int {
	return p.primaryCount + p.airwayCount
}

// PrimaryFilled returns the number of voxels reached by the lung fill
func (p *Pipeline) PrimaryFilled() int {
	return p.primaryCount
}

// AirwayFilled returns the number of voxels reached by the airway fill
func (p *Pipeline) AirwayFilled() int {
	return p.airwayCount
}

// Seed returns the central seed found by StageSeedCentral
func (p *Pipeline) Seed() models.Coord {
	return p.seed
}

// AirwaySeed returns the lumen seed found by StageSeedAirway
func (p *Pipeline) AirwaySeed() seed.AirwaySeed {
	return p.airway
}

// AirwayStart returns the voxel the airway fill actually started from
func (p *Pipeline) AirwayStart() models.Coord {
	return p.airwayStart
}

// BoundingBox returns the xy extent of the binarized lung mask.
// Before StageBinarize completes it covers the whole volume.
func (p *Pipeline) BoundingBox() models.BoundingBox {
	return p.box
}

// Summary returns region statistics; it is zero until StageDone
func (p *Pipeline) Summary() metrics.Summary {
	return p.summary
}

// Step runs the current stage and advances to the next one. On failure the
// pipeline moves to StageFailed and the returned error is a *StageError.
// Calling Step on a terminal pipeline does nothing and returns the same
// stage and error again.
func (p *Pipeline) Step() (Stage, error) {
	if p.stage.Terminal() {
		return p.stage, p.err
	}

	current := p.stage
	start := time.Now()

	var err error
	switch current {
	case StageSeedCentral:
		err = p.seedCentral()
	case StagePrimaryFill:
		err = p.primaryFill()
	case StageScaleOrMask:
		p.scaleOrMask()
	case StageBinarize:
		p.binarize()
	case StageMorphology:
		p.morphology()
	case StageSeedAirway:
		err = p.seedAirway()
	case StageSecondaryFill:
		err = p.secondaryFill()
	}

	entry := p.log.WithFields(logrus.Fields{
		"stage":   current.String(),
		"elapsed": time.Since(start),
	})
	if err != nil {
		p.stage = StageFailed
		p.err = &StageError{Stage: current, Err: err}
		entry.WithError(err).Error("Segmentation stage failed")
		return p.stage, p.err
	}

	p.stage = current + 1
	entry.WithField("filled", p.FilledVoxels()).Debug("Segmentation stage complete")

	if p.params.IntermediaryDir != "" {
		if err := p.saveSnapshot(current); err != nil {
			entry.WithError(err).Warn("Failed to save intermediary result")
		}
	}
	if p.params.Progress != nil {
		p.params.Progress(current, int(current)+1, workStages)
	}

	return p.stage, nil
}

// Run steps the pipeline until it reaches a terminal stage. The context is
// checked between steps only; a cancelled run leaves the pipeline at the
// stage it had reached.
func (p *Pipeline) Run(ctx context.Context) error {
	for !p.stage.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.Step(); err != nil {
			return err
		}
	}
	return p.err
}

func (p *Pipeline) seedCentral() error {
	c, err := seed.FindCentralSeed(p.vol)
	if err != nil {
		return err
	}
	p.seed = c

	for i, v := range p.vol.Data {
		if v > MaxIntensity {
			v = MaxIntensity
		}
		p.mask[i] = v
	}
	p.log.WithField("seed", c.String()).Info("Central seed found")
	return nil
}

func (p *Pipeline) primaryFill() error {
	n, err := p.filler.Fill(p.mask, p.seed, floodfill.AtLeast(p.params.LungThreshold))
	p.primaryCount = n
	if err != nil {
		return fmt.Errorf("%w: primary fill from %s: %w", ErrFillAborted, p.seed, err)
	}
	if n == 0 {
		p.log.WithField("seed", p.seed.String()).Warn("Primary fill reached no voxels")
	}
	return nil
}

// scaleOrMask either stretches unfilled voxels so that everything at or above
// the threshold saturates at 255, or clears them
func (p *Pipeline) scaleOrMask() {
	t := int(p.params.LungThreshold)
	for i, v := range p.mask {
		if v == floodfill.Marker {
			continue
		}
		if !p.params.PreserveVessels {
			p.mask[i] = 0
			continue
		}
		scaled := int(v) * 255 / t
		if scaled > 255 {
			scaled = 255
		}
		p.mask[i] = byte(scaled)
	}
}

func (p *Pipeline) binarize() {
	for i, v := range p.mask {
		if v == floodfill.Marker {
			p.mask[i] = 255
		} else {
			p.mask[i] = 0
		}
	}
	p.box = boundingBox(p.mask, p.vol.Dims)
	p.log.WithFields(logrus.Fields{
		"x": fmt.Sprintf("%d-%d", p.box.XMin, p.box.XMax),
		"y": fmt.Sprintf("%d-%d", p.box.YMin, p.box.YMax),
	}).Debug("Lung mask bounding box")
}

func (p *Pipeline) morphology() {
	if p.box.Empty() {
		return
	}
	// Dilation reaches one voxel past the mask.
	box := p.box.Expand(1, p.vol.Dims)
	dilate(p.mask, p.dilated, p.vol.Dims, box)
	erode(p.mask, p.dilated, p.eroded, p.vol.Dims, box)
}

func (p *Pipeline) seedAirway() error {
	// The airway is dark, so the intermediate buffer holds inverted
	// intensities and the >= fill selects lumen air.
	for i, v := range p.vol.Data {
		if v > MaxIntensity {
			v = MaxIntensity
		}
		p.mask[i] = MaxIntensity - v
	}

	a, err := seed.FindAirwaySeed(p.vol)
	if err != nil {
		return err
	}
	p.airway = a

	level := int(a.MinIntensity) + int(p.params.AirwayFillMargin)
	if level > seed.AirwayDarkThreshold {
		level = seed.AirwayDarkThreshold
	}
	p.airwayLevel = byte(level)

	z := AirwaySeedSlice
	if z > p.vol.Dims.Z-1 {
		z = p.vol.Dims.Z - 1
	}
	start := models.Coord{X: a.Coord.X, Y: a.Coord.Y, Z: z}
	if p.vol.At(start.X, start.Y, start.Z) > p.airwayLevel {
		// The shallow slice is not air here; keep the refined seed.
		start = a.Coord
	}
	p.airwayStart = start

	p.log.WithFields(logrus.Fields{
		"seed":  start.String(),
		"min":   a.MinIntensity,
		"mean":  a.MeanIntensity,
		"level": level,
	}).Info("Airway seed found")
	return nil
}

func (p *Pipeline) secondaryFill() error {
	n, err := p.filler.Fill(p.mask, p.airwayStart, floodfill.AtLeast(MaxIntensity-p.airwayLevel))
	p.airwayCount = n
	if err != nil {
		return fmt.Errorf("%w: airway fill from %s: %w", ErrFillAborted, p.airwayStart, err)
	}

	mean, stddev, lung, err := metrics.MaskedIntensity(p.vol.Data, p.eroded)
	if err != nil {
		return err
	}

	shell := p.compose()
	p.summary = metrics.Summary{
		LungVoxels:      lung,
		ShellVoxels:     shell,
		AirwayVoxels:    n,
		MeanIntensity:   mean,
		StdDevIntensity: stddev,
	}
	p.log.WithFields(logrus.Fields{
		"lung":   lung,
		"shell":  shell,
		"airway": n,
	}).Info("Segmentation composed")
	return nil
}

// compose overwrites the host buffer with the final segmentation and returns
// the number of shell voxels:
//   - eroded/2 by default, soft shading of the closed lung mask
//   - source + ShadingOffset in the shell (dilated but not eroded); eroded
//     contains the whole binarized mask, so shell voxels are never filled lung
//   - 255 where the airway fill reached
func (p *Pipeline) compose() int {
	shell := 0
	for i, src := range p.vol.Data {
		out := p.eroded[i] / 2
		if p.dilated[i] != 0 && p.eroded[i] == 0 {
			shaded := int(src) + ShadingOffset
			if shaded > 255 {
				shaded = 255
			}
			out = byte(shaded)
			shell++
		}
		if p.mask[i] == floodfill.Marker {
			out = 255
		}
		p.vol.Data[i] = out
	}
	return shell
}

// saveSnapshot writes one axial slice of the buffer the stage produced
func (p *Pipeline) saveSnapshot(stage Stage) error {
	buf := p.mask
	z := p.vol.Dims.Z / 2
	switch stage {
	case StageMorphology:
		buf = p.eroded
	case StageSeedAirway:
		z = p.airwayStart.Z
	case StageSecondaryFill:
		buf = p.vol.Data
		z = p.airwayStart.Z
	}

	dir := filepath.Join(p.params.IntermediaryDir, fmt.Sprintf("%02d_%s", int(stage)+1, stage))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create intermediary directory: %w", err)
	}
	format := p.params.SnapshotFormat
	filename := filepath.Join(dir, fmt.Sprintf("slice_z_%03d.%s", z, format.Ext()))
	return visualization.SaveAxialSlice(buf, p.vol.Dims, z, filename, format)
}
