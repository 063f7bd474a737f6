package segmentation

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"lungseg/internal/models"
	"lungseg/pkg/visualization"
)

// newChest builds a small synthetic chest: a tissue block with two lung
// cavities in the upper slices, an air column (trachea) in the lower slices
// and a vessel inside the left lung that does not touch the tissue.
func newChest(t *testing.T, withTrachea bool) *models.Volume {
	t.Helper()
	vol, err := models.NewVolume(models.Dims{X: 64, Y: 64, Z: 24})
	if err != nil {
		t.Fatalf("Failed to create volume: %v", err)
	}
	box := func(x0, x1, y0, y1, z0, z1 int, v byte) {
		for z := z0; z < z1; z++ {
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					vol.Set(x, y, z, v)
				}
			}
		}
	}

	box(8, 56, 12, 52, 0, 24, 120)
	box(14, 28, 18, 46, 12, 24, 30)
	box(36, 50, 18, 46, 12, 24, 30)
	if withTrachea {
		box(29, 35, 29, 35, 0, 16, 0)
	}
	box(20, 21, 30, 31, 14, 22, 120)
	return vol
}

func runToEnd(t *testing.T, p *Pipeline) {
	t.Helper()
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if p.Stage() != StageDone {
		t.Fatalf("stage = %s, want done", p.Stage())
	}
}

func TestPipelineChest(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end segmentation in short mode")
	}

	vol := newChest(t, true)
	p, err := New(vol, DefaultParams())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runToEnd(t, p)

	if got, want := p.Seed(), (models.Coord{X: 28, Y: 20, Z: 12}); got != want {
		t.Errorf("central seed = %v, want %v", got, want)
	}
	if got := p.PrimaryFilled(); got != 36096 {
		t.Errorf("primary fill = %d, want 36096", got)
	}
	if got := p.AirwayFilled(); got != 576 {
		t.Errorf("airway fill = %d, want 576", got)
	}
	if got := p.FilledVoxels(); got != 36096+576 {
		t.Errorf("filled voxels = %d, want %d", got, 36096+576)
	}

	wantBox := models.BoundingBox{XMin: 8, XMax: 55, YMin: 12, YMax: 51}
	if got := p.BoundingBox(); got != wantBox {
		t.Errorf("bounding box = %+v, want %+v", got, wantBox)
	}

	as := p.AirwaySeed()
	if got, want := as.Coord, (models.Coord{X: 29, Y: 29, Z: 11}); got != want {
		t.Errorf("airway seed = %v, want %v", got, want)
	}
	if as.MinIntensity != 0 {
		t.Errorf("airway min intensity = %d, want 0", as.MinIntensity)
	}
	if got, want := p.AirwayStart(), (models.Coord{X: 29, Y: 29, Z: AirwaySeedSlice}); got != want {
		t.Errorf("airway start = %v, want %v", got, want)
	}

	samples := []struct {
		name    string
		x, y, z int
		want    byte
	}{
		{"vessel", 20, 30, 18, 127},
		{"shell", 27, 30, 18, 158},
		{"lung interior", 20, 25, 18, 0},
		{"tissue", 40, 14, 5, 127},
		{"trachea", 31, 31, 5, 255},
		{"outer ring", 7, 30, 5, 128},
		{"background", 0, 0, 0, 0},
	}
	for _, s := range samples {
		if got := vol.At(s.x, s.y, s.z); got != s.want {
			t.Errorf("%s (%d,%d,%d) = %d, want %d", s.name, s.x, s.y, s.z, got, s.want)
		}
	}

	marked := 0
	for _, v := range vol.Data {
		if v == 255 {
			marked++
		}
	}
	if marked != 576 {
		t.Errorf("voxels at 255 = %d, want only the 576 airway voxels", marked)
	}

	sum := p.Summary()
	if sum.LungVoxels != 36096+8 {
		t.Errorf("summary lung voxels = %d, want tissue plus vessel %d", sum.LungVoxels, 36096+8)
	}
	if sum.AirwayVoxels != 576 {
		t.Errorf("summary airway voxels = %d, want 576", sum.AirwayVoxels)
	}
	if sum.ShellVoxels <= 0 {
		t.Errorf("summary shell voxels = %d, want a non-empty shell", sum.ShellVoxels)
	}
	if math.Abs(sum.MeanIntensity-120) > 1e-9 || sum.StdDevIntensity > 1e-9 {
		t.Errorf("summary intensity = %g +/- %g, want 120 +/- 0", sum.MeanIntensity, sum.StdDevIntensity)
	}
}

func TestPipelineChestWithoutVessels(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end segmentation in short mode")
	}

	vol := newChest(t, true)
	params := DefaultParams()
	params.PreserveVessels = false

	p, err := New(vol, params)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runToEnd(t, p)

	if got := vol.At(20, 30, 18); got != 0 {
		t.Errorf("disconnected vessel = %d, want 0", got)
	}
	if got := vol.At(27, 30, 18); got != 158 {
		t.Errorf("shell voxel = %d, want 158", got)
	}

	halves := 0
	for _, v := range vol.Data {
		if v == 127 {
			halves++
		}
	}
	if halves != 36096 {
		t.Errorf("voxels at 127 = %d, want the 36096 filled tissue voxels", halves)
	}
	if got := p.Summary().LungVoxels; got != 36096 {
		t.Errorf("summary lung voxels = %d, want 36096", got)
	}
}

func TestPipelineStepsAdvanceMonotonically(t *testing.T) {
	p, err := New(newChest(t, true), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var calls []int
	p.params.Progress = func(stage Stage, completed, total int) {
		if total != workStages {
			t.Errorf("progress total = %d, want %d", total, workStages)
		}
		if completed != int(stage)+1 {
			t.Errorf("progress for %s reported %d completed", stage, completed)
		}
		calls = append(calls, completed)
	}

	prev := p.Stage()
	for !p.Done() {
		next, err := p.Step()
		if err != nil {
			t.Fatalf("Step from %s failed: %v", prev, err)
		}
		if next != prev+1 {
			t.Fatalf("Step moved from %s to %s", prev, next)
		}
		prev = next
	}

	if len(calls) != workStages {
		t.Fatalf("progress called %d times, want %d", len(calls), workStages)
	}
	for i, c := range calls {
		if c != i+1 {
			t.Errorf("progress call %d reported %d", i, c)
		}
	}

	before := append([]byte(nil), p.vol.Data...)
	stage, err := p.Step()
	if stage != StageDone || err != nil {
		t.Errorf("Step after done = (%s, %v), want (done, nil)", stage, err)
	}
	for i := range before {
		if before[i] != p.vol.Data[i] {
			t.Fatal("Step after done modified the volume")
		}
	}
}

func TestPipelineCentralSeedNotFound(t *testing.T) {
	vol, err := models.NewVolume(models.Dims{X: 32, Y: 32, Z: 4})
	if err != nil {
		t.Fatalf("Failed to create volume: %v", err)
	}
	p, err := New(vol, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	stage, err := p.Step()
	if stage != StageFailed {
		t.Fatalf("stage = %s, want failed", stage)
	}
	if !errors.Is(err, ErrSeedNotFound) {
		t.Errorf("error = %v, want ErrSeedNotFound", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageSeedCentral {
		t.Errorf("error %v does not name the seed_central stage", err)
	}

	// Failed is terminal and keeps its error.
	stage, again := p.Step()
	if stage != StageFailed || again != err {
		t.Errorf("Step after failure = (%s, %v), want (failed, %v)", stage, again, err)
	}
	if p.Err() != err {
		t.Errorf("Err() = %v, want %v", p.Err(), err)
	}
}

func TestPipelineAirwayNotFound(t *testing.T) {
	p, err := New(newChest(t, false), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = p.Run(context.Background())
	if !errors.Is(err, ErrSeedNotFound) {
		t.Fatalf("Run error = %v, want ErrSeedNotFound", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageSeedAirway {
		t.Errorf("error %v does not name the seed_airway stage", err)
	}
	if p.PrimaryFilled() != 36096+576 {
		t.Errorf("primary fill = %d, want the whole tissue block %d", p.PrimaryFilled(), 36096+576)
	}
}

func TestPipelineFillAborted(t *testing.T) {
	params := DefaultParams()
	params.StackRatio = 1e-9

	p, err := New(newChest(t, true), params)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = p.Run(context.Background())
	if !errors.Is(err, ErrFillAborted) {
		t.Fatalf("Run error = %v, want ErrFillAborted", err)
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StagePrimaryFill {
		t.Errorf("error %v does not name the primary_fill stage", err)
	}
	if p.Stage() != StageFailed {
		t.Errorf("stage = %s, want failed", p.Stage())
	}
	if p.PrimaryFilled() <= 0 || p.PrimaryFilled() >= 36096 {
		t.Errorf("partial fill count = %d, want between 0 and 36096", p.PrimaryFilled())
	}
}

func TestPipelineRunCancelled(t *testing.T) {
	p, err := New(newChest(t, true), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
	if p.Stage() != StageSeedCentral {
		t.Errorf("stage = %s, want the pipeline untouched", p.Stage())
	}
}

func TestPipelineSnapshots(t *testing.T) {
	dir := t.TempDir()
	params := DefaultParams()
	params.IntermediaryDir = dir
	params.SnapshotFormat = visualization.FormatBMP

	p, err := New(newChest(t, true), params)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	runToEnd(t, p)

	expected := []string{
		"01_seed_central/slice_z_012.bmp",
		"02_primary_fill/slice_z_012.bmp",
		"03_scale_or_mask/slice_z_012.bmp",
		"04_binarize/slice_z_012.bmp",
		"05_morphology/slice_z_012.bmp",
		"06_seed_airway/slice_z_002.bmp",
		"07_secondary_fill/slice_z_002.bmp",
	}
	for _, name := range expected {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err != nil {
			t.Errorf("snapshot %s missing: %v", name, err)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	good := newChest(t, true)

	tests := []struct {
		name   string
		vol    *models.Volume
		params *Params
	}{
		{"nil volume", nil, nil},
		{"short buffer", &models.Volume{Data: make([]byte, 5), Dims: models.Dims{X: 2, Y: 2, Z: 2}}, nil},
		{"zero dims", &models.Volume{Dims: models.Dims{}}, nil},
		{"zero threshold", good, &Params{LungThreshold: 0}},
		{"marker threshold", good, &Params{LungThreshold: 255}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.vol, tc.params); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStageNames(t *testing.T) {
	if StageSecondaryFill.String() != "secondary_fill" || StageFailed.String() != "failed" {
		t.Errorf("unexpected stage names %q %q", StageSecondaryFill, StageFailed)
	}
	if Stage(42).String() != "stage(42)" {
		t.Errorf("out of range stage = %q", Stage(42))
	}
	if StageMorphology.Terminal() || !StageDone.Terminal() || !StageFailed.Terminal() {
		t.Error("Terminal reports the wrong stages")
	}
}
