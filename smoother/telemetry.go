package smoother

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/trajopt/rampoptimizer"
	"go.viam.com/trajopt/trajectory"
)

// Telemetry accumulates per-iteration status counters and call timing statistics, and writes
// debug artifacts when a dump directory is configured. It is owned by a single planning call and
// never shared across goroutines.
type Telemetry struct {
	logger  golog.Logger
	clock   clock.Clock
	dumpDir string
	runID   string

	statusCounts map[ShortcutStatus]int

	interpCalls   int
	interpTotal   time.Duration
	manipCalls    int
	manipTotal    time.Duration
	segCheckCalls int
	segCheckTotal time.Duration

	iterDurations []float64

	dumpErr error
}

// NewTelemetry creates a telemetry sink. An empty dumpDir disables artifact dumping. A nil clk
// uses the wall clock.
func NewTelemetry(logger golog.Logger, clk clock.Clock, dumpDir string) *Telemetry {
	if clk == nil {
		clk = clock.New()
	}
	return &Telemetry{
		logger:       logger,
		clock:        clk,
		dumpDir:      dumpDir,
		runID:        uuid.New().String()[:8],
		statusCounts: map[ShortcutStatus]int{},
	}
}

func (t *Telemetry) recordStatus(code ShortcutStatus) {
	if t == nil {
		return
	}
	t.statusCounts[code]++
}

// StatusCount returns how many iterations ended with the given status.
func (t *Telemetry) StatusCount(code ShortcutStatus) int {
	if t == nil {
		return 0
	}
	return t.statusCounts[code]
}

func (t *Telemetry) timeInterpolator() func() {
	if t == nil {
		return func() {}
	}
	start := t.clock.Now()
	return func() {
		t.interpCalls++
		t.interpTotal += t.clock.Since(start)
	}
}

func (t *Telemetry) timeManipCheck() func() {
	if t == nil {
		return func() {}
	}
	start := t.clock.Now()
	return func() {
		t.manipCalls++
		t.manipTotal += t.clock.Since(start)
	}
}

func (t *Telemetry) timeSegmentCheck() func() {
	if t == nil {
		return func() {}
	}
	start := t.clock.Now()
	return func() {
		t.segCheckCalls++
		t.segCheckTotal += t.clock.Since(start)
	}
}

func (t *Telemetry) timeIteration() func() {
	if t == nil {
		return func() {}
	}
	start := t.clock.Now()
	return func() {
		t.iterDurations = append(t.iterDurations, t.clock.Since(start).Seconds())
	}
}

// Summary logs aggregate counters and timing statistics for the finished plan.
func (t *Telemetry) Summary() {
	if t == nil {
		return
	}
	t.logger.Debugf(
		"measured %d interpolations (total %.6fs), %d manip checks (total %.6fs), %d segment checks (total %.6fs)",
		t.interpCalls, t.interpTotal.Seconds(), t.manipCalls, t.manipTotal.Seconds(),
		t.segCheckCalls, t.segCheckTotal.Seconds(),
	)
	if len(t.iterDurations) > 0 {
		mean, err1 := stats.Mean(t.iterDurations)
		median, err2 := stats.Median(t.iterDurations)
		if err1 == nil && err2 == nil {
			t.logger.Debugf("iteration durations: n=%d mean=%.9fs median=%.9fs", len(t.iterDurations), mean, median)
		}
	}
	for code, n := range t.statusCounts {
		if n > 0 {
			t.logger.Debugf("shortcut status %d: %d", code, n)
		}
	}
}

// DumpErr returns the accumulated dump errors, if any.
func (t *Telemetry) DumpErr() error {
	if t == nil {
		return nil
	}
	return t.dumpErr
}

func (t *Telemetry) dumpEnabled() bool {
	return t != nil && t.dumpDir != ""
}

// DumpPath writes the path to the dump directory under the given tag (e.g. "beforeshortcut").
func (t *Telemetry) DumpPath(path *rampoptimizer.Path, tag string) {
	if !t.dumpEnabled() {
		return
	}
	filename := filepath.Join(t.dumpDir, fmt.Sprintf("parabolicpath_%s.%s.txt", t.runID, tag))
	//nolint:gosec
	f, err := os.Create(filename)
	if err != nil {
		t.dumpErr = multierr.Append(t.dumpErr, errors.Wrap(err, "cannot create path dump"))
		return
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	if err := path.Serialize(f); err != nil {
		t.dumpErr = multierr.Append(t.dumpErr, err)
		return
	}
	t.logger.Debugf("parabolic path saved to %s (duration=%.15e, num=%d)", filename, path.Duration(), len(path.Segments()))
}

// DumpParams writes the planning parameters.
func (t *Telemetry) DumpParams(opts *Options) {
	if !t.dumpEnabled() {
		return
	}
	filename := filepath.Join(t.dumpDir, fmt.Sprintf("parameters_%s.txt", t.runID))
	//nolint:gosec
	f, err := os.Create(filename)
	if err != nil {
		t.dumpErr = multierr.Append(t.dumpErr, errors.Wrap(err, "cannot create parameter dump"))
		return
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	_, err = fmt.Fprintf(
		f,
		"dof=%d\nxlower=%v\nxupper=%v\nvmax=%v\namax=%v\nsteplength=%.15e\npointtolerance=%.15e\nmaxiterations=%d\nmanipname=%q\nmaxmanipspeed=%.15e\nmaxmanipaccel=%.15e\ncosmanipanglethresh=%.15e\nseed=%d\n",
		opts.DOF(), opts.XLower, opts.XUpper, opts.VelocityLimits, opts.AccelerationLimits,
		opts.StepLength, opts.PointTolerance, opts.MaxIterations, opts.ManipName,
		opts.MaxManipSpeed, opts.MaxManipAccel, opts.CosManipAngleThresh, opts.RandomSeed,
	)
	if err != nil {
		t.dumpErr = multierr.Append(t.dumpErr, err)
		return
	}
	t.logger.Debugf("planner parameters saved to %s", filename)
}

// DumpTrajectory writes a trajectory under the given tag.
func (t *Telemetry) DumpTrajectory(traj *trajectory.Trajectory, tag string) {
	if !t.dumpEnabled() {
		return
	}
	filename := filepath.Join(t.dumpDir, fmt.Sprintf("trajectory_%s.%s.json", t.runID, tag))
	data, err := traj.MarshalJSON()
	if err != nil {
		t.dumpErr = multierr.Append(t.dumpErr, err)
		return
	}
	if err := os.WriteFile(filename, data, 0o600); err != nil {
		t.dumpErr = multierr.Append(t.dumpErr, errors.Wrap(err, "cannot write trajectory dump"))
		return
	}
	t.logger.Debugf("trajectory saved to %s", filename)
}
