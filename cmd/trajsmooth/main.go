// Package main provides the trajsmooth CLI, which time-parameterizes and shortcuts a trajectory
// JSON file in an obstacle-free environment.
package main

import (
	"context"
	"math"
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"go.viam.com/trajopt/smoother"
	"go.viam.com/trajopt/trajectory"
)

func main() {
	app := &cli.App{
		Name:  "trajsmooth",
		Usage: "smooth a trajectory file into a time-optimal-ish parabolic trajectory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Usage: "input trajectory JSON", Required: true},
			&cli.StringFlag{Name: "out", Usage: "output trajectory JSON (default stdout)"},
			&cli.Float64SliceFlag{Name: "vmax", Usage: "per-DOF velocity limits", Required: true},
			&cli.Float64SliceFlag{Name: "amax", Usage: "per-DOF acceleration limits", Required: true},
			&cli.Float64SliceFlag{Name: "xmin", Usage: "per-DOF lower position limits"},
			&cli.Float64SliceFlag{Name: "xmax", Usage: "per-DOF upper position limits"},
			&cli.Float64Flag{Name: "step-length", Value: 0.001, Usage: "time discretization step"},
			&cli.Float64Flag{Name: "point-tolerance", Value: 0.01, Usage: "constraint check tolerance"},
			&cli.IntFlag{Name: "iters", Value: 100, Usage: "shortcut iterations"},
			&cli.Int64Flag{Name: "seed", Value: 0, Usage: "random seed"},
			&cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
			&cli.StringFlag{Name: "dump-dir", Usage: "directory for debug artifacts"},
		},
		Action: smoothAction,
	}
	if err := app.Run(os.Args); err != nil {
		golog.Global().Fatal(err)
	}
}

func smoothAction(c *cli.Context) error {
	logger := golog.NewLogger("trajsmooth")
	if c.Bool("debug") {
		logger = golog.NewDebugLogger("trajsmooth")
	}

	data, err := os.ReadFile(c.String("in"))
	if err != nil {
		return errors.Wrap(err, "cannot read input trajectory")
	}
	traj, err := trajectory.FromJSON(data)
	if err != nil {
		return err
	}
	dof := traj.DOF()

	vmax := c.Float64Slice("vmax")
	amax := c.Float64Slice("amax")
	xmin := c.Float64Slice("xmin")
	xmax := c.Float64Slice("xmax")
	if len(vmax) != dof || len(amax) != dof {
		return errors.Errorf("trajectory has %d DOFs but got %d vmax and %d amax values", dof, len(vmax), len(amax))
	}
	if len(xmin) == 0 {
		xmin = fill(dof, math.Inf(-1))
	}
	if len(xmax) == 0 {
		xmax = fill(dof, math.Inf(1))
	}

	opts := smoother.NewBasicOptions()
	opts.XLower = xmin
	opts.XUpper = xmax
	opts.VelocityLimits = vmax
	opts.AccelerationLimits = amax
	opts.StepLength = c.Float64("step-length")
	opts.PointTolerance = c.Float64("point-tolerance")
	opts.MaxIterations = c.Int("iters")
	opts.RandomSeed = c.Int64("seed")
	opts.Checker = &smoother.FreeSpaceChecker{XLower: xmin, XUpper: xmax, Tolerance: opts.PointTolerance}
	opts.State = smoother.NewMemoryStateSetter(dof)

	tele := smoother.NewTelemetry(logger, nil, c.String("dump-dir"))
	ps, err := smoother.New(opts, logger, tele)
	if err != nil {
		return err
	}

	out, status, err := ps.PlanPath(context.Background(), traj)
	if err != nil {
		return err
	}
	if status != smoother.StatusSucceeded {
		return errors.Errorf("planning ended with status %s", status)
	}
	logger.Infof("smoothed duration: %.6fs (input %.6fs)", out.Duration(), traj.Duration())

	rendered, err := out.MarshalJSON()
	if err != nil {
		return err
	}
	if path := c.String("out"); path != "" {
		return os.WriteFile(path, rendered, 0o600)
	}
	_, err = os.Stdout.Write(append(rendered, '\n'))
	return err
}

func fill(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}
