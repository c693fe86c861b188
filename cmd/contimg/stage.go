package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dsa110/contimg/internal/calibrator"
	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/pipeline/apply"
	"github.com/dsa110/contimg/internal/pipeline/calibrate"
	"github.com/dsa110/contimg/internal/pipeline/convert"
	"github.com/dsa110/contimg/internal/pipeline/image"
	"github.com/dsa110/contimg/internal/queue"
	"github.com/dsa110/contimg/internal/retention"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/timeutil"
	"github.com/dsa110/contimg/internal/workerpool"
)

// stagePlan describes one pipeline stage's acquisition point and
// concurrency cap, shared by runStage for every stage command.
type stagePlan struct {
	name        string
	fromState   store.GroupState
	concurrency int
}

// Background maintenance cadences for the tasks every stage process
// hosts alongside its worker pool. Sweeps are idempotent, so several
// concurrently running stage processes hosting them is harmless.
const (
	watchdogInterval       = time.Minute
	retentionSweepInterval = time.Hour
)

// runStage drives one stage's workerpool.Pool to completion: under
// --dry-run it only lists eligible groups (never acquiring one, so
// nothing is mutated); otherwise it polls, processes, and classifies
// failures through queue.Decide via workerpool.StageHandler, stopping
// after maxGroups successful+failed dispatches or an interrupt signal
// (spec §5's shutdown-drain policy, §6.8's --dry-run/--max-groups
// contract).
func runStage(cCtx *cli.Context, cfg *config.Config, st *store.Store, plan stagePlan, handler workerpool.Handler) error {
	maxGroups := cCtx.Int("max-groups")

	if cCtx.Bool("dry-run") {
		return printEligibleGroups(cCtx.Context, st, plan.fromState, maxGroups)
	}

	alerters := buildAlertChannels(cfg)
	var alerter external.AlertChannel
	if len(alerters) > 0 {
		alerter = alerters[0]
	}
	wrapped := workerpool.StageHandler(st, cfg.RetryPolicy, alerter, handler)

	var processed int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCtx, stopSig := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSig()

	bounded := func(ctx context.Context, g *store.Group) error {
		err := wrapped(ctx, g)
		if maxGroups > 0 && atomic.AddInt64(&processed, 1) >= int64(maxGroups) {
			cancel()
		}
		return err
	}

	acquire := func(ctx context.Context, workerID string) (*store.Group, error) {
		return st.AcquireNextGroupInState(ctx, plan.fromState, workerID)
	}

	pool := workerpool.New(workerpool.Config{
		Name:         plan.name,
		Concurrency:  plan.concurrency,
		PollInterval: 2 * time.Second,
		DrainTimeout: cfg.ShutdownDrain(),
	}, timeutil.RealClock{}, acquire, bounded)

	// Every stage process also hosts the stuck-job watchdog and the
	// retention sweeper as background tasks for as long as it runs.
	watchdog := queue.NewWatchdog(st, nil, cfg.StuckJobThreshold(), watchdogInterval)
	go watchdog.Run(sigCtx)
	sweeper := retention.NewSweeper(st, nil, nil, retention.Config{
		MSRetention:    cfg.MSRetention(),
		ImageRetention: cfg.ImageRetention(),
		Interval:       retentionSweepInterval,
	})
	go sweeper.Run(sigCtx)

	pool.Run(sigCtx)

	if sigCtx.Err() != nil && maxGroups <= 0 {
		return &exitError{exitAborted, fmt.Errorf("contimg: %s interrupted after processing %d group(s)", plan.name, processed)}
	}
	obslog.Logf("contimg: %s stopped after processing %d group(s)", plan.name, processed)
	return nil
}

// printEligibleGroups is the --dry-run path: a read-only listing of the
// groups a real invocation would have acquired, truncated to limit (0 =
// unbounded) so a dry run never mutates group state (spec §6.8).
func printEligibleGroups(ctx context.Context, st *store.Store, state store.GroupState, limit int) error {
	groups, err := st.ListGroupsByState(ctx, state)
	if err != nil {
		return exitFor(cerrors.Wrap(cerrors.Unexpected, "list eligible groups", err))
	}
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(groups)
}

func convertCommand() *cli.Command {
	return &cli.Command{
		Name:  "convert",
		Usage: "run the conversion worker over queued groups (spec §4.6)",
		Flags: []cli.Flag{configFlag(), dryRunFlag(), maxGroupsFlag()},
		Action: func(cCtx *cli.Context) error {
			cfg, err := loadConfig(cCtx)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			locks, err := openLocks(cfg)
			if err != nil {
				return err
			}

			worker := convert.NewWorker(st, nil, nil, locks, convert.Config{
				TmpfsRoot:             cfg.TmpfsRoot,
				StagingDir:            cfg.StagingDir,
				TmpfsSafeBudgetBytes:  cfg.TmpfsSafeBudgetBytes,
				MonolithicSizeCeiling: cfg.MonolithicSizeCeiling,
				ParallelWorkers:       cfg.ParallelWorkers,
				GroupToleranceSeconds: cfg.GroupToleranceSec,
			})
			return runStage(cCtx, cfg, st, stagePlan{"convert", store.GroupQueued, cfg.ConvMax}, worker.ProcessGroup)
		},
	}
}

func calibrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "calibrate",
		Usage: "run the calibration solver driver over converted groups (spec §4.7)",
		Flags: []cli.Flag{configFlag(), dryRunFlag(), maxGroupsFlag()},
		Action: func(cCtx *cli.Context) error {
			cfg, err := loadConfig(cCtx)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			tools := buildSubprocessTools(cfg)
			worker := calibrate.NewWorker(st, tools, tools, calibrator.DefaultCatalog(), nil, calibrate.Config{
				RefAntennaChain:              cfg.RefAntennaChain,
				FlaggingMaxFrac:              cfg.FlaggingMaxFrac,
				PhaseCorrectionSolIntSeconds: cfg.PhaseCorrectionSolIntSeconds,
				SolveTimeout:                 cfg.SolveTimeout(),
				ValidityHours:                cfg.ValidityHours,
				CalibratorToleranceDeg:       cfg.CalibratorToleranceDeg,
				CalibratorDecToleranceDeg:    cfg.CalibratorDecToleranceDeg,
				GroupToleranceSeconds:        cfg.GroupToleranceSec,
				TablesDir:                    cfg.TablesDir,
			})
			return runStage(cCtx, cfg, st, stagePlan{"calibrate", store.GroupConverted, cfg.CalMax}, worker.ProcessGroup)
		},
	}
}

func applyCommand() *cli.Command {
	return &cli.Command{
		Name:  "apply",
		Usage: "apply the resolved calibration solution set to calibrated groups (spec §4.9)",
		Flags: []cli.Flag{configFlag(), dryRunFlag(), maxGroupsFlag()},
		Action: func(cCtx *cli.Context) error {
			cfg, err := loadConfig(cCtx)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			tools := buildSubprocessTools(cfg)
			worker := apply.NewWorker(st, tools, nil, nil, apply.Config{
				FallbackStaleDays:     cfg.FallbackStaleDays(),
				InterpMode:            cfg.InterpMode,
				ApplyTimeout:          cfg.ApplyTimeout(),
				GroupToleranceSeconds: cfg.GroupToleranceSec,
			})
			return runStage(cCtx, cfg, st, stagePlan{"apply", store.GroupCalibrated, cfg.ApplyMax}, worker.ProcessGroup)
		},
	}
}

func imageCommand() *cli.Command {
	return &cli.Command{
		Name:  "image",
		Usage: "deconvolve applied groups into image products (spec §4.10)",
		Flags: []cli.Flag{configFlag(), dryRunFlag(), maxGroupsFlag()},
		Action: func(cCtx *cli.Context) error {
			cfg, err := loadConfig(cCtx)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			tools := buildSubprocessTools(cfg)
			worker := image.NewWorker(st, tools, nil, image.Config{
				Params: external.ImageParams{
					ImageSize:        cfg.Image.ImageSize,
					CellArcsec:       cfg.Image.CellArcsec,
					Deconvolver:      cfg.Image.Deconvolver,
					MaxIterations:    cfg.Image.MaxIterations,
					Threshold:        cfg.Image.Threshold,
					UVRangeMinLambda: cfg.Image.UVRangeMinLambda,
					UVRangeMaxLambda: cfg.Image.UVRangeMaxLambda,
					Weighting:        cfg.Image.Weighting,
					Timeout:          cfg.ImageTimeout(),
				},
				ProductsDir:           cfg.ProductsDir,
				GroupToleranceSeconds: cfg.GroupToleranceSec,
			})
			return runStage(cCtx, cfg, st, stagePlan{"image", store.GroupApplied, cfg.ImgMax}, worker.ProcessGroup)
		},
	}
}
