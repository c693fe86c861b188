package main

import (
	"encoding/json"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/healthmonitor"
	"github.com/dsa110/contimg/internal/healthmonitor/report"
	"github.com/dsa110/contimg/internal/security"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print a condensed snapshot of queue depths, disk headroom, and calibration staleness (spec §4.12)",
		Flags: []cli.Flag{
			configFlag(),
			&cli.StringFlag{Name: "output", Usage: "write the snapshot to this path instead of stdout (must resolve under the working directory or the system temp directory)"},
			&cli.StringFlag{Name: "plot", Usage: "also render the per-stage duration percentiles as a PNG at this path (same containment rules as --output)"},
		},
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

			metrics := healthmonitor.NewMetrics()
			mon := healthmonitor.NewMonitor(st, metrics, nil, nil, healthmonitor.Config{
				SnapshotPath:   cfg.StatusSnapshotPath,
				Interval:       cfg.StatusInterval(),
				TmpfsRoot:      cfg.TmpfsRoot,
				DiskRoot:       cfg.ProductsDir,
				StuckThreshold: cfg.StuckJobThreshold(),
			}, buildAlertRules(cfg), nil)

			snap := mon.SnapshotNow(cCtx.Context)

			if plotPath := cCtx.String("plot"); plotPath != "" {
				if err := security.ValidateOutputPath(plotPath); err != nil {
					return exitFor(cerrors.Wrap(cerrors.Validation, "validate --plot path", err))
				}
				if err := report.SaveDurationPlot(snap, plotPath); err != nil {
					return exitFor(cerrors.Wrap(cerrors.Unexpected, "render duration plot", err))
				}
			}

			out := cCtx.String("output")
			if out == "" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			if err := security.ValidateOutputPath(out); err != nil {
				return exitFor(cerrors.Wrap(cerrors.Validation, "validate --output path", err))
			}
			f, err := os.Create(out)
			if err != nil {
				return exitFor(cerrors.Wrap(cerrors.Unexpected, "create --output file", err))
			}
			defer f.Close()
			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}
