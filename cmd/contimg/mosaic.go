package main

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/pipeline/mosaic"
)

func mosaicCommand() *cli.Command {
	return &cli.Command{
		Name:  "mosaic",
		Usage: "plan and build mosaics from published images (spec §4.11)",
		Subcommands: []*cli.Command{
			{
				Name:      "plan",
				Usage:     "select and validate a candidate tile set spanning [t0, t1] (MJD seconds)",
				ArgsUsage: "T0 T1",
				Flags:     []cli.Flag{configFlag()},
				Action: func(cCtx *cli.Context) error {
					if cCtx.Args().Len() != 2 {
						return exitFor(cerrors.New(cerrors.Validation, "mosaic plan requires T0 and T1 arguments"))
					}
					t0, err := strconv.ParseFloat(cCtx.Args().Get(0), 64)
					if err != nil {
						return exitFor(cerrors.Wrap(cerrors.Validation, "parse t0", err))
					}
					t1, err := strconv.ParseFloat(cCtx.Args().Get(1), 64)
					if err != nil {
						return exitFor(cerrors.Wrap(cerrors.Validation, "parse t1", err))
					}

					cfg, err := loadConfig(cCtx)
					if err != nil {
						return err
					}
					st, err := openStore(cfg)
					if err != nil {
						return err
					}
					defer st.Close()

					planner := mosaic.NewPlanner(st, nil, nil, mosaicPlanConfig(cfg))
					m, err := planner.Plan(cCtx.Context, t0, t1)
					if err != nil {
						return exitFor(err)
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(m)
				},
			},
			{
				Name:      "build",
				Usage:     "regrid, combine, and publish a planned mosaic's tile set",
				ArgsUsage: "MOSAIC_ID",
				Flags:     []cli.Flag{configFlag()},
				Action: func(cCtx *cli.Context) error {
					if cCtx.Args().Len() != 1 {
						return exitFor(cerrors.New(cerrors.Validation, "mosaic build requires a MOSAIC_ID argument"))
					}
					mosaicID := cCtx.Args().Get(0)

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

					tools := buildSubprocessTools(cfg)
					// catalog is nil: no production external.SkyCatalog is
					// wired yet (spec §4.11's astrometric QC is advisory
					// only and degrades to "skipped" when absent).
					builder := mosaic.NewBuilder(st, nil, locks, tools, nil, nil, mosaicPlanConfig(cfg))
					if err := builder.Build(cCtx.Context, mosaicID); err != nil {
						return exitFor(err)
					}
					return nil
				},
			},
		},
	}
}

// mosaicPlanConfig lifts the mosaic planner/builder's tuning knobs out of
// the top-level configuration (spec §4.11's plan/build parameters).
func mosaicPlanConfig(cfg *config.Config) mosaic.Config {
	return mosaic.Config{
		NTiles:                       cfg.NTiles,
		DeltaTTile:                   cfg.DeltaTTile().Seconds(),
		TMosaic:                      cfg.TMosaic().Seconds(),
		DeltaDecTileDeg:              cfg.DeltaDecTileDeg,
		PBThreshold:                  cfg.PBThreshold,
		CombineMethod:                cfg.CombineMethod,
		AstrometricOffsetThresholdAS: cfg.AstrometricOffsetThresholdAS,
		FallbackStaleDays:            cfg.FallbackStaleDays(),
		StagingDir:                   cfg.StagingDir,
		ProductsDir:                  cfg.ProductsDir,
	}
}
