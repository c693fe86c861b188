package main

import (
	"encoding/json"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dsa110/contimg/internal/cerrors"
)

func registryCommand() *cli.Command {
	return &cli.Command{
		Name:  "registry",
		Usage: "inspect and override the calibration solution set registry (spec §4.8)",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list every solution set, most recent first",
				Flags: []cli.Flag{configFlag()},
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

					sets, err := st.ListSolutionSets(cCtx.Context)
					if err != nil {
						return exitFor(cerrors.Wrap(cerrors.Unexpected, "list solution sets", err))
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(sets)
				},
			},
			{
				Name:      "promote",
				Usage:     "mark a named solution set active, superseding the current one (operator override)",
				ArgsUsage: "SET_NAME",
				Flags:     []cli.Flag{configFlag()},
				Action: func(cCtx *cli.Context) error {
					if cCtx.Args().Len() != 1 {
						return exitFor(cerrors.New(cerrors.Validation, "registry promote requires a SET_NAME argument"))
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

					if err := st.PromoteSolutionSet(cCtx.Context, cCtx.Args().Get(0)); err != nil {
						return exitFor(cerrors.Wrap(cerrors.Validation, "promote solution set", err))
					}
					return nil
				},
			},
			{
				Name:      "quarantine",
				Usage:     "remove a named solution set from registry lookups without deleting its history",
				ArgsUsage: "SET_NAME",
				Flags:     []cli.Flag{configFlag()},
				Action: func(cCtx *cli.Context) error {
					if cCtx.Args().Len() != 1 {
						return exitFor(cerrors.New(cerrors.Validation, "registry quarantine requires a SET_NAME argument"))
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

					if err := st.QuarantineSolutionSet(cCtx.Context, cCtx.Args().Get(0)); err != nil {
						return exitFor(cerrors.Wrap(cerrors.Unexpected, "quarantine solution set", err))
					}
					return nil
				},
			},
		},
	}
}
