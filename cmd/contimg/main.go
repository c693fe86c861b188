// Command contimg is the orchestrator's single CLI entrypoint (spec
// §6.8): one urfave/cli/v2 app with a subcommand per pipeline stage plus
// registry, queue and status management. The command surface and the
// exit-code convention (0 success, 1 validation, 2 retry-safe, 3
// permanent, 4 aborted by signal) are generalized from sixy6e-go-gsf's
// main.go cli.App{Commands: [...]} shape, since the teacher repo itself
// parses flags with the standard library rather than a CLI framework.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/external"
	"github.com/dsa110/contimg/internal/healthmonitor"
	"github.com/dsa110/contimg/internal/httputil"
	"github.com/dsa110/contimg/internal/lockmgr"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/version"
)

// Exit codes, spec §6.8.
const (
	exitOK          = 0
	exitValidation  = 1
	exitTransient   = 2
	exitPermanent   = 3
	exitAborted     = 4
)

// exitError carries the process exit code an action wants main to use,
// so each command's Action can return a plain error (the way every other
// urfave/cli command in the corpus does) while still distinguishing
// retry-safe failures from permanent ones at the process boundary.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitFor wraps err with the exit code its cerrors.Kind maps to (spec
// §6.8). A nil err wraps to nil so call sites can pass straight through.
func exitFor(err error) error {
	if err == nil {
		return nil
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee
	}
	kind := cerrors.KindOf(err)
	switch kind {
	case cerrors.Validation:
		return &exitError{exitValidation, err}
	case cerrors.TransientIO, cerrors.ExternalToolTimeout, cerrors.ResourceExhaustion, cerrors.MissingCalibration:
		return &exitError{exitTransient, err}
	case cerrors.CorruptInput:
		return &exitError{exitPermanent, err}
	default:
		return &exitError{exitValidation, err}
	}
}

// configFlag is shared by every subcommand: spec §6.8 requires all of
// them to accept a configuration file path.
func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "path to a JSON configuration file (see internal/config.Config)",
		Required: true,
	}
}

// dryRunFlag and maxGroupsFlag back the long-running subcommands watch,
// convert, calibrate, apply and image; mosaic build takes only --config.
func dryRunFlag() cli.Flag {
	return &cli.BoolFlag{Name: "dry-run", Usage: "report what would run without acquiring or mutating any group"}
}

func maxGroupsFlag() cli.Flag {
	return &cli.IntFlag{Name: "max-groups", Usage: "stop after processing this many groups (0 = run until interrupted)"}
}

func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	path := cCtx.String("config")
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, exitFor(err)
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, exitFor(cerrors.Wrap(cerrors.Validation, "open store", err))
	}
	return st, nil
}

func openLocks(cfg *config.Config) (*lockmgr.Manager, error) {
	locks, err := lockmgr.New(cfg.StagingDir + "/locks")
	if err != nil {
		return nil, exitFor(cerrors.Wrap(cerrors.Validation, "open lock manager", err))
	}
	return locks, nil
}

// buildSubprocessTools wires the four external contracts this binary
// never implements itself (spec §6.3-§6.6) onto the configured binaries.
func buildSubprocessTools(cfg *config.Config) *external.SubprocessTools {
	return external.NewSubprocessTools(
		cfg.ExternalTools.SolverBin,
		cfg.ExternalTools.ApplyBin,
		cfg.ExternalTools.ImagerBin,
		cfg.ExternalTools.RegridderBin,
		cfg.ExternalTools.ModelPopBin,
	)
}

// buildAlertChannels turns config.AlertChannelConfig entries into live
// external.AlertChannel collaborators (spec §6.7).
func buildAlertChannels(cfg *config.Config) []external.AlertChannel {
	channels := make([]external.AlertChannel, 0, len(cfg.AlertChannels))
	for _, c := range cfg.AlertChannels {
		switch c.Kind {
		case "webhook":
			channels = append(channels, external.NewWebhookAlertChannel(c.Name, c.URL, httputil.NewStandardClient(nil)))
		case "log", "":
			channels = append(channels, external.NewLogAlertChannel(c.Name))
		default:
			obslog.Logf("contimg: alert channel %q has unknown kind %q, defaulting to log", c.Name, c.Kind)
			channels = append(channels, external.NewLogAlertChannel(c.Name))
		}
	}
	return channels
}

// buildAlertRules turns config.AlertRuleConfig entries into the matching
// healthmonitor.AlertRule predicate (spec §4.12/§6.9's alert_rules).
func buildAlertRules(cfg *config.Config) []healthmonitor.AlertRule {
	rules := make([]healthmonitor.AlertRule, 0, len(cfg.AlertRules))
	for _, r := range cfg.AlertRules {
		sev := external.Severity(r.Severity)
		switch r.Name {
		case "queue_depth":
			rules = append(rules, healthmonitor.QueueDepthRule(string(store.GroupQueued), r.Threshold, sev))
		case "tmpfs_utilization":
			rules = append(rules, healthmonitor.TmpfsUtilizationRule(r.Threshold, sev))
		case "disk_headroom":
			rules = append(rules, healthmonitor.DiskHeadroomRule(r.Threshold, sev))
		case "stale_calibration":
			rules = append(rules, healthmonitor.StaleCalibrationRule(cfg.FallbackStaleWindow(), sev))
		case "convert_failure_rate":
			rules = append(rules, healthmonitor.FailureRateRule("convert", r.Threshold, sev))
		default:
			obslog.Logf("contimg: alert rule %q not recognized, skipping", r.Name)
		}
	}
	return rules
}

func main() {
	app := &cli.App{
		Name:    "contimg",
		Usage:   "DSA-110 continuum imaging pipeline orchestrator",
		Version: fmt.Sprintf("%s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime),
		Commands: []*cli.Command{
			watchCommand(),
			convertCommand(),
			calibrateCommand(),
			applyCommand(),
			imageCommand(),
			mosaicCommand(),
			registryCommand(),
			queueCommand(),
			statusCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, "contimg:", ee.err)
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "contimg:", err)
		os.Exit(exitValidation)
	}
}
