package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dsa110/contimg/internal/astro"
	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/fileobserver"
	"github.com/dsa110/contimg/internal/groupassembler"
	"github.com/dsa110/contimg/internal/healthmonitor"
	"github.com/dsa110/contimg/internal/healthmonitor/adminhttp"
	"github.com/dsa110/contimg/internal/healthmonitor/report"
	"github.com/dsa110/contimg/internal/obslog"
	"github.com/dsa110/contimg/internal/queue"
	"github.com/dsa110/contimg/internal/retention"
	"github.com/dsa110/contimg/internal/store"
	"github.com/dsa110/contimg/internal/subband"
)

// assemblerSweepInterval is how often the deadline sweep over open
// buckets runs; much shorter than T_partial_deadline so a bucket is
// swept soon after it expires.
const assemblerSweepInterval = 15 * time.Second

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "run the ingest front end: file observer, group assembler, health monitor and admin HTTP endpoint (spec §4.3, §4.4, §4.12)",
		Flags: []cli.Flag{configFlag(), dryRunFlag(), maxGroupsFlag()},
		Action: func(cCtx *cli.Context) error {
			cfg, err := loadConfig(cCtx)
			if err != nil {
				return err
			}

			if cCtx.Bool("dry-run") {
				return printBootstrapCandidates(cfg)
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
			lock, err := locks.Acquire("file_observer")
			if err != nil {
				return exitFor(cerrors.Wrap(cerrors.TransientIO, "acquire file_observer lock", err))
			}
			defer lock.Release()

			sigCtx, stopSig := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stopSig()

			metrics := healthmonitor.NewMetrics()
			mon := healthmonitor.NewMonitor(st, metrics, nil, nil, healthmonitor.Config{
				SnapshotPath:   cfg.StatusSnapshotPath,
				Interval:       cfg.StatusInterval(),
				TmpfsRoot:      cfg.TmpfsRoot,
				DiskRoot:       cfg.ProductsDir,
				StuckThreshold: cfg.StuckJobThreshold(),
			}, buildAlertRules(cfg), buildAlertChannels(cfg))
			go mon.Run(sigCtx)

			if cfg.AdminHTTPAddr != "" {
				srv := startAdminHTTP(cfg, st, mon)
				defer srv.Shutdown(context.Background())
			}

			watchdog := queue.NewWatchdog(st, nil, cfg.StuckJobThreshold(), watchdogInterval)
			go watchdog.Run(sigCtx)
			sweeper := retention.NewSweeper(st, nil, nil, retention.Config{
				MSRetention:    cfg.MSRetention(),
				ImageRetention: cfg.ImageRetention(),
				Interval:       retentionSweepInterval,
			})
			go sweeper.Run(sigCtx)

			asm := groupassembler.New(groupassembler.Config{
				RequiredSubbands:   cfg.RequiredSubbands,
				Tolerance:          cfg.GroupTolerance(),
				PartialDeadline:    cfg.PartialDeadline(),
				MinPartialFraction: cfg.MinPartialFraction,
				SweepInterval:      assemblerSweepInterval,
			}, st, nil)
			asm.Start(sigCtx)
			defer asm.Stop()

			obs, err := fileobserver.New(cfg.InputDir, st)
			if err != nil {
				return exitFor(cerrors.Wrap(cerrors.Validation, "open file observer", err))
			}
			// Start concurrently: the bootstrap scan blocks once it has
			// filled Out's buffer, so the drain loop below must already
			// be consuming while the scan works through a large backlog.
			startErr := make(chan error, 1)
			go func() { startErr <- obs.Start(sigCtx) }()
			defer obs.Stop()

			maxGroups := cCtx.Int("max-groups")
			var enqueued int
			for {
				select {
				case <-sigCtx.Done():
					return &exitError{exitAborted, fmt.Errorf("contimg: watch interrupted after enqueuing %d group(s)", enqueued)}
				case err := <-startErr:
					if err != nil {
						return exitFor(cerrors.Wrap(cerrors.TransientIO, "bootstrap scan", err))
					}
				case parsed := <-obs.Out:
					recordPointing(sigCtx, st, parsed)
					asm.Add(sigCtx, parsed)
				case <-asm.Out:
					metrics.IncCounter("groups_enqueued", 1)
					enqueued++
					if maxGroups > 0 && enqueued >= maxGroups {
						obslog.Logf("contimg: watch stopping after enqueuing %d group(s)", enqueued)
						return nil
					}
				}
			}
		},
	}
}

// recordPointing appends one pointing_history row for a discovered
// sub-band: RA is the meridian (local sidereal time) at the file's
// timestamp, Dec the header's pointing declination.
func recordPointing(ctx context.Context, st *store.Store, parsed subband.Parsed) {
	midMJD := astro.TimeToMJD(parsed.Timestamp)
	raDeg, decDeg := astro.MeridianPhaseCenter(midMJD, parsed.PointingDecDeg)
	err := st.InsertPointingHistory(ctx, store.PointingHistory{
		Path:         parsed.Path,
		RADeg:        raDeg,
		DecDeg:       decDeg,
		MidMJD:       midMJD,
		DiscoveredAt: time.Now().UTC(),
	})
	if err != nil {
		obslog.Logf("contimg: record pointing for %s: %v", parsed.Path, err)
	}
}

// printBootstrapCandidates is watch's --dry-run path: list the sub-band
// files a bootstrap scan would ingest, in the observation-time order the
// scan itself would use, without touching the store.
func printBootstrapCandidates(cfg *config.Config) error {
	var candidates []string
	err := filepath.WalkDir(cfg.InputDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if subband.IsSubbandFile(d.Name()) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return exitFor(cerrors.Wrap(cerrors.Validation, "scan input_dir", err))
	}
	sort.Slice(candidates, func(i, j int) bool {
		return filepath.Base(candidates[i]) < filepath.Base(candidates[j])
	})
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(candidates)
}

// startAdminHTTP serves the debug surface: the JSON status endpoint and
// tailsql console via adminhttp.Attach, plus the stage-duration chart.
func startAdminHTTP(cfg *config.Config, st *store.Store, mon *healthmonitor.Monitor) *http.Server {
	mux := http.NewServeMux()
	adminhttp.Attach(mux, st, cfg.DBPath, func() healthmonitor.Snapshot {
		return mon.SnapshotNow(context.Background())
	})
	mux.HandleFunc("/debug/durations", func(w http.ResponseWriter, r *http.Request) {
		html, err := report.RenderDurationHTML(mon.SnapshotNow(r.Context()))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(html)
	})
	srv := &http.Server{Addr: cfg.AdminHTTPAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			obslog.Logf("contimg: admin http server: %v", err)
		}
	}()
	return srv
}
