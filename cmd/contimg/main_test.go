package main

import (
	"errors"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/dsa110/contimg/internal/cerrors"
	"github.com/dsa110/contimg/internal/config"
	"github.com/dsa110/contimg/internal/external"
)

// TestExitForMapping verifies every cerrors.Kind maps to the exit code
// spec §6.8's table assigns it.
func TestExitForMapping(t *testing.T) {
	tests := []struct {
		name string
		kind cerrors.Kind
		want int
	}{
		{"validation", cerrors.Validation, exitValidation},
		{"transient io", cerrors.TransientIO, exitTransient},
		{"external tool timeout", cerrors.ExternalToolTimeout, exitTransient},
		{"resource exhaustion", cerrors.ResourceExhaustion, exitTransient},
		{"missing calibration", cerrors.MissingCalibration, exitTransient},
		{"corrupt input", cerrors.CorruptInput, exitPermanent},
		{"unexpected", cerrors.Unexpected, exitValidation},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := exitFor(cerrors.New(tc.kind, "boom"))
			var ee *exitError
			if !errors.As(err, &ee) {
				t.Fatalf("exitFor did not return an *exitError for kind %q", tc.kind)
			}
			if ee.code != tc.want {
				t.Errorf("exitFor(%s) code = %d, want %d", tc.kind, ee.code, tc.want)
			}
		})
	}
}

// TestExitForNil verifies a nil error always wraps to nil, so command
// Actions can call exitFor unconditionally.
func TestExitForNil(t *testing.T) {
	if err := exitFor(nil); err != nil {
		t.Errorf("exitFor(nil) = %v, want nil", err)
	}
}

// TestExitForIdempotent verifies re-wrapping an already-classified
// exitError does not change its code.
func TestExitForIdempotent(t *testing.T) {
	first := exitFor(cerrors.New(cerrors.CorruptInput, "bad table"))
	second := exitFor(first)
	var ee *exitError
	if !errors.As(second, &ee) {
		t.Fatalf("exitFor did not return an *exitError on re-wrap")
	}
	if ee.code != exitPermanent {
		t.Errorf("re-wrapped code = %d, want %d", ee.code, exitPermanent)
	}
}

// TestBuildAlertChannelsKinds verifies each configured kind produces the
// matching external.AlertChannel implementation, defaulting unknown kinds
// to a log channel rather than failing startup (spec §6.7).
func TestBuildAlertChannelsKinds(t *testing.T) {
	cfg := &config.Config{
		AlertChannels: []config.AlertChannelConfig{
			{Name: "ops-webhook", Kind: "webhook", URL: "http://localhost/hook"},
			{Name: "ops-log", Kind: "log"},
			{Name: "ops-default", Kind: ""},
			{Name: "ops-unknown", Kind: "carrier-pigeon"},
		},
	}
	channels := buildAlertChannels(cfg)
	if len(channels) != 4 {
		t.Fatalf("got %d channels, want 4", len(channels))
	}

	if _, ok := channels[0].(*external.WebhookAlertChannel); !ok {
		t.Errorf("channel 0 = %T, want *external.WebhookAlertChannel", channels[0])
	}
	for i := 1; i < 4; i++ {
		if _, ok := channels[i].(*external.LogAlertChannel); !ok {
			t.Errorf("channel %d = %T, want *external.LogAlertChannel", i, channels[i])
		}
	}
}

// TestBuildAlertRulesSkipsUnknown verifies an unrecognized rule name is
// skipped rather than aborting the whole configuration.
func TestBuildAlertRulesSkipsUnknown(t *testing.T) {
	cfg := &config.Config{
		AlertRules: []config.AlertRuleConfig{
			{Name: "queue_depth", Severity: "warning", Threshold: 50},
			{Name: "not_a_real_rule", Severity: "info", Threshold: 1},
		},
	}
	rules := buildAlertRules(cfg)
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1 (unknown rule should be skipped)", len(rules))
	}
}

// TestAppCommandsRegistered verifies every subcommand named in spec §6.8
// is wired into the top-level app.
func TestAppCommandsRegistered(t *testing.T) {
	app := &cli.App{
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

	want := []string{"watch", "convert", "calibrate", "apply", "image", "mosaic", "registry", "queue", "status"}
	got := make(map[string]bool, len(app.Commands))
	for _, c := range app.Commands {
		got[c.Name] = true
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}

	for _, sub := range []string{"plan", "build"} {
		found := false
		for _, c := range mosaicCommand().Subcommands {
			if c.Name == sub {
				found = true
			}
		}
		if !found {
			t.Errorf("mosaic subcommand %q not registered", sub)
		}
	}
}
