// Package config loads and validates the orchestrator's configuration.
// It follows the teacher repo's TuningConfig pattern: a typed struct with a
// Default constructor, a LoadFromFile that parses JSON and validates path
// safety/size before trusting the bytes, and a Validate method that is the
// single point where an ill-formed configuration aborts startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dsa110/contimg/internal/cerrors"
)

// RetryRule describes the retry policy for one error class (spec §4.5).
type RetryRule struct {
	MaxRetries    int    `json:"max_retries"`
	BackoffKind   string `json:"backoff_kind"` // "exponential", "linear", "constant", "none"
	BackoffBaseS  int    `json:"backoff_base_seconds"`
	OnExhaustion  string `json:"on_exhaustion"` // "quarantine", "quarantine_alert", "remain_pending"
}

// DefaultRetryPolicy is the error_class -> policy table from spec §4.5.
func DefaultRetryPolicy() map[string]RetryRule {
	return map[string]RetryRule{
		"transient_io":        {MaxRetries: 5, BackoffKind: "exponential", BackoffBaseS: 60, OnExhaustion: "quarantine"},
		"casa_timeout":        {MaxRetries: 5, BackoffKind: "exponential", BackoffBaseS: 60, OnExhaustion: "quarantine"},
		"resource_exhaustion": {MaxRetries: 2, BackoffKind: "linear", BackoffBaseS: 600, OnExhaustion: "quarantine_alert"},
		"missing_calibration": {MaxRetries: 10, BackoffKind: "constant", BackoffBaseS: 1800, OnExhaustion: "remain_pending"},
		"corrupt_input":       {MaxRetries: 0, BackoffKind: "none", BackoffBaseS: 0, OnExhaustion: "quarantine"},
		"unknown":             {MaxRetries: 2, BackoffKind: "linear", BackoffBaseS: 120, OnExhaustion: "quarantine"},
	}
}

// Config is the typed, validated configuration object for the orchestrator
// (spec §6.9). It is loaded from a JSON file overlaid on Default() (see
// LoadFromFile); environment variables are not read.
type Config struct {
	// Filesystem roots
	InputDir    string `json:"input_dir"`
	TmpfsRoot   string `json:"tmpfs_root"`
	ProductsDir string `json:"products_dir"`
	StagingDir  string `json:"staging_dir"`
	DBPath      string `json:"db_path"`

	// Group assembly
	RequiredSubbands   []string `json:"required_subbands"`
	GroupToleranceSec  float64  `json:"delta_t_group_seconds"`
	PartialDeadlineSec float64  `json:"t_partial_deadline_seconds"`
	MinPartialFraction float64  `json:"min_partial_fraction"`

	// Conversion writer thresholds
	TmpfsSafeBudgetBytes  int64 `json:"tmpfs_safe_budget_bytes"`
	MonolithicSizeCeiling int64 `json:"monolithic_size_ceiling_bytes"`
	ParallelWorkers       int   `json:"parallel_workers"`

	// Stage parallelism caps
	ConvMax    int `json:"conv_max"`
	CalMax     int `json:"cal_max"`
	ApplyMax   int `json:"apply_max"`
	ImgMax     int `json:"img_max"`
	MosaicMax  int `json:"mosaic_max"`

	// Retry policy
	RetryPolicy map[string]RetryRule `json:"retry_policy"`

	// Watchdog
	StuckJobMinutes float64 `json:"t_stuck_minutes"`

	// Calibration
	RefAntennaChain              []string `json:"ref_antenna_chain"`
	ValidityHours                float64  `json:"t_validity_hours"`
	FallbackStaleHours           float64  `json:"t_fallback_stale_hours"`
	FlaggingMaxFrac              float64  `json:"flagging_max_frac"`
	UVWSampleCount               int      `json:"uvw_sample_count"`
	PhaseCorrectionSolIntSeconds float64  `json:"phase_correction_solint_seconds"`
	SolveTimeoutSeconds          float64  `json:"solve_timeout_seconds"`
	CalibratorToleranceDeg       float64  `json:"calibrator_tolerance_deg"`
	CalibratorDecToleranceDeg    float64  `json:"calibrator_dec_tolerance_deg"`
	TablesDir                    string   `json:"tables_dir"`

	// Apply
	InterpMode        string  `json:"interp_mode"`
	ApplyTimeoutSeconds float64 `json:"apply_timeout_seconds"`

	// Imaging
	Image ImageConfig `json:"image"`

	// External tool binaries (spec §6.3-§6.6)
	ExternalTools ExternalToolsConfig `json:"external_tools"`

	// Mosaic
	NTiles                       int     `json:"n_tiles"`
	DeltaTTileMinutes            float64 `json:"delta_t_tile_minutes"`
	TMosaicMinutes               float64 `json:"t_mosaic_minutes"`
	DeltaDecTileDeg              float64 `json:"delta_dec_tile_deg"`
	PBThreshold                  float64 `json:"pb_threshold"`
	CombineMethod                string  `json:"combine_method"` // "mean" or "pb_weighted"
	AstrometricOffsetThresholdAS float64 `json:"astrometric_offset_threshold_arcsec"`

	// Retention
	MSRetentionDays    int `json:"ms_retention_days"`
	ImageRetentionDays int `json:"image_retention_days"`

	// Disk guards
	MinFreeDiskBytes  int64   `json:"min_free_disk_bytes"`
	TmpfsMinFreeFrac  float64 `json:"tmpfs_min_free_frac"`

	// Shutdown
	ShutdownDrainSeconds float64 `json:"t_shutdown_drain_seconds"`

	// Alerting
	AlertChannels []AlertChannelConfig `json:"alert_channels"`
	AlertRules    []AlertRuleConfig    `json:"alert_rules"`

	// Health monitor
	StatusIntervalSeconds float64 `json:"status_interval_seconds"`
	StatusSnapshotPath    string  `json:"status_snapshot_path"`
	AdminHTTPAddr         string  `json:"admin_http_addr"`
}

// ImageConfig carries the external imager's tuning parameters (spec
// §4.10), mirrored here from external.ImageParams so a JSON config file
// can set them without the config package importing external.
type ImageConfig struct {
	ImageSize        int     `json:"image_size"`
	CellArcsec       float64 `json:"cell_arcsec"`
	Deconvolver      string  `json:"deconvolver"`
	MaxIterations    int     `json:"max_iterations"`
	Threshold        float64 `json:"threshold_jy"`
	UVRangeMinLambda float64 `json:"uvrange_min_lambda"`
	UVRangeMaxLambda float64 `json:"uvrange_max_lambda"`
	Weighting        string  `json:"weighting"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
}

// ExternalToolsConfig names the subprocess binaries SubprocessTools
// invokes for each external contract (spec §6.3-§6.6).
type ExternalToolsConfig struct {
	SolverBin    string `json:"solver_bin"`
	ApplyBin     string `json:"apply_bin"`
	ImagerBin    string `json:"imager_bin"`
	RegridderBin string `json:"regridder_bin"`
	ModelPopBin  string `json:"model_populator_bin"`
}

// AlertChannelConfig names a sink and its delivery endpoint.
type AlertChannelConfig struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // "webhook" or "log"; any other kind is built as a log channel
	URL  string `json:"url"`
}

// AlertRuleConfig names a predicate and its trigger threshold.
type AlertRuleConfig struct {
	Name      string  `json:"name"`
	Severity  string  `json:"severity"` // "info", "warning", "critical"
	Threshold float64 `json:"threshold"`
}

// Default returns a Config populated with the defaults named throughout
// spec §3/§4/§6.9.
func Default() *Config {
	return &Config{
		InputDir:    "/data/incoming",
		TmpfsRoot:   "/tmpfs/dsa110-contimg",
		ProductsDir: "/data/products",
		StagingDir:  "/data/staging",
		DBPath:      "/data/contimg.db",

		RequiredSubbands:   defaultSubbandAlphabet(16),
		GroupToleranceSec:  30,
		PartialDeadlineSec: 5 * 60,
		MinPartialFraction: 1.0,

		TmpfsSafeBudgetBytes:  64 << 30,
		MonolithicSizeCeiling: 4 << 30,
		ParallelWorkers:       4,

		ConvMax:   2,
		CalMax:    1,
		ApplyMax:  2,
		ImgMax:    4,
		MosaicMax: 1,

		RetryPolicy: DefaultRetryPolicy(),

		StuckJobMinutes: 30,

		RefAntennaChain:              []string{"pa01", "pa02", "pa03"},
		ValidityHours:                6,
		FallbackStaleHours:           24,
		FlaggingMaxFrac:              0.5,
		UVWSampleCount:               8,
		PhaseCorrectionSolIntSeconds: 60,
		SolveTimeoutSeconds:          600,
		CalibratorToleranceDeg:       1.0,
		CalibratorDecToleranceDeg:    5.0,
		TablesDir:                    "/data/staging/tables",

		InterpMode:          "linear",
		ApplyTimeoutSeconds: 300,

		Image: ImageConfig{
			ImageSize:        4800,
			CellArcsec:       3.0,
			Deconvolver:      "mtmfs",
			MaxIterations:    10000,
			Threshold:        0.0005,
			UVRangeMinLambda: 0,
			UVRangeMaxLambda: 0,
			Weighting:        "briggs",
			TimeoutSeconds:   1800,
		},

		ExternalTools: ExternalToolsConfig{
			SolverBin:    "dsa110-solve",
			ApplyBin:     "dsa110-apply",
			ImagerBin:    "dsa110-image",
			RegridderBin: "dsa110-regrid",
			ModelPopBin:  "dsa110-modelpop",
		},

		NTiles:                       10,
		DeltaTTileMinutes:            6,
		TMosaicMinutes:               60,
		DeltaDecTileDeg:              0.1,
		PBThreshold:                  0.1,
		CombineMethod:                "pb_weighted",
		AstrometricOffsetThresholdAS: 2.0,

		MSRetentionDays:    14,
		ImageRetentionDays: 90,

		MinFreeDiskBytes: 50 << 30,
		TmpfsMinFreeFrac: 0.1,

		ShutdownDrainSeconds: 120,

		StatusIntervalSeconds: 30,
		StatusSnapshotPath:    "/data/status.json",
		AdminHTTPAddr:         ":6060",
	}
}

func defaultSubbandAlphabet(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, fmt.Sprintf("sb%02d", i))
	}
	return out
}

// LoadFromFile loads a Config from a JSON file, applying it on top of
// Default() so that omitted fields retain sensible defaults. The file path
// is validated (extension, size ceiling) before being read, mirroring the
// teacher's LoadTuningConfig.
func LoadFromFile(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, cerrors.New(cerrors.Validation, fmt.Sprintf("config file must have .json extension, got %q", ext))
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Validation, "failed to stat config file", err)
	}
	const maxFileSize = 1 << 20
	if info.Size() > maxFileSize {
		return nil, cerrors.New(cerrors.Validation, fmt.Sprintf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize))
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.Validation, "failed to read config file", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, cerrors.Wrap(cerrors.Validation, "failed to parse config JSON", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks range, path, and type invariants. An invalid
// configuration must abort startup with a typed error (spec §6.9).
func (c *Config) Validate() error {
	if c.InputDir == "" || c.TmpfsRoot == "" || c.ProductsDir == "" || c.StagingDir == "" || c.DBPath == "" {
		return cerrors.New(cerrors.Validation, "input_dir, tmpfs_root, products_dir, staging_dir and db_path are all required")
	}
	if len(c.RequiredSubbands) == 0 {
		return cerrors.New(cerrors.Validation, "required_subbands must be non-empty")
	}
	if c.GroupToleranceSec <= 0 {
		return cerrors.New(cerrors.Validation, "delta_t_group_seconds must be positive")
	}
	if c.PartialDeadlineSec <= 0 {
		return cerrors.New(cerrors.Validation, "t_partial_deadline_seconds must be positive")
	}
	if c.MinPartialFraction < 0 || c.MinPartialFraction > 1 {
		return cerrors.New(cerrors.Validation, "min_partial_fraction must be in [0,1]")
	}
	if c.ConvMax <= 0 || c.CalMax <= 0 || c.ApplyMax <= 0 || c.ImgMax <= 0 || c.MosaicMax <= 0 {
		return cerrors.New(cerrors.Validation, "all stage parallelism caps must be positive")
	}
	if len(c.RefAntennaChain) == 0 {
		return cerrors.New(cerrors.Validation, "ref_antenna_chain must name at least one candidate antenna")
	}
	if c.CombineMethod != "mean" && c.CombineMethod != "pb_weighted" {
		return cerrors.New(cerrors.Validation, fmt.Sprintf("combine_method must be 'mean' or 'pb_weighted', got %q", c.CombineMethod))
	}
	if c.NTiles <= 0 {
		return cerrors.New(cerrors.Validation, "n_tiles must be positive")
	}
	if c.DeltaDecTileDeg <= 0 {
		return cerrors.New(cerrors.Validation, "delta_dec_tile_deg must be positive")
	}
	if c.MSRetentionDays < 0 || c.ImageRetentionDays < 0 {
		return cerrors.New(cerrors.Validation, "retention windows must be non-negative (0 disables the sweep)")
	}
	for class, rule := range c.RetryPolicy {
		if rule.MaxRetries < 0 {
			return cerrors.New(cerrors.Validation, fmt.Sprintf("retry_policy[%s].max_retries must be non-negative", class))
		}
	}
	return nil
}

// GroupTolerance returns Δt_group as a time.Duration.
func (c *Config) GroupTolerance() time.Duration {
	return time.Duration(c.GroupToleranceSec * float64(time.Second))
}

// PartialDeadline returns T_partial_deadline as a time.Duration.
func (c *Config) PartialDeadline() time.Duration {
	return time.Duration(c.PartialDeadlineSec * float64(time.Second))
}

// StuckJobThreshold returns T_stuck as a time.Duration.
func (c *Config) StuckJobThreshold() time.Duration {
	return time.Duration(c.StuckJobMinutes * float64(time.Minute))
}

// ValidityWindow returns T_validity as a time.Duration.
func (c *Config) ValidityWindow() time.Duration {
	return time.Duration(c.ValidityHours * float64(time.Hour))
}

// FallbackStaleWindow returns T_fallback_stale as a time.Duration.
func (c *Config) FallbackStaleWindow() time.Duration {
	return time.Duration(c.FallbackStaleHours * float64(time.Hour))
}

// DeltaTTile returns Δt_tile as a time.Duration.
func (c *Config) DeltaTTile() time.Duration {
	return time.Duration(c.DeltaTTileMinutes * float64(time.Minute))
}

// TMosaic returns T_mosaic as a time.Duration.
func (c *Config) TMosaic() time.Duration {
	return time.Duration(c.TMosaicMinutes * float64(time.Minute))
}

// ShutdownDrain returns T_shutdown_drain as a time.Duration.
func (c *Config) ShutdownDrain() time.Duration {
	return time.Duration(c.ShutdownDrainSeconds * float64(time.Second))
}

// StatusInterval returns the health monitor's snapshot cadence.
func (c *Config) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSeconds * float64(time.Second))
}

// SolveTimeout returns the per-stage solver invocation timeout.
func (c *Config) SolveTimeout() time.Duration {
	return time.Duration(c.SolveTimeoutSeconds * float64(time.Second))
}

// ApplyTimeout returns the apply invocation timeout.
func (c *Config) ApplyTimeout() time.Duration {
	return time.Duration(c.ApplyTimeoutSeconds * float64(time.Second))
}

// ImageTimeout returns the imager invocation timeout.
func (c *Config) ImageTimeout() time.Duration {
	return time.Duration(c.Image.TimeoutSeconds * float64(time.Second))
}

// FallbackStaleDays returns T_fallback_stale in days, the unit
// calregistry.Resolve compares against MJD differences in.
func (c *Config) FallbackStaleDays() float64 {
	return c.FallbackStaleHours / 24
}

// MSRetention returns ms_retention_days as a time.Duration. Zero
// disables measurement-set retention sweeps.
func (c *Config) MSRetention() time.Duration {
	return time.Duration(c.MSRetentionDays) * 24 * time.Hour
}

// ImageRetention returns image_retention_days as a time.Duration. Zero
// disables image retention sweeps.
func (c *Config) ImageRetention() time.Duration {
	return time.Duration(c.ImageRetentionDays) * 24 * time.Hour
}
