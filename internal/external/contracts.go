// Package external defines the capability interfaces the orchestrator
// uses to reach every collaborator spec §6 puts out of scope: the
// delay/bandpass/gain solver, the apply step, the imager, the regridder,
// the calibrator model populator, and the alert sink. Workers are
// constructed with these interfaces rather than reaching for a global
// module reference (spec §9's "from implicit global state to injected
// collaborators"), so the core pipeline is testable against the in-memory
// fakes in fakes.go without any real external tool installed.
package external

import (
	"context"
	"time"
)

// SolveKind names one stage of the calibration solve sequence (spec
// §4.7): delay, then bandpass (with pre-bandpass phase correction), then
// gain.
type SolveKind string

const (
	SolveDelay    SolveKind = "delay"
	SolveBandpass SolveKind = "bandpass"
	SolveGain     SolveKind = "gain"
)

// SolverConfig carries the tuning knobs the external solver needs beyond
// the measurement set and antenna chain: phase-correction time scale for
// the pre-bandpass step, and the output table path the caller has chosen.
type SolverConfig struct {
	OutputTablePath      string
	PhaseCorrectionSolIntSeconds float64
	Timeout              time.Duration
}

// SolveResult is what a completed solve reports back so the driver can
// validate it (spec §4.7's post-solve validation) without re-reading the
// table itself.
type SolveResult struct {
	TablePath           string
	UsedRefAntenna      string
	FlaggedFraction     float64
	MedianSolutionSNR   float64
}

// Solver is the external delay/bandpass/gain solver contract (spec
// §6.3). Implementations must try each entry in refAntennaChain in order
// until one yields a solution, and must never silently fall back to an
// antenna not present in the chain.
type Solver interface {
	Solve(ctx context.Context, msPath string, kind SolveKind, refAntennaChain []string, cfg SolverConfig) (SolveResult, error)
}

// SPWMapping maps a measurement set's spectral window index to the
// calibration table's spectral window index, computed by the apply
// worker when it detects a count mismatch (spec §6.4, Open Question #1 —
// see DESIGN.md).
type SPWMapping map[int]int

// ApplyConfig carries the interpolation configuration and any computed
// SPW mapping for one apply invocation.
type ApplyConfig struct {
	InterpMode string
	SPWMap     SPWMapping
	Timeout    time.Duration
}

// Applier is the external apply contract (spec §6.4): writes a corrected
// data column into msPath in place given a resolved, ordered list of
// solution table paths.
type Applier interface {
	Apply(ctx context.Context, msPath string, solutionTablePaths []string, cfg ApplyConfig) error
}

// ImageParams is the configured parameter set the imaging worker passes
// to the external imager (spec §4.10): image geometry, deconvolver
// choice, iteration/threshold limits, uv-range cut, and weighting scheme.
type ImageParams struct {
	ImageSize     int
	CellArcsec    float64
	Deconvolver   string
	MaxIterations int
	Threshold     float64
	UVRangeMinLambda float64
	UVRangeMaxLambda float64
	Weighting     string
	Timeout       time.Duration
}

// ImageProduct is one named output artifact the imager wrote, keyed by
// its fixed naming suffix (restored, residual, model, pb, pbcor).
type ImageProduct struct {
	Suffix string
	Path   string
}

// ImageResult bundles the artifacts written and the quality metrics the
// imaging worker records alongside each image row (spec §4.10).
type ImageResult struct {
	Products     []ImageProduct
	NoiseJy      float64
	DynamicRange float64
}

// Imager is the external deconvolver contract (spec §6.5). On failure it
// must produce no partially-valid products; the caller treats any error
// as total failure for that field.
type Imager interface {
	Image(ctx context.Context, msPath string, params ImageParams) (ImageResult, error)
}

// Regridder is the external regridder contract (spec §6.6): deterministic
// interpolation of sourceImage onto templateImage's coordinate grid,
// written to outputImage.
type Regridder interface {
	Regrid(ctx context.Context, sourceImage, templateImage, outputImage string) error
}

// ModelPopulator is the calibrator sky-model injection collaborator (spec
// §6.3's pre-solve validation dependency, and Open Question #2 — see
// DESIGN.md). The orchestrator never re-implements clean-component model
// generation; it only requires the resulting MODEL column to satisfy the
// solver driver's post-populate validation contract.
type ModelPopulator interface {
	PopulateModel(ctx context.Context, msPath, calibratorName string) error
}

// Severity is an alert's urgency level (spec §6.7).
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one message delivered to an AlertChannel.
type Alert struct {
	Severity Severity
	Message  string
	Context  map[string]interface{}
}

// AlertChannel is the pluggable alert-sink contract (spec §6.7). Delivery
// may fail; callers (the health monitor) must not stall on a failed or
// slow send, so every AlertChannel.Send call is expected to be given a
// bounded context by its caller.
type AlertChannel interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// ReferenceSource is one catalog entry a SkyCatalog returns: a known
// source position near a mosaic's field center, used only for advisory
// astrometric QC (spec §4.11), never to gate a build.
type ReferenceSource struct {
	Name    string
	RADeg   float64
	DecDeg  float64
	FluxJy  float64
}

// SkyCatalog is the reference-catalog lookup contract the mosaic builder
// uses for advisory astrometric QC: find known sources near a field
// center so the builder can cross-match them against local image peaks
// and log any systematic offset above threshold (spec §4.11). A
// SkyCatalog never causes a build to fail; it only informs logging.
type SkyCatalog interface {
	SourcesNear(ctx context.Context, raDeg, decDeg, radiusDeg float64) ([]ReferenceSource, error)
}
