package external

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dsa110/contimg/internal/cerrors"
)

// SubprocessTools is a single injected collaborator satisfying Solver,
// Applier, Imager, Regridder, and ModelPopulator by invoking configured
// external binaries and parsing a JSON result object from stdout (see
// decodeJSONOutput in subprocess.go). This is the production
// implementation of the contracts in contracts.go; every binary path is
// configured up front so a worker never has to know how its external
// tool is actually packaged.
type SubprocessTools struct {
	Builder CommandBuilder

	SolverBin     string
	ApplyBin      string
	ImagerBin     string
	RegridderBin  string
	ModelPopBin   string
}

// NewSubprocessTools creates a SubprocessTools using RealCommandBuilder.
func NewSubprocessTools(solverBin, applyBin, imagerBin, regridderBin, modelPopBin string) *SubprocessTools {
	return &SubprocessTools{
		Builder:      RealCommandBuilder{},
		SolverBin:    solverBin,
		ApplyBin:     applyBin,
		ImagerBin:    imagerBin,
		RegridderBin: regridderBin,
		ModelPopBin:  modelPopBin,
	}
}

type solveOutput struct {
	UsedRefAntenna    string  `json:"used_ref_antenna"`
	FlaggedFraction   float64 `json:"flagged_fraction"`
	MedianSolutionSNR float64 `json:"median_solution_snr"`
}

// Solve invokes SolverBin with the MS path, solve kind, reference-antenna
// chain (in priority order, spec §4.7), and output table path, trusting
// the external tool to walk the chain itself and never fall back to an
// antenna outside it.
func (t *SubprocessTools) Solve(ctx context.Context, msPath string, kind SolveKind, refAntennaChain []string, cfg SolverConfig) (SolveResult, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = contextWithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	args := []string{
		"--ms", msPath,
		"--kind", string(kind),
		"--output", cfg.OutputTablePath,
		"--ref-antennas", joinComma(refAntennaChain),
		"--phase-solint-s", formatFloat(cfg.PhaseCorrectionSolIntSeconds),
	}
	out, err := t.Builder.Build(t.SolverBin, args...).Run(ctx)
	if err != nil {
		return SolveResult{}, subprocessResultError(ctx, "solver", out, err)
	}
	var parsed solveOutput
	if err := decodeJSONOutput(out, &parsed); err != nil {
		return SolveResult{}, cerrors.Wrap(cerrors.CorruptInput, "solver produced unparseable output", err)
	}
	return SolveResult{
		TablePath:         cfg.OutputTablePath,
		UsedRefAntenna:    parsed.UsedRefAntenna,
		FlaggedFraction:   parsed.FlaggedFraction,
		MedianSolutionSNR: parsed.MedianSolutionSNR,
	}, nil
}

// Apply invokes ApplyBin to write a corrected data column in place.
func (t *SubprocessTools) Apply(ctx context.Context, msPath string, solutionTablePaths []string, cfg ApplyConfig) error {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = contextWithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	spwJSON, err := json.Marshal(cfg.SPWMap)
	if err != nil {
		return err
	}
	args := []string{
		"--ms", msPath,
		"--tables", joinComma(solutionTablePaths),
		"--interp", cfg.InterpMode,
		"--spw-map", string(spwJSON),
	}
	out, err := t.Builder.Build(t.ApplyBin, args...).Run(ctx)
	if err != nil {
		return subprocessResultError(ctx, "apply", out, err)
	}
	return nil
}

type imageOutput struct {
	Products     map[string]string `json:"products"`
	NoiseJy      float64           `json:"noise_jy"`
	DynamicRange float64           `json:"dynamic_range"`
}

// Image invokes ImagerBin to deconvolve msPath into the configured image
// products.
func (t *SubprocessTools) Image(ctx context.Context, msPath string, params ImageParams) (ImageResult, error) {
	if params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = contextWithTimeout(ctx, params.Timeout)
		defer cancel()
	}
	args := []string{
		"--ms", msPath,
		"--imsize", fmt.Sprintf("%d", params.ImageSize),
		"--cell-arcsec", formatFloat(params.CellArcsec),
		"--deconvolver", params.Deconvolver,
		"--niter", fmt.Sprintf("%d", params.MaxIterations),
		"--threshold", formatFloat(params.Threshold),
		"--uvrange-min", formatFloat(params.UVRangeMinLambda),
		"--uvrange-max", formatFloat(params.UVRangeMaxLambda),
		"--weighting", params.Weighting,
	}
	out, err := t.Builder.Build(t.ImagerBin, args...).Run(ctx)
	if err != nil {
		return ImageResult{}, subprocessResultError(ctx, "imager", out, err)
	}
	var parsed imageOutput
	if err := decodeJSONOutput(out, &parsed); err != nil {
		return ImageResult{}, cerrors.Wrap(cerrors.CorruptInput, "imager produced unparseable output", err)
	}
	result := ImageResult{NoiseJy: parsed.NoiseJy, DynamicRange: parsed.DynamicRange}
	for suffix, path := range parsed.Products {
		result.Products = append(result.Products, ImageProduct{Suffix: suffix, Path: path})
	}
	return result, nil
}

// Regrid invokes RegridderBin.
func (t *SubprocessTools) Regrid(ctx context.Context, sourceImage, templateImage, outputImage string) error {
	out, err := t.Builder.Build(t.RegridderBin, "--source", sourceImage, "--template", templateImage, "--output", outputImage).Run(ctx)
	if err != nil {
		return subprocessResultError(ctx, "regridder", out, err)
	}
	return nil
}

type modelPopOutput struct {
	ModelPeakJy     float64 `json:"model_peak_jy"`
	NonZeroFraction float64 `json:"model_nonzero_fraction"`
}

// PopulateModel invokes ModelPopBin, then enforces the post-populate
// validation contract: the tool reports the written MODEL column's peak
// and non-zero fraction, and a column that came back absent or
// identically zero fails here rather than surfacing downstream as an
// unexplained solver failure. Which of the two model-generation paths
// the original system used is left entirely to this collaborator (Open
// Question #2, DESIGN.md).
func (t *SubprocessTools) PopulateModel(ctx context.Context, msPath, calibratorName string) error {
	out, err := t.Builder.Build(t.ModelPopBin, "--ms", msPath, "--calibrator", calibratorName).Run(ctx)
	if err != nil {
		return subprocessResultError(ctx, "model-populator", out, err)
	}
	var parsed modelPopOutput
	if err := decodeJSONOutput(out, &parsed); err != nil {
		return cerrors.Wrap(cerrors.CorruptInput, "model populator produced unparseable output", err)
	}
	if parsed.ModelPeakJy <= 0 || parsed.NonZeroFraction <= 0 {
		return cerrors.New(cerrors.CorruptInput,
			fmt.Sprintf("model column for %s is empty after populate (peak %g Jy, non-zero fraction %g)",
				msPath, parsed.ModelPeakJy, parsed.NonZeroFraction))
	}
	return nil
}

func joinComma(items []string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}
