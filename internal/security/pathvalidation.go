// Package security guards the places the orchestrator turns a string it
// did not itself generate into a filesystem path: mosaic tile rows read
// back from the store (whose paths ultimately trace back to whatever the
// imaging worker wrote) and a CLI operator's --output/--plot flags.
// Neither is "untrusted" in the web sense, but both can drift or typo
// their way outside the trees the pipeline is configured to read and
// write, and a drifted path must fail the operation rather than silently
// stat or create a file somewhere unexpected. Traversal tokens are
// rejected before any resolution happens; containment is then checked
// again on the resolved form. All rejections carry the validation error
// kind so callers classify them as fail-fast, never retryable.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dsa110/contimg/internal/cerrors"
)

// ValidatePathWithinDirectory rejects filePath unless its resolved form
// lies under baseDir. The raw input is screened for ".." segments first,
// so a traversal attempt is named as such even when it would have
// resolved somewhere harmless.
func ValidatePathWithinDirectory(filePath, baseDir string) error {
	if err := rejectTraversalTokens(filePath); err != nil {
		return err
	}
	ok, err := resolvesUnder(filePath, baseDir)
	if err != nil {
		return err
	}
	if !ok {
		return cerrors.New(cerrors.Validation,
			fmt.Sprintf("path %q resolves outside its base directory %q", filePath, baseDir))
	}
	return nil
}

// ValidatePathWithinAllowedDirs rejects filePath unless it lies under at
// least one of baseDirs.
func ValidatePathWithinAllowedDirs(filePath string, baseDirs []string) error {
	if len(baseDirs) == 0 {
		return cerrors.New(cerrors.Validation, "no base directories configured for path containment check")
	}
	if err := rejectTraversalTokens(filePath); err != nil {
		return err
	}
	for _, dir := range baseDirs {
		ok, err := resolvesUnder(filePath, dir)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return cerrors.New(cerrors.Validation,
		fmt.Sprintf("path %q resolves outside every permitted base directory %v", filePath, baseDirs))
}

// ValidateOutputPath validates a path an operator supplied on the
// command line for a command that writes a file (e.g. "status --output").
// Anything under the process's working directory or the system temp
// directory is accepted; an absolute path into an arbitrary system
// directory is not.
func ValidateOutputPath(filePath string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return cerrors.Wrap(cerrors.Validation, "resolve working directory", err)
	}
	return ValidatePathWithinAllowedDirs(filePath, []string{cwd, os.TempDir()})
}

// rejectTraversalTokens refuses any input containing a ".." path
// segment. Resolution would collapse these, but an input that carries
// one was assembled wrong (or maliciously) and is reported as a
// traversal attempt rather than quietly normalized away.
func rejectTraversalTokens(filePath string) error {
	for _, seg := range strings.Split(filepath.ToSlash(filePath), "/") {
		if seg == ".." {
			return cerrors.New(cerrors.Validation,
				fmt.Sprintf("path %q contains a traversal segment", filePath))
		}
	}
	return nil
}

// resolvesUnder reports whether filePath, made absolute and with
// symlinks in its existing prefix resolved, is baseDir itself or a
// descendant of it. Symlink resolution matters: a link planted inside
// the base that points elsewhere would otherwise pass a purely lexical
// prefix check.
func resolvesUnder(filePath, baseDir string) (bool, error) {
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return false, cerrors.Wrap(cerrors.Validation, "resolve candidate path", err)
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return false, cerrors.Wrap(cerrors.Validation, "resolve base directory", err)
	}
	realPath := resolveExistingPrefix(absPath)
	realBase := resolveExistingPrefix(absBase)
	if realPath == realBase {
		return true, nil
	}
	return strings.HasPrefix(realPath, realBase+string(filepath.Separator)), nil
}

// resolveExistingPrefix runs EvalSymlinks over the longest prefix of p
// that exists on disk and rejoins the not-yet-created remainder, so a
// path whose final components have not been written yet can still be
// containment-checked against where it will really land.
func resolveExistingPrefix(p string) string {
	suffix := ""
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, suffix)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p
		}
		suffix = filepath.Join(filepath.Base(cur), suffix)
		cur = parent
	}
}

// SanitizeFilename turns an arbitrary string — an operator-supplied
// identifier or one read back from the store — into a string safe to use
// as a single path component. Runs of anything other than ASCII
// letters/digits and ".", "_", "-" collapse to a single underscore,
// leading/trailing delimiter runs are trimmed, and the result is capped
// at 128 bytes. An input that sanitizes to nothing (empty, or pure
// punctuation) becomes "unknown" rather than an empty path component.
func SanitizeFilename(name string) string {
	if name == "" {
		return "unknown"
	}
	var b strings.Builder
	inRun := false
	for _, r := range name {
		if isSafeFilenameRune(r) {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('_')
			inRun = true
		}
	}
	sanitized := strings.Trim(b.String(), "._-")
	if sanitized == "" {
		return "unknown"
	}
	if len(sanitized) > 128 {
		sanitized = sanitized[:128]
	}
	return sanitized
}

func isSafeFilenameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	default:
		return false
	}
}
