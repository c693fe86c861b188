// Package subband parses the DSA-110 sub-band visibility file naming
// scheme and its companion header, the one piece of domain-specific input
// parsing the file observer delegates to rather than doing inline (spec
// §4.3). Filenames look like "20260301T000000_sb07.hdf5"; each carries a
// companion header file "<same-stem>.hdr.json" holding the fields the
// filename does not: pointing declination, and the timestamp again as a
// cross-check.
package subband

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the on-disk filename timestamp format.
const TimestampLayout = "20060102T150405"

var filenamePattern = regexp.MustCompile(`^(\d{8}T\d{6})_(sb\d{2})\.hdf5$`)

// Parsed is the (timestamp, subband_code, pointing_dec_deg) triple the
// file observer needs from one sub-band file.
type Parsed struct {
	Path           string
	Timestamp      time.Time
	SubbandCode    string
	PointingDecDeg float64
}

// header is the on-disk shape of the "<stem>.hdr.json" sidecar.
type header struct {
	TimestampISO   string  `json:"timestamp_iso"`
	PointingDecDeg float64 `json:"pointing_dec_deg"`
}

// Parse extracts the (timestamp, subband_code, pointing_dec_deg) triple
// for the file at path from its filename and header sidecar. Any failure
// to match the naming scheme, read the sidecar, or parse either timestamp
// is reported as an error — callers record such files as corrupt rather
// than panicking or silently skipping them (spec §4.3).
func Parse(path string) (Parsed, error) {
	base := filepath.Base(path)
	m := filenamePattern.FindStringSubmatch(base)
	if m == nil {
		return Parsed{}, fmt.Errorf("subband: %q does not match the sub-band naming scheme", base)
	}

	ts, err := time.Parse(TimestampLayout, m[1])
	if err != nil {
		return Parsed{}, fmt.Errorf("subband: parse filename timestamp %q: %w", m[1], err)
	}
	ts = ts.UTC()

	hdr, err := readHeader(path)
	if err != nil {
		return Parsed{}, fmt.Errorf("subband: read header for %q: %w", base, err)
	}

	hdrTime, err := time.Parse(time.RFC3339, hdr.TimestampISO)
	if err != nil {
		return Parsed{}, fmt.Errorf("subband: parse header timestamp %q: %w", hdr.TimestampISO, err)
	}
	if !hdrTime.UTC().Equal(ts) {
		return Parsed{}, fmt.Errorf("subband: filename timestamp %s disagrees with header timestamp %s", ts, hdrTime.UTC())
	}

	return Parsed{
		Path:           path,
		Timestamp:      ts,
		SubbandCode:    m[2],
		PointingDecDeg: hdr.PointingDecDeg,
	}, nil
}

func readHeader(dataPath string) (header, error) {
	stem := strings.TrimSuffix(dataPath, filepath.Ext(dataPath))
	hdrPath := stem + ".hdr.json"

	data, err := os.ReadFile(hdrPath)
	if err != nil {
		return header{}, err
	}
	var hdr header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return header{}, err
	}
	return hdr, nil
}

// IsSubbandFile reports whether base (a file base name) matches the
// naming scheme, used by the bootstrap scan to filter directory entries
// before attempting a full Parse.
func IsSubbandFile(base string) bool {
	return filenamePattern.MatchString(base)
}
