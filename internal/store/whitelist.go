package store

import (
	"fmt"

	"github.com/dsa110/contimg/internal/cerrors"
)

// whitelist maps each call site that composes a dynamic SQL fragment (a
// sort column, a metrics projection) to the fixed set of identifiers it
// may use. Anything not listed here is rejected before it ever reaches a
// query string, so no caller-supplied value is concatenated into SQL
// (spec §7's universal property).
var whitelist = map[string]map[string]bool{
	"queue_list_sort": {
		"created_at":      true,
		"timestamp_iso":   true,
		"state":           true,
		"attempts":        true,
		"completeness":    true,
	},
	"health_snapshot_columns": {
		"state":            true,
		"last_error_class": true,
		"attempts":         true,
	},
}

// ValidateIdentifier rejects value unless it appears in the named
// whitelist, returning a cerrors.Validation error describing the call
// site and the offending value.
func ValidateIdentifier(listName, value string) error {
	allowed, ok := whitelist[listName]
	if !ok {
		return cerrors.New(cerrors.Validation, fmt.Sprintf("store: unknown identifier whitelist %q", listName))
	}
	if !allowed[value] {
		return cerrors.New(cerrors.Validation, fmt.Sprintf("store: %q is not a permitted value for %q", value, listName))
	}
	return nil
}
