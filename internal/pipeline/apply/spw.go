package apply

import "github.com/dsa110/contimg/internal/external"

// computeSPWMapping maps each of the target measurement set's targetCount
// spectral windows onto the solution table's sourceCount windows by
// linear proportion. This is the detection-and-mapping step the apply
// worker owns per spec §6.4's Open Question: when the two counts match
// exactly the caller never needs a mapping at all, and this function is
// only invoked once a mismatch is already known to exist.
func computeSPWMapping(targetCount, sourceCount int) external.SPWMapping {
	mapping := make(external.SPWMapping, targetCount)
	if sourceCount <= 0 {
		return mapping
	}
	for i := 0; i < targetCount; i++ {
		mapping[i] = i * sourceCount / targetCount
	}
	return mapping
}
