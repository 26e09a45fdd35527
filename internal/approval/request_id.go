package approval

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeRequestID derives a stable identifier from the request text.
// Leading and trailing whitespace is ignored so trivially reformatted
// resubmissions dedup onto the same item.
func ComputeRequestID(description string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(description)))
	return hex.EncodeToString(sum[:])
}
