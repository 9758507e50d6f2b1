package conn

import (
	"strings"
)

// Classifier decides whether a connection failure reason indicates stale
// or rejected credentials (recoverable via refresh) rather than a
// transient network condition (left to the transport's own retrying).
type Classifier func(reason string) bool

// credentialMarkers are the substrings the backend is known to include in
// credential failure reasons. The matching is deliberately the documented
// contract: the backend reports these failures as human-readable strings,
// not structured codes.
var credentialMarkers = []string{
	"token",
	"jwt",
	"unauthorized",
	"csrf",
}

// IsCredentialError is the default Classifier.
func IsCredentialError(reason string) bool {
	lower := strings.ToLower(reason)
	for _, marker := range credentialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
