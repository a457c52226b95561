// Package routing decides where a normalized point goes (local storage or a
// federated server) and delivers forwarded points in batches.
package routing

import (
	identitydomain "github.com/quietlab/harvest/internal/identity/domain"
)

// Decision is the routing outcome for one point.
type Decision struct {
	Forward     bool
	Destination string
}

// Decide classifies a point by its resolved source: sources configured with
// an upload URL forward, everything else stores locally.
func Decide(ref *identitydomain.SourceReference) Decision {
	if ref != nil && ref.Federated() {
		return Decision{Forward: true, Destination: *ref.UploadURL}
	}
	return Decision{}
}
