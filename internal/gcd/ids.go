package gcd

import "github.com/google/uuid"

// newLocalCommandID mints an id for a locally-originated command instance,
// distinct from server-assigned Cloud command ids, before any Cloud id is
// ever in play.
func newLocalCommandID() string {
	return "local-" + uuid.NewString()
}
