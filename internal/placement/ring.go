// Package placement decides which node owns each session and supervises
// the session runtimes this node owns.
package placement

import (
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Owner picks the owning node for a session by rendezvous (highest random
// weight) hashing: every node scores the session and the highest score
// wins. Each membership change only moves the sessions whose winner
// disappeared, so a node leaving reshuffles 1/n of the keyspace rather
// than all of it. Returns "" when members is empty.
func Owner(members []string, sessionID uuid.UUID) string {
	var (
		best      string
		bestScore uint64
	)
	id := sessionID.String()
	for _, m := range members {
		score := xxhash.Sum64String(m + "|" + id)
		if best == "" || score > bestScore || (score == bestScore && m > best) {
			best = m
			bestScore = score
		}
	}
	return best
}
