package matchmaking

import "github.com/mirko-laruina/four-in-a-row/internal/registry"

// orderedPair returns a and b ordered ascending by identity, the locking
// order every two-user critical section must follow to avoid deadlock
// between concurrently dispatched challenges.
func orderedPair(a, b *registry.User) (first, second *registry.User) {
	if b.Identity < a.Identity {
		return b, a
	}
	return a, b
}

// withPair locks u and peer in ascending identity order, runs fn, and
// unlocks both in reverse. u and peer must be distinct users.
func withPair(u, peer *registry.User, fn func()) {
	first, second := orderedPair(u, peer)
	first.Lock()
	second.Lock()
	defer func() {
		second.Unlock()
		first.Unlock()
	}()
	fn()
}
