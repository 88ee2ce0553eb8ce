// Package daemon implements the key-daemon side of the privsep protocol:
// the append-only key registry, the load_key/priv_enc/priv_dec/sign command
// handlers, and the accept loop that serves connections from the parent
// process. It is grounded on the key-table and dispatch logic in
// original_source/openssl-privsep.c's daemon_* functions.
package daemon

import (
	"crypto"
	"sync"
)

// registeredKey is what the registry stores per handle. Every backend
// (file-loaded PEM key, PKCS#11-backed key) implements crypto.Signer, which
// is enough for the sign command. Backends that can also answer raw
// priv_enc/priv_dec additionally implement rawRSA; the registry doesn't
// care which backend it's holding.
type registeredKey interface {
	crypto.Signer
}

// rawRSA is implemented by backends that expose the raw, padding-parameterized
// private-key primitives needed for priv_enc/priv_dec. A PKCS#11-backed key
// that only supports signing does not implement this.
type rawRSA interface {
	PrivEnc(from []byte, padding int) ([]byte, error)
	PrivDec(from []byte, padding int) ([]byte, error)
}

// registry is the process-wide, append-only table of loaded keys. Handles
// are the slice index at insertion time and are never reused, matching
// daemon_set_rsa/daemon_get_rsa in the original source. Operations are rare
// (handshake frequency) and keys are long-lived, so a single coarse mutex
// is correct and simple — there is no case here for a lock-free structure.
type registry struct {
	mu   sync.Mutex
	keys []registeredKey
}

// register appends key and returns its newly assigned handle.
func (r *registry) register(key registeredKey) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle := uint64(len(r.keys))
	r.keys = append(r.keys, key)
	return handle
}

// lookup returns the key at handle, or ok=false if handle is out of range.
func (r *registry) lookup(handle uint64) (registeredKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handle >= uint64(len(r.keys)) {
		return nil, false
	}
	return r.keys[handle], true
}
