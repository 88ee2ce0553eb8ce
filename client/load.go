package client

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/privsep-go/privsep/wire"
)

// noSuchHandle mirrors the daemon's sentinel for "load_key failed"; a
// client-side constant of its own rather than an import of internal/daemon,
// since the two sides of a wire protocol only need to agree on the value,
// not share the symbol.
const noSuchHandle = ^uint64(0)

// LoadPrivateKeyFile asks the daemon to load the RSA private key at path
// (a PEM-encoded PKCS#1 or PKCS#8 file the daemon can read but the caller's
// process need not) and returns a Key proxying it. onFatal, if non-nil,
// replaces the default log.Fatal behavior for later transport failures on
// the returned Key.
func LoadPrivateKeyFile(pool *Pool, path string, onFatal func(error)) (*Key, error) {
	var req wire.Buffer
	req.PushString("load_key")
	req.PushString(path)
	defer req.Dispose()

	return sendLoadRequest(pool, &req, onFatal)
}

// LoadPKCS11Key asks the daemon to load an RSA signing key from a PKCS#11
// token. The returned Key answers Sign but returns an error from PrivEnc,
// PrivDec, and Decrypt: see SPEC_FULL.md's Open Questions for why a
// PKCS#11-backed key does not support the raw padding-controlled
// operations privsep otherwise exposes.
func LoadPKCS11Key(pool *Pool, module, slotHex, label, pin string, onFatal func(error)) (*Key, error) {
	var req wire.Buffer
	req.PushString("load_key_pkcs11")
	req.PushString(module)
	req.PushString(slotHex)
	req.PushString(label)
	req.PushString(pin)
	defer req.Dispose()

	return sendLoadRequest(pool, &req, onFatal)
}

func sendLoadRequest(pool *Pool, req *wire.Buffer, onFatal func(error)) (*Key, error) {
	c, err := pool.Get(context.Background())
	if err != nil {
		return nil, fmt.Errorf("client: connecting to key daemon: %w", err)
	}
	if err := wire.WriteFrame(c, req); err != nil {
		pool.Discard(c)
		return nil, fmt.Errorf("client: sending load request: %w", err)
	}
	resp, err := wire.ReadFrame(c)
	if err != nil {
		pool.Discard(c)
		return nil, fmt.Errorf("client: reading load response: %w", err)
	}
	pool.Put(c)
	defer resp.Dispose()

	ok, err1 := resp.ShiftUint64()
	handle, err2 := resp.ShiftUint64()
	eHex, err3 := resp.ShiftString()
	nHex, err4 := resp.ShiftString()
	errMsg, err5 := resp.ShiftString()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return nil, errors.New("client: malformed load response")
	}
	if ok == 0 || handle == noSuchHandle {
		if errMsg == "" {
			errMsg = "key daemon rejected the load request"
		}
		return nil, errors.New("client: " + errMsg)
	}

	e := new(big.Int)
	if _, okParse := e.SetString(eHex, 16); !okParse {
		return nil, errors.New("client: malformed public exponent in load response")
	}
	n := new(big.Int)
	if _, okParse := n.SetString(nHex, 16); !okParse {
		return nil, errors.New("client: malformed modulus in load response")
	}

	return &Key{
		handle:  handle,
		pool:    pool,
		pub:     &rsa.PublicKey{N: n, E: int(e.Int64())},
		onFatal: onFatal,
	}, nil
}
