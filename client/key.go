package client

import (
	"context"
	"crypto"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/privsep-go/privsep/internal/plog"
	"github.com/privsep-go/privsep/wire"
)

// Key is the parent-side proxy for a private key held by the daemon. It
// implements crypto.Signer and crypto.Decrypter, so it can be handed to
// anything that expects a normal private key — a tls.Certificate, an SSH
// signer, an x509 CSR builder — without that code ever seeing a private
// exponent. Every method call is a synchronous round trip over pool to the
// key daemon; it corresponds to the RSA_METHOD callbacks
// (rsa_priv_enc/rsa_priv_dec/rsa_sign) that original_source/openssl-privsep.c
// installs into a public-only RSA object.
type Key struct {
	handle uint64
	pool   *Pool
	pub    *rsa.PublicKey

	// onFatal is invoked, instead of returning an error, when the daemon
	// connection itself fails (as opposed to the daemon reporting a
	// crypto failure in-band). The original process simply exits in this
	// situation, since a caller holding a Key has no way to keep going
	// without private-key access; the default here is log.Fatal, and is
	// overridable so tests can observe the failure instead of exiting.
	onFatal func(error)
}

// PublicKey returns the RSA public key backing k.
func (k *Key) PublicKey() *rsa.PublicKey { return k.pub }

// Public implements crypto.Signer.
func (k *Key) Public() crypto.PublicKey { return k.pub }

// Sign implements crypto.Signer by issuing the sign wire command. digest
// must already be the hash of the signed data, matching crypto.Signer's
// contract; opts.HashFunc() selects the NID the daemon uses to pick a
// padding-and-prefix scheme. A nil or zero HashFunc (as used for Ed25519,
// never applicable to an RSA key) is rejected here rather than forwarded.
//
// opts additionally carries the signature scheme: a bare crypto.Hash (or
// any crypto.SignerOpts that isn't *rsa.PSSOptions) asks for PKCS#1 v1.5,
// while *rsa.PSSOptions asks for RSASSA-PSS with its SaltLength — the
// scheme crypto/tls's TLS 1.3 handshake always requests for an RSA
// certificate. Both are threaded over the wire so the daemon, not just
// crypto/rsa in-process, can tell them apart.
func (k *Key) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	nid, ok := wire.NIDForHash(opts.HashFunc())
	if !ok {
		return nil, errors.New("client: unsupported hash algorithm for sign")
	}

	scheme := uint64(wire.SchemePKCS1v15)
	var saltLen int32
	if pssOpts, ok := opts.(*rsa.PSSOptions); ok {
		scheme = wire.SchemePSS
		saltLen = int32(pssOpts.SaltLength)
	}

	var req wire.Buffer
	req.PushString("sign")
	req.PushUint64(nid)
	req.PushBytes(digest)
	req.PushUint64(k.handle)
	req.PushUint64(scheme)
	// saltLen carries rsa.PSSOptions.SaltLength's negative sentinel values
	// (PSSSaltLengthAuto is 0, PSSSaltLengthEqualsHash is -1) two's-complement
	// encoded onto the unsigned wire, the same trick malformedRet uses on
	// the daemon side for -1.
	req.PushUint64(uint64(uint32(saltLen)))
	defer req.Dispose()

	resp, err := k.roundTrip(&req)
	if err != nil {
		return nil, err
	}
	defer resp.Dispose()

	ret, err1 := resp.ShiftUint64()
	sig, err2 := resp.ShiftBytes()
	if err1 != nil || err2 != nil {
		return nil, errors.New("client: malformed sign response")
	}
	if ret != 1 {
		return nil, errors.New("client: daemon reported sign failure")
	}
	// sig aliases resp, which the deferred Dispose scrubs; hand back a copy.
	return append([]byte(nil), sig...), nil
}

// Decrypt implements crypto.Decrypter by issuing the priv_dec wire command
// with the padding implied by opts, mirroring priv_encdec_proxy's own
// dispatch on flen/padding in the original source.
func (k *Key) Decrypt(_ io.Reader, msg []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	padding := wire.PaddingPKCS1
	switch o := opts.(type) {
	case nil:
		// PKCS#1 v1.5 is crypto/rsa's own default when opts is nil.
	case *rsa.PKCS1v15DecryptOptions:
		padding = wire.PaddingPKCS1
	case *rsa.OAEPOptions:
		if len(o.Label) != 0 {
			return nil, errors.New("client: OAEP label is not supported over privsep")
		}
		// The daemon's priv_dec always OAEP-unpads with SHA-1 (see
		// DESIGN.md's Open Question 4); silently decrypting under the
		// wrong hash would corrupt the result instead of failing loudly,
		// so reject any other hash the caller explicitly asked for.
		if o.Hash != 0 && o.Hash != crypto.SHA1 {
			return nil, fmt.Errorf("client: OAEP hash %v is not supported over privsep, only SHA-1", o.Hash)
		}
		padding = wire.PaddingPKCS1OAEP
	default:
		return nil, errors.New("client: unsupported DecrypterOpts type")
	}
	return k.PrivDec(msg, padding)
}

// PrivEnc issues the priv_enc wire command directly: raise `from` to the
// private exponent after applying `padding` (an RSA_PKCS1_PADDING-style
// constant from the wire package). This is a lower-level escape hatch
// beyond crypto.Signer/crypto.Decrypter for callers building a legacy
// signature scheme by hand, exactly what priv_enc exists for in the
// original ENGINE.
func (k *Key) PrivEnc(from []byte, padding int) ([]byte, error) {
	return k.privEncDec("priv_enc", from, padding)
}

// PrivDec issues the priv_dec wire command directly.
func (k *Key) PrivDec(from []byte, padding int) ([]byte, error) {
	return k.privEncDec("priv_dec", from, padding)
}

func (k *Key) privEncDec(cmd string, from []byte, padding int) ([]byte, error) {
	var req wire.Buffer
	req.PushString(cmd)
	req.PushBytes(from)
	req.PushUint64(k.handle)
	req.PushUint64(uint64(padding))
	defer req.Dispose()

	resp, err := k.roundTrip(&req)
	if err != nil {
		return nil, err
	}
	defer resp.Dispose()

	ret, err1 := resp.ShiftUint64()
	to, err2 := resp.ShiftBytes()
	if err1 != nil || err2 != nil {
		return nil, errors.New("client: malformed " + cmd + " response")
	}
	// malformedRet on the daemon side is all-ones, i.e. -1 as int64; any
	// non-length-shaped ret means the operation failed in-band.
	if ret > uint64(k.pub.Size()) {
		return nil, errors.New("client: daemon reported " + cmd + " failure")
	}
	// to aliases resp, which the deferred Dispose scrubs; hand back a copy.
	return append([]byte(nil), to...), nil
}

// roundTrip checks out a connection, writes req, reads the response, and
// returns the connection to the pool (or discards it on error). A
// transport-level failure — as opposed to an in-band error the daemon
// itself reports — calls k.onFatal, since it means privilege separation
// itself is broken: there is no private key to fall back to in-process.
func (k *Key) roundTrip(req *wire.Buffer) (*wire.Buffer, error) {
	c, err := k.pool.Get(context.Background())
	if err != nil {
		k.fatal(err)
		return nil, err
	}
	if err := wire.WriteFrame(c, req); err != nil {
		k.pool.Discard(c)
		k.fatal(err)
		return nil, err
	}
	resp, err := wire.ReadFrame(c)
	if err != nil {
		k.pool.Discard(c)
		k.fatal(err)
		return nil, err
	}
	k.pool.Put(c)
	return resp, nil
}

func (k *Key) fatal(err error) {
	if k.onFatal != nil {
		k.onFatal(err)
		return
	}
	plog.Errorf("client: lost connection to key daemon: %v", err)
	log.Fatalf("client: lost connection to key daemon: %v", err)
}
