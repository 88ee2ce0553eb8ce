package daemon

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"math/big"
)

// OpenSSL's RSA padding constants, referenced directly by the priv_enc and
// priv_dec wire commands (spec §4.D). These are the values a TLS stack's
// engine callback is actually invoked with; hardcoding them here is no
// different in kind from hardcoding the NID table in hash.go.
const (
	paddingPKCS1 = 1
	paddingNone  = 3
	paddingOAEP  = 4
)

var (
	errUnsupportedPadding = errors.New("daemon: unsupported padding mode")
	errMessageTooLong     = errors.New("daemon: message too long for key size")
)

// fileKey wraps a PEM-loaded RSA private key. It implements both
// crypto.Signer (via the embedded *rsa.PrivateKey, satisfying the sign
// command) and rawRSA (via PrivEnc/PrivDec below, satisfying priv_enc and
// priv_dec) — the two request shapes spec.md §4.D distinguishes.
type fileKey struct {
	*rsa.PrivateKey
}

// PrivEnc implements the raw RSA_private_encrypt primitive: pad `from`
// per `padding`, then raise it to the private exponent. This is what a
// legacy TLS 1.0/1.1 CertificateVerify or a manual PKCS#1 v1.5 signature
// construction needs and what crypto/rsa deliberately no longer exposes as
// a public API (it removed "private encrypt" from its surface once
// signing moved to SignPKCS1v15). PKCS#1 v1.5 and no-padding are the two
// modes OpenSSL itself accepts here; OAEP is not a valid priv_enc padding.
func (k *fileKey) PrivEnc(from []byte, padding int) ([]byte, error) {
	size := k.PrivateKey.Size()
	switch padding {
	case paddingPKCS1:
		padded, err := pkcs1PadType1(from, size)
		if err != nil {
			return nil, err
		}
		return rsaPrivateRaw(k.PrivateKey, padded), nil
	case paddingNone:
		if len(from) != size {
			return nil, errMessageTooLong
		}
		return rsaPrivateRaw(k.PrivateKey, from), nil
	default:
		return nil, errUnsupportedPadding
	}
}

// PrivDec implements the raw RSA_private_decrypt primitive: raise the
// ciphertext to the private exponent, then remove the padding named by
// `padding`. PKCS#1 v1.5 and OAEP delegate to crypto/rsa's own audited
// unpadding; no-padding returns the raw modular exponentiation result.
func (k *fileKey) PrivDec(from []byte, padding int) ([]byte, error) {
	switch padding {
	case paddingPKCS1:
		return rsa.DecryptPKCS1v15(rand.Reader, k.PrivateKey, from)
	case paddingOAEP:
		return rsa.DecryptOAEP(sha1.New(), rand.Reader, k.PrivateKey, from, nil)
	case paddingNone:
		if len(from) != k.PrivateKey.Size() {
			return nil, errMessageTooLong
		}
		return rsaPrivateRaw(k.PrivateKey, from), nil
	default:
		return nil, errUnsupportedPadding
	}
}

// rsaPrivateRaw performs the textbook RSA private-key operation c^d mod n
// with no padding awareness. crypto/rsa doesn't expose its CRT-accelerated
// path publicly, so this uses the exponent directly; correctness, not
// side-channel hardening, is what priv_enc/priv_dec need on top of it since
// the wire transport (a private Unix socket) is already the trust boundary.
func rsaPrivateRaw(priv *rsa.PrivateKey, in []byte) []byte {
	c := new(big.Int).SetBytes(in)
	m := new(big.Int).Exp(c, priv.D, priv.N)
	out := make([]byte, priv.Size())
	b := m.Bytes()
	copy(out[len(out)-len(b):], b)
	return out
}

// pkcs1PadType1 builds an EMSA-PKCS1-v1_5 "block type 01" padded message:
// 0x00 0x01 0xFF...0xFF 0x00 || data, sized to modulus size k. This is the
// padding RSA_private_encrypt applies under RSA_PKCS1_PADDING.
func pkcs1PadType1(data []byte, k int) ([]byte, error) {
	if len(data) > k-11 {
		return nil, errMessageTooLong
	}
	padded := make([]byte, k)
	padded[1] = 1
	padLen := k - len(data) - 3
	for i := 0; i < padLen; i++ {
		padded[2+i] = 0xff
	}
	padded[2+padLen] = 0
	copy(padded[3+padLen:], data)
	return padded, nil
}
