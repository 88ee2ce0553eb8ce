// Package pkcs11key loads an RSA signing key from a PKCS#11 token and
// exposes it as a crypto.Signer, for the daemon's load_key_pkcs11 command
// (SPEC_FULL.md component K). It is adapted from
// internal/signer/linux/pkcs11/pkcs11.go in this codebase's lineage, pared
// down to what a signing-only key registration needs: this daemon has no
// use for the certificate-chain lookup the original performed, since
// load_key_pkcs11's response carries only the public modulus and exponent,
// the same shape load_key already returns for a PEM-loaded key.
package pkcs11key

import (
	"crypto"
	"crypto/rsa"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/google/go-pkcs11/pkcs11"
)

// ParseHexSlot parses a "0x..."-prefixed or bare hexadecimal slot ID into a
// uint32, as PKCS#11 slot IDs are conventionally written in configuration.
func ParseHexSlot(s string) (uint32, error) {
	stripped := strings.Replace(s, "0x", "", -1)
	v, err := strconv.ParseUint(stripped, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// Key wraps a PKCS#11-backed RSA private key. It implements crypto.Signer,
// which is enough to satisfy the daemon's rawRSA-less registeredKey
// contract for the sign command; it does not implement rawRSA, so
// priv_enc/priv_dec against a Key get the daemon's in-band ret=-1 failure
// (see Open Questions in SPEC_FULL.md), since most tokens do not expose raw padding-controlled RSA operations on
// a signing-only key object.
type Key struct {
	slot   *pkcs11.Slot
	signer crypto.Signer
}

// Load opens module, unlocks slot (given as a "0x..." hex string) with pin,
// and returns the RSA private key object labeled label as a Key.
func Load(module, slotHex, label, pin string) (*Key, error) {
	m, err := pkcs11.Open(module)
	if err != nil {
		return nil, err
	}
	slotID, err := ParseHexSlot(slotHex)
	if err != nil {
		return nil, err
	}
	slot, err := m.Slot(slotID, pkcs11.Options{PIN: pin})
	if err != nil {
		return nil, err
	}

	pubs, err := slot.Objects(pkcs11.Filter{Class: pkcs11.ClassPublicKey, Label: label})
	if err != nil {
		return nil, err
	}
	if len(pubs) == 0 {
		return nil, errors.New("pkcs11key: no public key object with that label")
	}
	pub, err := pubs[0].PublicKey()
	if err != nil {
		return nil, err
	}

	privs, err := slot.Objects(pkcs11.Filter{Class: pkcs11.ClassPrivateKey, Label: label})
	if err != nil {
		return nil, err
	}
	if len(privs) == 0 {
		return nil, errors.New("pkcs11key: no private key object with that label")
	}
	priv, err := privs[0].PrivateKey(pub)
	if err != nil {
		return nil, err
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, errors.New("pkcs11key: private key object does not implement crypto.Signer")
	}
	if _, ok := signer.Public().(*rsa.PublicKey); !ok {
		return nil, errors.New("pkcs11key: key is not RSA")
	}

	return &Key{slot: slot, signer: signer}, nil
}

// Public returns the key's RSA public key.
func (k *Key) Public() crypto.PublicKey {
	return k.signer.Public()
}

// Sign signs digest with the token-resident private key.
func (k *Key) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.signer.Sign(nil, digest, opts)
}

// Close releases the PKCS#11 session.
func (k *Key) Close() error {
	return k.slot.Close()
}
