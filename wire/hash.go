package wire

import "crypto"

// NID constants for the digest algorithms the sign command speaks on the
// wire. These are OpenSSL's own NID_* numbering (nid.h), kept verbatim
// rather than renumbered, since the whole point of a wire protocol is that
// both ends agree on the atoms independent of what either side's crypto
// library calls them internally.
const (
	NIDMD5     = 4
	NIDSHA1    = 64
	NIDMD5SHA1 = 114
	NIDSHA224  = 675
	NIDSHA256  = 672
	NIDSHA384  = 673
	NIDSHA512  = 674
)

// RSA padding constants, again OpenSSL's own numbering (rsa.h), used by
// priv_enc/priv_dec to say how the caller wants the primitive padded.
const (
	PaddingPKCS1     = 1
	PaddingNone      = 3
	PaddingPKCS1OAEP = 4
	PaddingPKCS1PSS  = 6
)

// Signature scheme constants carried by the sign command, alongside the
// digest NID, so the daemon knows whether to produce a PKCS#1 v1.5 or an
// RSASSA-PSS signature. TLS 1.3 requires PSS for RSA certificates, so a
// daemon that only ever produced PKCS#1 v1.5 signatures could never back a
// TLS 1.3 handshake.
const (
	SchemePKCS1v15 = 0
	SchemePSS      = 1
)

var nidToHash = map[uint64]crypto.Hash{
	NIDMD5:     crypto.MD5,
	NIDSHA1:    crypto.SHA1,
	NIDMD5SHA1: crypto.MD5SHA1,
	NIDSHA224:  crypto.SHA224,
	NIDSHA256:  crypto.SHA256,
	NIDSHA384:  crypto.SHA384,
	NIDSHA512:  crypto.SHA512,
}

var hashToNID = map[crypto.Hash]uint64{
	crypto.MD5:     NIDMD5,
	crypto.SHA1:    NIDSHA1,
	crypto.MD5SHA1: NIDMD5SHA1,
	crypto.SHA224:  NIDSHA224,
	crypto.SHA256:  NIDSHA256,
	crypto.SHA384:  NIDSHA384,
	crypto.SHA512:  NIDSHA512,
}

// HashForNID maps a wire NID to the crypto.Hash it names. crypto.MD5SHA1
// is the TLS 1.1-and-earlier signature digest, a raw concatenation rather
// than a real hash function; RSA signing accepts it directly as long as the
// caller supplies the 36-byte digest, which is all sign ever does here.
func HashForNID(nid uint64) (crypto.Hash, bool) {
	h, ok := nidToHash[nid]
	return h, ok
}

// NIDForHash is HashForNID's inverse, used by the client side to translate
// a crypto.SignerOpts.HashFunc() back into the NID the daemon expects.
func NIDForHash(h crypto.Hash) (uint64, bool) {
	nid, ok := hashToNID[h]
	return nid, ok
}
