// This package is intended to be compiled into a C shared library so that
// non-Go clients (a legacy C application linking against the same
// OpenSSL-privsep ABI this codebase replaces) can drive a privsep
// instance without embedding a Go runtime of their own.
//
// Example compilation command:
// go build -buildmode=c-shared -o privsep.so main.go
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"unsafe"

	"github.com/privsep-go/privsep"
)

// handleTable maps the small integer handles returned across the C
// boundary to live *privsep.Instance/*client.Key values, since cgo export
// functions can only pass primitive types. A real pointer would work too
// (cgo permits passing back a Go pointer as a uintptr) but keeping Go
// values out of C-visible memory entirely is the safer default, so this
// mirrors the daemon's own registry (SPEC_FULL.md component C) rather than
// exporting raw pointers.
type handleTable struct {
	mu   sync.Mutex
	next int32
	inst map[int32]*privsep.Instance
	keys map[int32]*keyHandle
}

type keyHandle struct {
	inst    *privsep.Instance
	signer  crypto.Signer
	decrypt crypto.Decrypter
}

var table = handleTable{
	inst: make(map[int32]*privsep.Instance),
	keys: make(map[int32]*keyHandle),
}

func (t *handleTable) newHandle() int32 {
	t.next++
	return t.next
}

// PrivsepInit starts a key daemon by re-execing daemonBinaryPath and
// returns an instance handle, or -1 on failure.
//
//export PrivsepInit
func PrivsepInit(daemonBinaryPath *C.char) int32 {
	inst, err := privsep.Init(C.GoString(daemonBinaryPath))
	if err != nil {
		return -1
	}
	table.mu.Lock()
	defer table.mu.Unlock()
	h := table.newHandle()
	table.inst[h] = inst
	return h
}

// PrivsepLoadPrivateKeyFile asks the daemon behind instHandle to load the
// PEM RSA private key at keyPath and returns a key handle, or -1 on
// failure.
//
//export PrivsepLoadPrivateKeyFile
func PrivsepLoadPrivateKeyFile(instHandle int32, keyPath *C.char) int32 {
	table.mu.Lock()
	inst, ok := table.inst[instHandle]
	table.mu.Unlock()
	if !ok {
		return -1
	}

	key, err := inst.LoadPrivateKeyFile(C.GoString(keyPath))
	if err != nil {
		return -1
	}

	table.mu.Lock()
	defer table.mu.Unlock()
	h := table.newHandle()
	table.keys[h] = &keyHandle{inst: inst, signer: key, decrypt: key}
	return h
}

// PrivsepSign signs digest (digestLen bytes, already hashed by the
// caller with the SHA-256 algorithm) using the private key behind
// keyHandle, writing the signature into sigHolder (capacity sigHolderLen)
// and returning its length, or 0 on failure.
//
//export PrivsepSign
func PrivsepSign(keyHandle int32, digest *byte, digestLen int, sigHolder *byte, sigHolderLen int) int {
	table.mu.Lock()
	kh, ok := table.keys[keyHandle]
	table.mu.Unlock()
	if !ok {
		return 0
	}

	digestSlice := unsafe.Slice(digest, digestLen)
	signature, err := kh.signer.Sign(rand.Reader, digestSlice, crypto.SHA256)
	if err != nil {
		return 0
	}
	if sigHolderLen < len(signature) {
		return 0
	}
	out := unsafe.Slice(sigHolder, sigHolderLen)
	copy(out, signature)
	return len(signature)
}

// PrivsepDecryptPKCS1 decrypts an RSA_PKCS1_PADDING ciphertext (ctLen
// bytes) using the private key behind keyHandle, writing the plaintext
// into ptHolder (capacity ptHolderLen) and returning its length, or -1 on
// failure.
//
//export PrivsepDecryptPKCS1
func PrivsepDecryptPKCS1(keyHandle int32, ciphertext *byte, ctLen int, ptHolder *byte, ptHolderLen int) int {
	table.mu.Lock()
	kh, ok := table.keys[keyHandle]
	table.mu.Unlock()
	if !ok {
		return -1
	}

	ctSlice := unsafe.Slice(ciphertext, ctLen)
	plaintext, err := kh.decrypt.Decrypt(rand.Reader, ctSlice, &rsa.PKCS1v15DecryptOptions{})
	if err != nil {
		return -1
	}
	if ptHolderLen < len(plaintext) {
		return -1
	}
	out := unsafe.Slice(ptHolder, ptHolderLen)
	copy(out, plaintext)
	return len(plaintext)
}

// PrivsepCloseKey releases a key handle. It does not shut down the
// underlying instance, which may back other keys.
//
//export PrivsepCloseKey
func PrivsepCloseKey(keyHandle int32) {
	table.mu.Lock()
	defer table.mu.Unlock()
	delete(table.keys, keyHandle)
}

// PrivsepClose shuts down the daemon behind instHandle and releases the
// instance handle.
//
//export PrivsepClose
func PrivsepClose(instHandle int32) int {
	table.mu.Lock()
	inst, ok := table.inst[instHandle]
	delete(table.inst, instHandle)
	table.mu.Unlock()
	if !ok {
		return -1
	}
	if err := inst.Close(); err != nil {
		return -1
	}
	return 0
}

func main() {}
