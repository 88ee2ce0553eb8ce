package wire

import (
	"bytes"
	"testing"
)

// atom is one of the three wire types, used to describe a mixed sequence of
// pushes in TestBufferRoundTrip.
type atom struct {
	kind  string // "num", "str", or "bytes"
	num   uint64
	str   string
	bytes []byte
}

func TestBufferRoundTrip(t *testing.T) {
	seqs := [][]atom{
		{},
		{{kind: "num", num: 0}},
		{{kind: "num", num: 1<<64 - 1}},
		{{kind: "str", str: ""}},
		{{kind: "str", str: "load_key"}},
		{{kind: "bytes", bytes: nil}},
		{{kind: "bytes", bytes: []byte{}}},
		{{kind: "bytes", bytes: []byte("ciphertext-ish blob")}},
		{
			{kind: "str", str: "priv_enc"},
			{kind: "bytes", bytes: bytes.Repeat([]byte{0x42}, 256)},
			{kind: "num", num: 7},
			{kind: "num", num: 1},
		},
		{
			{kind: "num", num: 1},
			{kind: "num", num: 0},
			{kind: "str", str: "AB"},
			{kind: "str", str: "CD"},
			{kind: "str", str: ""},
		},
	}

	for i, seq := range seqs {
		var b Buffer
		for _, a := range seq {
			switch a.kind {
			case "num":
				b.PushUint64(a.num)
			case "str":
				b.PushString(a.str)
			case "bytes":
				b.PushBytes(a.bytes)
			}
		}

		for j, a := range seq {
			switch a.kind {
			case "num":
				got, err := b.ShiftUint64()
				if err != nil {
					t.Fatalf("seq %d atom %d: ShiftUint64: %v", i, j, err)
				}
				if got != a.num {
					t.Fatalf("seq %d atom %d: got %d, want %d", i, j, got, a.num)
				}
			case "str":
				got, err := b.ShiftString()
				if err != nil {
					t.Fatalf("seq %d atom %d: ShiftString: %v", i, j, err)
				}
				if got != a.str {
					t.Fatalf("seq %d atom %d: got %q, want %q", i, j, got, a.str)
				}
			case "bytes":
				got, err := b.ShiftBytes()
				if err != nil {
					t.Fatalf("seq %d atom %d: ShiftBytes: %v", i, j, err)
				}
				if !bytes.Equal(got, a.bytes) {
					t.Fatalf("seq %d atom %d: got %x, want %x", i, j, got, a.bytes)
				}
			}
		}

		if b.Len() != 0 {
			t.Fatalf("seq %d: %d bytes left over after consuming all atoms", i, b.Len())
		}
	}
}

func TestShiftOnEmptyBufferFails(t *testing.T) {
	var b Buffer
	if _, err := b.ShiftUint64(); err != ErrShortBuffer {
		t.Errorf("ShiftUint64 on empty buffer: got %v, want ErrShortBuffer", err)
	}
	if _, err := b.ShiftBytes(); err != ErrShortBuffer {
		t.Errorf("ShiftBytes on empty buffer: got %v, want ErrShortBuffer", err)
	}
	if _, err := b.ShiftString(); err != ErrNoTerminator {
		t.Errorf("ShiftString on empty buffer: got %v, want ErrNoTerminator", err)
	}
}

func TestShiftBytesTruncatedFails(t *testing.T) {
	var b Buffer
	b.PushUint64(100) // claims 100 bytes follow, but none do
	if _, err := b.ShiftBytes(); err != ErrShortBuffer {
		t.Errorf("ShiftBytes with truncated payload: got %v, want ErrShortBuffer", err)
	}
}

func TestBufferGrowsAcrossDoubling(t *testing.T) {
	var b Buffer
	// initialCapacity is 4096; push enough to force several reallocations
	// and exercise the start/end rebasing in reserve.
	big := bytes.Repeat([]byte{0x99}, initialCapacity*3+17)
	b.PushBytes(big)
	b.PushString("trailer")

	got, err := b.ShiftBytes()
	if err != nil {
		t.Fatalf("ShiftBytes: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("large payload corrupted across growth")
	}
	if s, err := b.ShiftString(); err != nil || s != "trailer" {
		t.Fatalf("ShiftString after large payload: got (%q, %v)", s, err)
	}
}

func TestDisposeScrubsPayload(t *testing.T) {
	var b Buffer
	secret := bytes.Repeat([]byte{0xAB}, 512)
	b.PushBytes(secret)

	// Keep an alias to the backing array from before Dispose to verify
	// scrubbing; this is the only legitimate reason to read a Buffer's
	// storage after Dispose.
	backing := b.data

	b.Dispose()

	for i, v := range backing {
		if v != 0 {
			t.Fatalf("byte %d of disposed buffer still holds %#x, want 0", i, v)
		}
	}
	if b.Len() != 0 || b.data != nil {
		t.Fatalf("Dispose did not reset buffer to zero value: %+v", b)
	}
}

func TestPartialConsumeThenPushCompacts(t *testing.T) {
	var b Buffer
	b.PushString("first")
	b.PushString("second")

	if s, err := b.ShiftString(); err != nil || s != "first" {
		t.Fatalf("ShiftString: got (%q, %v)", s, err)
	}

	// Force enough growth that reserve must rebase start/end.
	b.PushBytes(bytes.Repeat([]byte{0x01}, initialCapacity*2))

	if s, err := b.ShiftString(); err != nil || s != "second" {
		t.Fatalf("ShiftString after growth: got (%q, %v)", s, err)
	}
	if _, err := b.ShiftBytes(); err != nil {
		t.Fatalf("ShiftBytes after growth: %v", err)
	}
	if b.Len() != 0 {
		t.Fatalf("leftover bytes: %d", b.Len())
	}
}
