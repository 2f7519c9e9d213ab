package crypt

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return key
}

func encryptAll(t *testing.T, key, plaintext []byte, chunkSize int) []byte {
	t.Helper()
	enc, err := NewEncryptor(key, bytes.NewReader(plaintext), chunkSize)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	ct, err := io.ReadAll(enc)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return ct
}

func decryptAll(key, ciphertext []byte) ([]byte, error) {
	dec, err := NewDecryptor(key, bytes.NewReader(ciphertext))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(dec)
}

func TestRoundTrip(t *testing.T) {
	const chunk = 256

	sizes := []int{0, 1, 17, chunk - 1, chunk, chunk + 1, 3 * chunk, 3*chunk + 129}
	for _, size := range sizes {
		key := testKey(t)
		plaintext := make([]byte, size)
		if _, err := rand.Read(plaintext); err != nil {
			t.Fatalf("rand: %v", err)
		}

		ct := encryptAll(t, key, plaintext, chunk)
		got, err := decryptAll(key, ct)
		if err != nil {
			t.Fatalf("size %d: decrypt: %v", size, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestRoundTripDefaultChunkSize(t *testing.T) {
	key := testKey(t)
	plaintext := make([]byte, 3*DefaultChunkSize/2)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("rand: %v", err)
	}

	ct := encryptAll(t, key, plaintext, 0)
	got, err := decryptAll(key, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestCiphertextsDiffer(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("same plaintext twice")

	a := encryptAll(t, key, plaintext, 64)
	b := encryptAll(t, key, plaintext, 64)
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions produced identical streams; nonce prefix not random")
	}
}

func TestTamperEveryByte(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ct := encryptAll(t, key, plaintext, 16)

	for i := range ct {
		mutated := bytes.Clone(ct)
		mutated[i] ^= 0x01
		if err := Verify(key, bytes.NewReader(mutated)); !errors.Is(err, ErrCorruptData) {
			t.Fatalf("flip byte %d: got %v, want ErrCorruptData", i, err)
		}
	}
}

func TestTamperSingleChunkEmitsNothing(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("small payload")
	ct := encryptAll(t, key, plaintext, 1024)

	// Flip a byte inside the ciphertext body, past the header.
	ct[len(ct)-1] ^= 0x80

	dec, err := NewDecryptor(key, bytes.NewReader(ct))
	if err != nil {
		t.Fatalf("NewDecryptor: %v", err)
	}
	got, err := io.ReadAll(dec)
	if !errors.Is(err, ErrCorruptData) {
		t.Fatalf("got %v, want ErrCorruptData", err)
	}
	if len(got) != 0 {
		t.Fatalf("emitted %d unverified plaintext bytes", len(got))
	}
}

func TestTamperLaterChunkFailsClosed(t *testing.T) {
	key := testKey(t)
	plaintext := make([]byte, 4*64)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("rand: %v", err)
	}
	ct := encryptAll(t, key, plaintext, 64)

	// Corrupt the tail of the stream: only chunks verified before the
	// corrupted one may have been released, and the error is terminal.
	ct[len(ct)-1] ^= 0x01
	dec, _ := NewDecryptor(key, bytes.NewReader(ct))
	got, err := io.ReadAll(dec)
	if !errors.Is(err, ErrCorruptData) {
		t.Fatalf("got %v, want ErrCorruptData", err)
	}
	if len(got) >= len(plaintext) {
		t.Fatal("corrupted final chunk was released")
	}
	if !bytes.Equal(got, plaintext[:len(got)]) {
		t.Fatal("released bytes do not match verified prefix")
	}

	// The error must stick on subsequent reads.
	if _, err := dec.Read(make([]byte, 1)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("second read: got %v, want ErrCorruptData", err)
	}
}

func TestTruncatedStream(t *testing.T) {
	key := testKey(t)
	plaintext := make([]byte, 200)
	ct := encryptAll(t, key, plaintext, 64)

	cuts := []int{len(ct) - 1, len(ct) / 2, len(magic) + prefixSize + 2, 3}
	for _, cut := range cuts {
		if err := Verify(key, bytes.NewReader(ct[:cut])); !errors.Is(err, ErrCorruptData) {
			t.Errorf("truncate at %d: got %v, want ErrCorruptData", cut, err)
		}
	}
}

func TestTrailingDataRejected(t *testing.T) {
	key := testKey(t)
	ct := encryptAll(t, key, []byte("payload"), 64)
	ct = append(ct, 0xAA)

	if err := Verify(key, bytes.NewReader(ct)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("got %v, want ErrCorruptData", err)
	}

	// The final chunk's plaintext must not surface once the trailing
	// garbage has been detected, on the failing read or on any later one.
	dec, err := NewDecryptor(key, bytes.NewReader(ct))
	if err != nil {
		t.Fatalf("NewDecryptor: %v", err)
	}
	got, err := io.ReadAll(dec)
	if !errors.Is(err, ErrCorruptData) {
		t.Fatalf("got %v, want ErrCorruptData", err)
	}
	if len(got) != 0 {
		t.Fatalf("emitted %d bytes alongside the framing error", len(got))
	}
	if n, err := dec.Read(make([]byte, 32)); n != 0 || !errors.Is(err, ErrCorruptData) {
		t.Fatalf("later read: n=%d err=%v, want sticky ErrCorruptData", n, err)
	}
}

func TestBadMagic(t *testing.T) {
	key := testKey(t)
	ct := encryptAll(t, key, []byte("payload"), 64)
	ct[0] ^= 0xFF

	if err := Verify(key, bytes.NewReader(ct)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("got %v, want ErrCorruptData", err)
	}
}

func TestWrongKey(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	ct := encryptAll(t, key, []byte("payload"), 64)

	if err := Verify(other, bytes.NewReader(ct)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("got %v, want ErrCorruptData", err)
	}
}

func TestSwappedChunksRejected(t *testing.T) {
	key := testKey(t)
	plaintext := make([]byte, 128)
	ct := encryptAll(t, key, plaintext, 64)

	// Each 64-byte chunk becomes hdr(4) + 64 + tag(16) on the wire.
	const frame = frameHdrSize + 64 + 16
	start := len(magic) + prefixSize
	if len(ct) < start+2*frame {
		t.Fatal("unexpected stream size")
	}
	swapped := bytes.Clone(ct)
	copy(swapped[start:], ct[start+frame:start+2*frame])
	copy(swapped[start+frame:], ct[start:start+frame])

	if err := Verify(key, bytes.NewReader(swapped)); !errors.Is(err, ErrCorruptData) {
		t.Fatalf("got %v, want ErrCorruptData", err)
	}
}

func TestShortReadsFromSource(t *testing.T) {
	key := testKey(t)
	plaintext := make([]byte, 300)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("rand: %v", err)
	}

	enc, err := NewEncryptor(key, oneByteReader{r: bytes.NewReader(plaintext)}, 64)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	ct, err := io.ReadAll(enc)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	dec, err := NewDecryptor(key, oneByteReader{r: bytes.NewReader(ct)})
	if err != nil {
		t.Fatalf("NewDecryptor: %v", err)
	}
	got, err := io.ReadAll(dec)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch over one-byte reads")
	}
}

// oneByteReader delivers at most one byte per Read to exercise partial-read paths.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}
