// Package crypt implements the streaming cipher pipeline. Files are
// encrypted chunk by chunk with XChaCha20-Poly1305 so arbitrarily large
// uploads are processed in bounded memory, and every chunk is authenticated
// before a single plaintext byte is released on the way back out.
//
// Stream layout:
//
//	magic (4 bytes) | nonce prefix (16 bytes) | frame*
//	frame: header (4 bytes BE: bit 31 = final chunk, bits 0..30 = ciphertext length) | ciphertext
//
// The chunk nonce is prefix(16) || counter(7, big-endian) || finalFlag(1).
// The prefix is random per file and the counter strictly increases, so no
// nonce is ever reused across chunks or files under the same key. The final
// flag is bound into the nonce so a truncated stream cannot pass
// verification.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCorruptData is returned when an authentication tag fails to verify or
// the ciphertext stream is malformed or truncated. Data failing this check
// is unrecoverable; callers must not retry.
var ErrCorruptData = errors.New("corrupt ciphertext")

// DefaultChunkSize is the plaintext chunk size used when none is configured.
const DefaultChunkSize = 1 << 20 // 1 MiB

const (
	prefixSize   = 16
	frameHdrSize = 4
	finalFlagBit = uint32(1) << 31
	lenMask      = finalFlagBit - 1

	// maxChunkCiphertext bounds a single frame so a corrupted length field
	// cannot force a huge allocation.
	maxChunkCiphertext = 64 << 20
)

var magic = [4]byte{'S', 'B', 'X', '1'}

// Encryptor reads plaintext from an underlying reader and yields the
// encrypted stream. It implements io.Reader.
type Encryptor struct {
	aead      cipher.AEAD
	src       io.Reader
	chunkSize int

	prefix  [prefixSize]byte
	counter uint64

	out     []byte // encrypted bytes ready to hand out
	next    []byte // plaintext chunk read ahead of the one being sealed
	nextErr error
	started bool
	done    bool
	err     error
}

// NewEncryptor wraps src in an encrypting reader. chunkSize <= 0 selects
// DefaultChunkSize.
func NewEncryptor(key []byte, src io.Reader, chunkSize int) (*Encryptor, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	e := &Encryptor{aead: aead, src: src, chunkSize: chunkSize}
	if _, err := rand.Read(e.prefix[:]); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Encryptor) Read(p []byte) (int, error) {
	for len(e.out) == 0 {
		if e.err != nil {
			return 0, e.err
		}
		if e.done {
			return 0, io.EOF
		}
		if err := e.fill(); err != nil {
			e.err = err
			return 0, err
		}
	}
	n := copy(p, e.out)
	e.out = e.out[n:]
	return n, nil
}

// fill seals the next chunk into e.out.
func (e *Encryptor) fill() error {
	if !e.started {
		e.started = true
		e.out = append(e.out, magic[:]...)
		e.out = append(e.out, e.prefix[:]...)
		e.next, e.nextErr = readChunk(e.src, e.chunkSize)
		if e.nextErr != nil && e.nextErr != io.EOF {
			return e.nextErr
		}
		return nil
	}

	cur := e.next
	curErr := e.nextErr

	final := false
	if curErr == io.EOF {
		final = true
	} else {
		e.next, e.nextErr = readChunk(e.src, e.chunkSize)
		if e.nextErr != nil && e.nextErr != io.EOF {
			return e.nextErr
		}
		final = e.nextErr == io.EOF && len(e.next) == 0
	}

	nonce := e.nonce(final)
	ct := e.aead.Seal(nil, nonce[:], cur, nil)

	hdr := uint32(len(ct))
	if final {
		hdr |= finalFlagBit
	}
	var hdrBuf [frameHdrSize]byte
	binary.BigEndian.PutUint32(hdrBuf[:], hdr)
	e.out = append(e.out, hdrBuf[:]...)
	e.out = append(e.out, ct...)

	e.counter++
	if final {
		e.done = true
	}
	return nil
}

func (e *Encryptor) nonce(final bool) [chacha20poly1305.NonceSizeX]byte {
	return buildNonce(e.prefix, e.counter, final)
}

// Decryptor reads the encrypted stream and yields verified plaintext. The
// first failed tag, truncation, or framing error surfaces as ErrCorruptData
// and no further bytes are released.
type Decryptor struct {
	aead cipher.AEAD
	src  io.Reader

	prefix  [prefixSize]byte
	counter uint64

	plain      []byte
	headerRead bool
	finished   bool
	err        error
}

// NewDecryptor wraps src in a decrypting, verifying reader.
func NewDecryptor(key []byte, src io.Reader) (*Decryptor, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Decryptor{aead: aead, src: src}, nil
}

func (d *Decryptor) Read(p []byte) (int, error) {
	for len(d.plain) == 0 {
		if d.err != nil {
			return 0, d.err
		}
		if d.finished {
			return 0, io.EOF
		}
		if err := d.fill(); err != nil {
			d.err = err
			return 0, err
		}
	}
	n := copy(p, d.plain)
	d.plain = d.plain[n:]
	return n, nil
}

func (d *Decryptor) fill() error {
	if !d.headerRead {
		var hdr [len(magic) + prefixSize]byte
		if _, err := io.ReadFull(d.src, hdr[:]); err != nil {
			return corrupt("short header: %v", err)
		}
		if [4]byte(hdr[:4]) != magic {
			return corrupt("bad magic")
		}
		copy(d.prefix[:], hdr[4:])
		d.headerRead = true
	}

	var hdrBuf [frameHdrSize]byte
	if _, err := io.ReadFull(d.src, hdrBuf[:]); err != nil {
		// EOF before the final chunk means the stream was truncated.
		return corrupt("truncated stream: %v", err)
	}
	hdr := binary.BigEndian.Uint32(hdrBuf[:])
	final := hdr&finalFlagBit != 0
	ctLen := int(hdr & lenMask)
	if ctLen < d.aead.Overhead() || ctLen > maxChunkCiphertext {
		return corrupt("invalid chunk length %d", ctLen)
	}

	ct := make([]byte, ctLen)
	if _, err := io.ReadFull(d.src, ct); err != nil {
		return corrupt("truncated chunk: %v", err)
	}

	nonce := buildNonce(d.prefix, d.counter, final)
	plain, err := d.aead.Open(ct[:0], nonce[:], ct, nil)
	if err != nil {
		return corrupt("tag mismatch on chunk %d", d.counter)
	}
	d.counter++

	if final {
		// Anything after the final chunk is not part of the stream. The
		// probe runs before the chunk's plaintext is buffered so a framing
		// failure here releases nothing.
		var trail [1]byte
		if _, err := io.ReadFull(d.src, trail[:]); err != io.EOF {
			return corrupt("trailing data after final chunk")
		}
		d.finished = true
	}
	d.plain = plain
	return nil
}

// Verify streams the entire ciphertext through tag verification without
// retaining plaintext. It reports ErrCorruptData exactly when a subsequent
// full decryption of the same bytes would.
func Verify(key []byte, src io.Reader) error {
	dec, err := NewDecryptor(key, src)
	if err != nil {
		return err
	}
	_, err = io.Copy(io.Discard, dec)
	return err
}

func buildNonce(prefix [prefixSize]byte, counter uint64, final bool) [chacha20poly1305.NonceSizeX]byte {
	var n [chacha20poly1305.NonceSizeX]byte
	copy(n[:prefixSize], prefix[:])
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	copy(n[prefixSize:prefixSize+7], ctr[1:])
	if final {
		n[chacha20poly1305.NonceSizeX-1] = 1
	}
	return n
}

// readChunk reads up to size bytes. A partial read at end of stream comes
// back with io.EOF alongside the bytes.
func readChunk(r io.Reader, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return buf[:n], err
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptData, fmt.Sprintf(format, args...))
}
