// Package framing implements the secure length-delimited framing codec: it
// turns a raw duplex byte stream into a reliable, framed, encrypted duplex
// message stream and back.
package framing

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/sammck-go/ppaasstunnel/pkg/apperr"
	"github.com/sammck-go/ppaasstunnel/pkg/cryptutil"
	"github.com/sammck-go/ppaasstunnel/pkg/wire"
)

// MaxFrameSize bounds the decoded length prefix. 16 MiB mirrors the default
// length-delimited-codec frame limit the original implementation relies on.
const MaxFrameSize = 16 * 1024 * 1024

const lengthPrefixSize = 4

// Codec wraps a raw io.ReadWriter (ordinarily a net.Conn) with independent
// per-direction symmetric keys. EncoderKey encrypts frames written through
// WriteFrame; DecoderKey decrypts frames read through ReadFrame. The two
// keys are intentionally asymmetric: the encoder key on one peer must match
// the decoder key on the other.
type Codec struct {
	rw         io.ReadWriter
	r          *bufio.Reader
	EncoderKey wire.Encryption
	DecoderKey wire.Encryption
}

// New constructs a Codec over rw with the given per-direction keys.
func New(rw io.ReadWriter, encoderKey, decoderKey wire.Encryption) *Codec {
	return &Codec{
		rw:         rw,
		r:          bufio.NewReader(rw),
		EncoderKey: encoderKey,
		DecoderKey: decoderKey,
	}
}

// WriteFrame encrypts payload under EncoderKey, prepends a 4-byte
// big-endian length prefix, and writes the resulting frame.
func (c *Codec) WriteFrame(payload []byte) error {
	ciphertext, err := cryptutil.Encrypt(c.EncoderKey, payload)
	if err != nil {
		return apperr.Wrap(apperr.KindFramingEncode, err, "encrypting frame")
	}
	if len(ciphertext) > MaxFrameSize {
		return apperr.Newf(apperr.KindFramingEncode, "frame of %d bytes exceeds max %d", len(ciphertext), MaxFrameSize)
	}
	var lenBuf [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := c.rw.Write(lenBuf[:]); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "writing frame length")
	}
	if _, err := c.rw.Write(ciphertext); err != nil {
		return apperr.Wrap(apperr.KindIO, err, "writing frame body")
	}
	return nil
}

// ReadFrame reads until a full length prefix plus body is buffered, strips
// the prefix, decrypts under DecoderKey, and returns the plaintext frame.
// Partial reads are buffered internally; the caller never sees a truncated
// frame.
func (c *Codec) ReadFrame() ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, apperr.ConnectionExhausted("eof before length prefix")
		}
		return nil, apperr.Wrap(apperr.KindIO, err, "reading frame length")
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrameSize {
		return nil, apperr.Newf(apperr.KindFramingDecode, "frame length %d exceeds max %d", length, MaxFrameSize)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, apperr.ConnectionExhausted("eof within frame body")
		}
		return nil, apperr.Wrap(apperr.KindIO, err, "reading frame body")
	}
	plaintext, err := cryptutil.Decrypt(c.DecoderKey, body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, err, "decrypting frame")
	}
	return plaintext, nil
}
