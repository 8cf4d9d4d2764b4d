// Package wire reads and writes the 10-byte TPM 2.0 command/response
// header: tag (u16 BE) || size (u32 BE) || code (u32 BE) || body. The
// broker never interprets the body; the header types are borrowed from
// github.com/canonical/go-tpm2 so tabd shares vocabulary with the rest of
// the Go TPM ecosystem without depending on that library's transaction
// logic.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	tpm2 "github.com/canonical/go-tpm2"
)

// HeaderSize is the fixed size of a TPM2 command/response header.
const HeaderSize = 10

// DefaultMaxCommandSize is the default maximum accepted command size.
const DefaultMaxCommandSize = 4096

// ResponseCanceled is TPM_RC_CANCELED, the code the broker synthesizes for
// a command it cancels instead of transmitting.
const ResponseCanceled tpm2.ResponseCode = 0x00000099

// ResponseFailure is the generic TPM_RC_FAILURE used when a TCTI error has
// no more specific code to report.
const ResponseFailure tpm2.ResponseCode = 0x00000101

var (
	// ErrTruncatedHeader is returned when fewer than HeaderSize bytes, or
	// fewer than the declared body bytes, could be read before EOF.
	ErrTruncatedHeader = errors.New("wire: truncated command header")
	// ErrUndersizeFrame is returned when the declared size is smaller than
	// the header itself.
	ErrUndersizeFrame = errors.New("wire: declared frame size smaller than header")
	// ErrOversizeFrame is returned when the declared size exceeds the
	// configured maximum.
	ErrOversizeFrame = errors.New("wire: declared frame size exceeds maximum")
)

// Header is the decoded form of a TPM2 command or response header.
type Header struct {
	Tag  tpm2.StructTag
	Size uint32
	Code uint32
}

// ReadCommand reads one framed TPM command from r: a 10-byte header
// followed by Size-HeaderSize body bytes. maxSize bounds the accepted
// declared Size.
func ReadCommand(r io.Reader, maxSize uint32) (header Header, body []byte, err error) {
	return readFrame(r, maxSize)
}

// ReadResponse reads one framed TPM response from r. Used by test harnesses
// that read the broker's output back.
func ReadResponse(r io.Reader, maxSize uint32) (header Header, body []byte, err error) {
	return readFrame(r, maxSize)
}

func readFrame(r io.Reader, maxSize uint32) (Header, []byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, nil, ErrTruncatedHeader
		}
		return Header{}, nil, err
	}

	size := binary.BigEndian.Uint32(hdr[2:6])
	h := Header{
		Tag:  tpm2.StructTag(binary.BigEndian.Uint16(hdr[0:2])),
		Size: size,
		Code: binary.BigEndian.Uint32(hdr[6:10]),
	}

	if size < HeaderSize {
		return h, nil, ErrUndersizeFrame
	}
	if size > maxSize {
		return h, nil, ErrOversizeFrame
	}

	bodyLen := size - HeaderSize
	body := make([]byte, HeaderSize+bodyLen)
	copy(body, hdr[:])
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body[HeaderSize:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return h, nil, ErrTruncatedHeader
			}
			return h, nil, err
		}
	}
	return h, body, nil
}

// WriteFrame writes the full frame buffer (header+body, as produced by
// ReadCommand/ReadResponse) to w, retrying on short writes until complete.
func WriteFrame(w io.Writer, frame []byte) error {
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("wire: write made no progress")
		}
		total += n
	}
	return nil
}

// CancelResponse builds a synthetic response frame that echoes the
// original command's tag but reports ResponseCanceled and an empty body.
func CancelResponse(tag tpm2.StructTag) []byte {
	return rcOnlyFrame(tag, ResponseCanceled)
}

// FailureResponse builds a synthetic response frame reporting rc with an
// empty body, used when the TCTI itself fails.
func FailureResponse(tag tpm2.StructTag, rc tpm2.ResponseCode) []byte {
	return rcOnlyFrame(tag, rc)
}

func rcOnlyFrame(tag tpm2.StructTag, rc tpm2.ResponseCode) []byte {
	frame := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(frame[0:2], uint16(tag))
	binary.BigEndian.PutUint32(frame[2:6], HeaderSize)
	binary.BigEndian.PutUint32(frame[6:10], uint32(rc))
	return frame
}
