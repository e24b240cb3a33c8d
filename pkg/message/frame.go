package message

import (
	"encoding/binary"
	"io"
)

// StreamWriter wraps an io.Writer to add length-prefix framing.
type StreamWriter struct {
	w io.Writer
}

// NewStreamWriter creates a new stream writer.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

// Write writes a message with a 4-byte little-endian length prefix.
// The prefix and body are written in one call so concurrent writers that
// serialize on the writer never interleave.
func (sw *StreamWriter) Write(frame []byte) (int, error) {
	if len(frame) == 0 {
		return 0, ErrInvalidLengthPrefix
	}
	if len(frame) > MaxMessageSize {
		return 0, ErrMessageTooLong
	}
	return sw.w.Write(EncodeWithLengthPrefix(frame))
}

// WriteEnvelope encodes and writes an envelope with length prefix.
func (sw *StreamWriter) WriteEnvelope(e *Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	_, err = sw.Write(data)
	return err
}

// StreamReader wraps an io.Reader to read length-prefixed frames.
type StreamReader struct {
	r io.Reader
}

// NewStreamReader creates a new stream reader.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r}
}

// Read reads a length-prefixed message from the stream.
// Returns the frame data without the length prefix. io.EOF is returned
// unchanged when the stream ends cleanly between frames.
func (sr *StreamReader) Read() ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(sr.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, err
		}
		return nil, ErrStreamReadFailed
	}

	frameLen := binary.LittleEndian.Uint32(lenBuf[:])
	if frameLen == 0 {
		return nil, ErrInvalidLengthPrefix
	}
	if frameLen > MaxMessageSize {
		return nil, ErrMessageTooLong
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(sr.r, frame); err != nil {
		return nil, ErrStreamReadFailed
	}
	return frame, nil
}

// ReadEnvelope reads and decodes an envelope from the stream.
func (sr *StreamReader) ReadEnvelope() (*Envelope, error) {
	data, err := sr.Read()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// EncodeWithLengthPrefix adds a 4-byte length prefix to frame data.
func EncodeWithLengthPrefix(frame []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(frame))
	binary.LittleEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(frame)))
	copy(buf[LengthPrefixSize:], frame)
	return buf
}
