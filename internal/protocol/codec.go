package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize bounds one encoded message. Tree dumps and console buffers are the
// largest payloads; binary artifacts never travel over the socket.
const MaxMessageSize = 64 * 1024 * 1024

// ErrMessageTooLarge is returned when a peer sends a line longer than MaxMessageSize.
var ErrMessageTooLarge = errors.New("protocol message exceeds size limit")

// WriteMessage encodes v as a single newline-terminated JSON line.
func WriteMessage(w io.Writer, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Reader decodes newline-delimited JSON messages from a stream.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	return &Reader{scanner: scanner}
}

// Read decodes the next line into v. It returns io.EOF when the peer closed the
// stream before sending anything.
func (r *Reader) Read(v any) error {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			if errors.Is(err, bufio.ErrTooLong) {
				return ErrMessageTooLarge
			}
			return fmt.Errorf("read message: %w", err)
		}
		return io.EOF
	}
	if err := json.Unmarshal(r.scanner.Bytes(), v); err != nil {
		return Errorf(KindBadRequest, "decode message: %v", err)
	}
	return nil
}
