package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrame caps a single wire record. Message logs ride the socket in
// ai_prompt_request payloads, so lines can be large.
const maxFrame = 10 * 1024 * 1024

// Reader splits a byte stream into newline-terminated JSON messages.
// Partial lines are buffered until their terminator arrives; empty
// lines are skipped.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r with a frame scanner.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrame)
	return &Reader{scanner: scanner}
}

// Read returns the next message. io.EOF signals a clean end of stream.
func (r *Reader) Read() (*Message, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("parsing frame: %w", err)
		}
		return &msg, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return nil, io.EOF
}

// Writer serializes messages onto a stream, one JSON record per line.
// Safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write frames one message.
func (w *Writer) Write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}
