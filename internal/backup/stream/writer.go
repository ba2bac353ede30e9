// Package stream provides JSON-lines streaming over arbitrary readers and writers.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
)

// Writer streams entities as JSONL.
type Writer struct {
	bw    *bufio.Writer
	enc   *json.Encoder
	count int
}

// NewWriter creates a JSONL writer. Flush must be called once writing is done.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriterSize(w, 64*1024)
	return &Writer{bw: bw, enc: json.NewEncoder(bw)}
}

// Write encodes a single entity as a JSON line.
func (w *Writer) Write(entity any) error {
	// Encode terminates every value with a newline.
	if err := w.enc.Encode(entity); err != nil {
		return err
	}
	w.count++
	return nil
}

// Flush writes any buffered lines to the underlying writer.
func (w *Writer) Flush() error {
	return w.bw.Flush()
}

// Count returns entities written so far.
func (w *Writer) Count() int {
	return w.count
}
