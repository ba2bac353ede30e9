package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// ErrNoHeader indicates the stream ended before its first line.
var ErrNoHeader = errors.New("stream has no header line")

// maxLine bounds a single JSONL line.
const maxLine = 1 << 20

// LineError is a parse failure on one line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Reader streams entities of type T from a JSONL stream.
type Reader[T any] struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader creates a streaming reader for type T.
func NewReader[T any](r io.Reader) *Reader[T] {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Reader[T]{scanner: scanner}
}

// Header decodes the first non-empty line into v. Call it before All.
func (r *Reader[T]) Header(v any) error {
	line, ok := r.next()
	if !ok {
		if err := r.scanner.Err(); err != nil {
			return err
		}
		return ErrNoHeader
	}
	if err := json.Unmarshal(line, v); err != nil {
		return &LineError{Line: r.line, Err: err}
	}
	return nil
}

// Line returns the number of the last line read.
func (r *Reader[T]) Line() int {
	return r.line
}

func (r *Reader[T]) next() ([]byte, bool) {
	for r.scanner.Scan() {
		r.line++
		if line := r.scanner.Bytes(); len(line) > 0 {
			return line, true
		}
	}
	return nil, false
}

// All returns an iterator over the remaining entities. A malformed line yields
// a *LineError and iteration continues with the next line.
func (r *Reader[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			line, ok := r.next()
			if !ok {
				break
			}

			var entity T
			if err := json.Unmarshal(line, &entity); err != nil {
				var zero T
				if !yield(zero, &LineError{Line: r.line, Err: err}) {
					return
				}
				continue
			}
			if !yield(entity, nil) {
				return
			}
		}

		if err := r.scanner.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}
