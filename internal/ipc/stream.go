package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const maxMessage = 64 << 20

// Writer writes messages as JSON lines. It is safe for concurrent use,
// lines of concurrent writers never interleave.
type Writer struct {
	mx sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteCommand(c Command) error {
	b, err := MarshalCommand(c)
	if err != nil {
		return err
	}
	return w.writeLine(b)
}

func (w *Writer) WriteEvent(e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return w.writeLine(b)
}

func (w *Writer) writeLine(b []byte) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	_, err := w.w.Write(append(b, '\n'))
	return err
}

// Reader reads JSON lines. It returns io.EOF once the stream is closed.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessage)
	return &Reader{scanner: scanner}
}

func (r *Reader) next() ([]byte, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ReadCommand returns the next command. A line which can't be decoded is
// reported as ErrMalformed, the following lines can still be read. Any
// other error ends the stream.
func (r *Reader) ReadCommand() (Command, error) {
	line, err := r.next()
	if err != nil {
		return nil, err
	}
	return UnmarshalCommand(line)
}

func (r *Reader) ReadEvent() (Event, error) {
	line, err := r.next()
	if err != nil {
		return Event{}, err
	}
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("%w: decoding event: %w", ErrMalformed, err)
	}
	if e.Kind != KindStarted && e.Kind != KindEvent {
		return Event{}, fmt.Errorf("%w: unknown event kind %q", ErrMalformed, e.Kind)
	}
	return e, nil
}
