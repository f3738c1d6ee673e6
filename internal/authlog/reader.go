// Package authlog reads the tail of the SSH authentication log and counts
// failed authentication attempts per source address over a trailing window.
package authlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

const chunkSize = 64 * 1024

// ReadWindow returns up to n of the most recent non-blank lines of path,
// most recent first. Reading stops early at the start of the file.
func ReadWindow(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open auth log: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat auth log: %w", err)
	}
	return readReverse(f, st.Size(), n)
}

// readReverse walks r backwards from size in chunks, splitting on newlines.
func readReverse(r io.ReaderAt, size int64, n int) ([]string, error) {
	out := make([]string, 0, min(n, 1024))
	emit := func(line []byte) {
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			return
		}
		out = append(out, string(line))
	}

	buf := make([]byte, chunkSize)
	// partial holds the start-truncated line carried into the next chunk.
	var partial []byte
	pos := size
	for pos > 0 && len(out) < n {
		step := int64(chunkSize)
		if pos < step {
			step = pos
		}
		pos -= step
		if _, err := r.ReadAt(buf[:step], pos); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read auth log: %w", err)
		}

		chunk := make([]byte, 0, int(step)+len(partial))
		chunk = append(chunk, buf[:step]...)
		chunk = append(chunk, partial...)
		for len(out) < n {
			i := bytes.LastIndexByte(chunk, '\n')
			if i < 0 {
				break
			}
			emit(chunk[i+1:])
			chunk = chunk[:i]
		}
		partial = chunk
	}
	if pos == 0 && len(out) < n && len(partial) > 0 {
		emit(partial)
	}
	return out, nil
}
