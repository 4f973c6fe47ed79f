package backend

import "bytes"

// LineBuffer reassembles newline-delimited records from arbitrarily split
// chunks. The trailing partial line is carried over to the next Feed.
type LineBuffer struct {
	pending []byte
}

// Feed appends chunk and returns every line it completed, without the
// terminating newline (or carriage return).
func (b *LineBuffer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	b.pending = append(b.pending, chunk...)

	var lines []string
	for {
		idx := bytes.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(b.pending[:idx], []byte{'\r'})))
		b.pending = b.pending[idx+1:]
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return lines
}

// Flush returns the unterminated remainder, if any, and empties the buffer.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.pending) == 0 {
		return "", false
	}
	rest := string(bytes.TrimSuffix(b.pending, []byte{'\r'}))
	b.pending = nil
	return rest, true
}

// Pending reports the number of buffered bytes awaiting a newline.
func (b *LineBuffer) Pending() int {
	return len(b.pending)
}
