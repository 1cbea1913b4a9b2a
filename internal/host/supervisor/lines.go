package supervisor

import (
	"bufio"
	"io"
)

const maxLineBytes = 64 * 1024

// readLines calls fn for every line of r. Lines longer than maxLineBytes are
// cut, the rest of the line is discarded.
func readLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReaderSize(r, maxLineBytes)
	var line []byte
	pending := false
	for {
		chunk, isPrefix, err := br.ReadLine()
		if err != nil {
			if pending {
				fn(string(line))
			}
			if err == io.EOF {
				return nil
			}
			return err
		}
		if room := maxLineBytes - len(line); room > 0 {
			if len(chunk) > room {
				chunk = chunk[:room]
			}
			line = append(line, chunk...)
		}
		pending = true
		if !isPrefix {
			fn(string(line))
			line = line[:0]
			pending = false
		}
	}
}
