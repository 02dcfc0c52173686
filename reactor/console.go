//go:build linux

package reactor

import (
	"bytes"
)

// longest console line kept while waiting for its newline
const maxConsoleLine = 4096

//lineSplitter cut console input into lines, a line may span several reads.
type lineSplitter struct {
	carry []byte
}

func (s *lineSplitter) feed(data []byte, fn func(line string)) {
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			s.carry = append(s.carry, data...)
			if len(s.carry) >= maxConsoleLine {
				s.flush(fn)
			}
			return
		}

		if len(s.carry) > 0 {
			s.carry = append(s.carry, data[:idx]...)
			fn(string(s.carry))
			s.carry = s.carry[:0]
		} else {
			fn(string(data[:idx]))
		}
		data = data[idx+1:]
	}
}

//flush hand out an unterminated tail as the last line.
func (s *lineSplitter) flush(fn func(line string)) {
	if len(s.carry) == 0 {
		return
	}
	line := string(s.carry)
	s.carry = s.carry[:0]
	fn(line)
}
