package providers

import (
	"bufio"
	"io"
	"strings"
)

// doneSentinel is the OpenAI-family terminal stream token.
const doneSentinel = "[DONE]"

// sseScanner reads Server-Sent-Events framing off a vendor response body and
// yields the payload of each complete `data:` line. The body arrives in
// arbitrarily-sized chunks and a payload may span a chunk boundary mid-line;
// the underlying bufio.Scanner buffers the trailing partial line across
// reads, so event reassembly is byte-chunking independent.
type sseScanner struct {
	scanner *bufio.Scanner
	done    bool
}

func newSSEScanner(r io.Reader) *sseScanner {
	scanner := bufio.NewScanner(r)
	// Vendor events can exceed the default 64K token limit when a tool-call
	// argument fragment is large.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseScanner{scanner: scanner}
}

// next returns the payload of the next data event. ok is false on graceful
// stream end: EOF, or the vendor's terminal sentinel. A read failure is
// returned as a terminal error.
func (s *sseScanner) next() (payload string, ok bool, err error) {
	if s.done {
		return "", false, nil
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())

		// Blank lines separate events; lines without the data prefix are
		// event-type markers or comments. Neither carries a payload.
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == doneSentinel {
			s.done = true
			return "", false, nil
		}
		if data == "" {
			continue
		}

		return data, true, nil
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return "", false, err
	}
	return "", false, nil
}
