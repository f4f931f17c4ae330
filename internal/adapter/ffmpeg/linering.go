package ffmpeg

import (
	"bytes"
	"strings"
	"sync"
)

// maxPartial caps an unterminated line; only its tail is kept.
const maxPartial = 4 << 10

// lineRing keeps the last lines written to it. It is used as the stderr of
// the ffmpeg process.
type lineRing struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial []byte
}

func newLineRing(capacity int) *lineRing {
	if capacity < 1 {
		capacity = 20
	}
	return &lineRing{lines: make([]string, capacity)}
}

func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := append(r.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		r.push(string(data[:i]))
		data = data[i+1:]
	}
	if len(data) > maxPartial {
		data = data[len(data)-maxPartial:]
	}
	r.partial = append([]byte(nil), data...)
	return len(p), nil
}

func (r *lineRing) push(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the kept lines oldest first, including an unterminated
// last line.
func (r *lineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	if r.full {
		out = append(out, r.lines[r.next:]...)
	}
	out = append(out, r.lines[:r.next]...)
	if tail := strings.TrimSpace(string(r.partial)); tail != "" {
		out = append(out, tail)
		if len(out) > len(r.lines) {
			out = out[1:]
		}
	}
	return out
}

func (r *lineRing) String() string {
	return strings.Join(r.Lines(), "\n")
}
