package command

import (
	"bytes"
	"strings"
	"sync"
)

// tail is an io.Writer that keeps the last n complete lines written to it.
// A trailing partial line is reported by Lines as the final entry.
type tail struct {
	mu      sync.Mutex
	lines   []string
	size    int
	pos     int
	full    bool
	partial bytes.Buffer
}

func newTail(n int) *tail {
	return &tail{lines: make([]string, n), size: n}
}

func (t *tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial.Write(p)
	for {
		line, err := t.partial.ReadString('\n')
		if err != nil {
			t.partial.Reset()
			t.partial.WriteString(line)
			break
		}
		t.push(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (t *tail) push(line string) {
	t.lines[t.pos] = line
	t.pos = (t.pos + 1) % t.size
	if t.pos == 0 {
		t.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (t *tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	if t.full {
		out = make([]string, 0, t.size+1)
		out = append(out, t.lines[t.pos:]...)
		out = append(out, t.lines[:t.pos]...)
	} else {
		out = make([]string, 0, t.pos+1)
		out = append(out, t.lines[:t.pos]...)
	}
	if t.partial.Len() > 0 {
		out = append(out, t.partial.String())
	}
	return out
}
