package command

import (
	"context"
	"strings"
	"sync"
)

// Fake is an in-memory Runner for tests. It records every invocation and
// answers from Results keyed by the full command line.
type Fake struct {
	mu        sync.Mutex
	Calls     []string
	Results   map[string]error
	Installed map[string]bool
	remaining map[string]int
}

// NewFake returns a Fake where every command succeeds and every tool is
// installed unless configured otherwise.
func NewFake() *Fake {
	return &Fake{
		Results:   make(map[string]error),
		Installed: make(map[string]bool),
		remaining: make(map[string]int),
	}
}

// Fail makes the given command line return err.
func (f *Fake) Fail(cmdline string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results[cmdline] = err
	delete(f.remaining, cmdline)
}

// FailTimes makes the given command line return err for its next n runs.
func (f *Fake) FailTimes(cmdline string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results[cmdline] = err
	f.remaining[cmdline] = n
}

func (f *Fake) Run(_ context.Context, name string, args ...string) (Result, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, cmdline)
	err, ok := f.Results[cmdline]
	if !ok || err == nil {
		return Result{}, nil
	}
	if n, limited := f.remaining[cmdline]; limited {
		if n <= 1 {
			delete(f.Results, cmdline)
			delete(f.remaining, cmdline)
		} else {
			f.remaining[cmdline] = n - 1
		}
	}
	return Result{ExitCode: 1}, err
}

func (f *Fake) Available(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	installed, ok := f.Installed[name]
	return !ok || installed
}

// Invocations returns a copy of the recorded command lines.
func (f *Fake) Invocations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}
