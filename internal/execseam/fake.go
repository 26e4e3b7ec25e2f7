package execseam

import (
	"context"
	"os"
	"sync"
)

// Fake is an in-memory Runner for tests: it never touches the real OS.
// Scripted outputs are registered by the caller before the code under test
// runs, mirroring the corpus's "parsing is a pure function over a recorded
// transcript" design note (spec.md §9).
type Fake struct {
	mu sync.Mutex

	// RunResults, keyed by the joined "name arg1 arg2...", is consumed by
	// Run.
	RunResults map[string]FakeResult

	// Started records every Start call in order.
	Started []FakeStart

	// next supplies Process instances to hand back from Start, in order;
	// if empty, a fresh no-op FakeProcess is created.
	next []*FakeProcess
}

// FakeResult is a scripted result for Run.
type FakeResult struct {
	Stdout []byte
	Stderr []byte
	Err    error
}

// FakeStart records one Start invocation.
type FakeStart struct {
	Name string
	Args []string
}

// Run implements Runner.
func (f *Fake) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	key := key(name, args)
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.RunResults[key]
	if !ok {
		return nil, nil, nil
	}
	return r.Stdout, r.Stderr, r.Err
}

// Start implements Runner.
func (f *Fake) Start(name string, args ...string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Started = append(f.Started, FakeStart{Name: name, Args: args})

	if len(f.next) > 0 {
		p := f.next[0]
		f.next = f.next[1:]
		return p, nil
	}
	return NewFakeProcess(), nil
}

// QueueProcess arranges for the next Start call to return p.
func (f *Fake) QueueProcess(p *FakeProcess) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = append(f.next, p)
}

func key(name string, args []string) string {
	s := name
	for _, a := range args {
		s += " " + a
	}
	return s
}

// FakeProcess is a scriptable Process.
type FakeProcess struct {
	lines   chan string
	waitErr chan error
	signals chan os.Signal
	pid     int
}

// NewFakeProcess returns a FakeProcess that blocks on Wait until Exit is
// called.
func NewFakeProcess() *FakeProcess {
	return &FakeProcess{
		lines:   make(chan string, 64),
		waitErr: make(chan error, 1),
		signals: make(chan os.Signal, 8),
		pid:     1,
	}
}

// Emit pushes a line of output.
func (p *FakeProcess) Emit(line string) { p.lines <- line }

// Exit causes Wait to return err and closes the output stream.
func (p *FakeProcess) Exit(err error) {
	close(p.lines)
	p.waitErr <- err
}

func (p *FakeProcess) Lines() <-chan string { return p.lines }

func (p *FakeProcess) Wait() error { return <-p.waitErr }

func (p *FakeProcess) Signal(sig os.Signal) error {
	p.signals <- sig
	return nil
}

func (p *FakeProcess) Pid() int { return p.pid }

// Signals drains and returns every signal delivered so far, non-blocking.
func (p *FakeProcess) Signals() []os.Signal {
	var out []os.Signal
	for {
		select {
		case s := <-p.signals:
			out = append(out, s)
		default:
			return out
		}
	}
}
