// Package supervisor implements C2: spawning a named child program,
// restarting it with a cooldown while a per-child run flag is set, and
// signalling running children by name. It is the direct descendant of
// ap.mcp's runDaemon/singleInstance pair and ap_common/aputil.Child,
// narrowed to the two children bondctl's streaming supervisor needs
// (encoder, bonder). The update orchestrator starts its upgrader through
// execseam directly, not through this package.
package supervisor

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/skyforge-av/bondctl/internal/execseam"
)

// Supervisor owns the set of supervised children, keyed by name.
type Supervisor struct {
	log    *zap.SugaredLogger
	runner execseam.Runner

	mu       sync.Mutex
	children map[string]*child
}

type child struct {
	name     string
	argv     []string
	cooldown time.Duration

	mu      sync.Mutex
	run     bool
	going   bool
	proc    execseam.Process
	cancel  context.CancelFunc
}

// New constructs a Supervisor. runner is the execseam.Runner used to start
// children; pass execseam.OSRunner{} in production.
func New(log *zap.SugaredLogger, runner execseam.Runner) *Supervisor {
	return &Supervisor{
		log:      log,
		runner:   runner,
		children: make(map[string]*child),
	}
}

// Supervise (re)starts the named child under argv[0] with args argv[1:],
// respawning with cooldown between exits, until Stop(name) is called.
// Calling it again for a name whose loop is still running starts no second
// loop: it only replaces argv and cooldown (used from the next respawn on)
// and sets the run flag again. Matches ap.mcp's runDaemon loop, minus the launchOrder/dependency
// bookkeeping bondctl doesn't need (it has exactly two always-independent
// children).
func (s *Supervisor) Supervise(name string, argv []string, cooldown time.Duration) {
	s.mu.Lock()
	c, ok := s.children[name]
	if !ok {
		c = &child{name: name}
		s.children[name] = c
	}
	s.mu.Unlock()

	c.mu.Lock()
	c.argv = argv
	c.cooldown = cooldown
	if c.going {
		c.run = true
		c.mu.Unlock()
		return
	}
	c.going = true
	c.run = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go s.runLoop(ctx, c)
}

// runLoop is the restart loop: launch, wait, sleep cooldown, repeat while
// c.run is true.
func (s *Supervisor) runLoop(ctx context.Context, c *child) {
	for {
		c.mu.Lock()
		if !c.run {
			c.going = false
			c.mu.Unlock()
			return
		}
		argv := c.argv
		cooldown := c.cooldown
		c.mu.Unlock()

		proc, err := s.runner.Start(argv[0], argv[1:]...)
		if err != nil {
			s.log.Errorw("failed to start child", "name", c.name, "error", err)
		} else {
			c.mu.Lock()
			c.proc = proc
			c.mu.Unlock()

			go s.drain(c.name, proc)
			err = proc.Wait()

			c.mu.Lock()
			c.proc = nil
			c.mu.Unlock()

			if err != nil {
				s.log.Warnw("child exited", "name", c.name, "error", err)
			} else {
				s.log.Infow("child exited cleanly", "name", c.name)
			}
		}

		c.mu.Lock()
		run := c.run
		c.mu.Unlock()
		if !run {
			c.mu.Lock()
			c.going = false
			c.mu.Unlock()
			return
		}

		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.going = false
			c.mu.Unlock()
			return
		case <-time.After(cooldown):
		}
	}
}

func (s *Supervisor) drain(name string, p execseam.Process) {
	for line := range p.Lines() {
		s.log.Debugw("child output", "name", name, "line", line)
	}
}

// Stop clears the run flag for name (if it exists), cancels the loop's
// context so an in-progress cooldown sleep is interrupted, and sends
// SIGKILL to the in-flight process.
// Stop is idempotent and safe to call for a name that was never started.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	c, ok := s.children[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.run = false
	proc := c.proc
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if proc != nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
}

// SignalByName delivers sig to the named child if it is currently running.
// Used to ask a running encoder/bonder to re-read its runtime files
// (syscall.SIGHUP) without restarting it.
func (s *Supervisor) SignalByName(name string, sig os.Signal) {
	s.mu.Lock()
	c, ok := s.children[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	proc := c.proc
	c.mu.Unlock()
	if proc != nil {
		_ = proc.Signal(sig)
	}
}
