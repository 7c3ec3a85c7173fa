package sound

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// loopGap separates iterations so a command that exits at once does not spin.
const loopGap = 250 * time.Millisecond

// CommandPlayer plays the sound by running a local command, e.g.
// ["paplay", "alert.wav"], rerunning it while looping.
type CommandPlayer struct {
	path   string
	args   []string
	logger *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCommandPlayer(command []string, logger *zap.SugaredLogger) (*CommandPlayer, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("sound command is empty")
	}
	path, err := exec.LookPath(command[0])
	if err != nil {
		return nil, fmt.Errorf("sound command %q: %w", command[0], err)
	}
	return &CommandPlayer{
		path:   path,
		args:   command[1:],
		logger: logger,
	}, nil
}

// Play starts the command in the background. Calling Play while already
// playing does nothing.
func (p *CommandPlayer) Play(loop bool, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return nil
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done

	go p.run(ctx, loop, done)
	return nil
}

func (p *CommandPlayer) run(ctx context.Context, loop bool, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		if p.done == done {
			p.cancel()
			p.cancel = nil
			p.done = nil
		}
		p.mu.Unlock()
		close(done)
	}()

	for {
		cmd := exec.CommandContext(ctx, p.path, p.args...)
		if err := cmd.Run(); err != nil && ctx.Err() == nil {
			p.logger.Warnw("sound command failed", "command", p.path, "error", err)
			return
		}
		if !loop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(loopGap):
		}
	}
}

// Stop kills the running command and waits for it to exit.
func (p *CommandPlayer) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Playing reports whether the command loop is active.
func (p *CommandPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}
