// Package sound drives the alert sound. The dispatcher owns the Idle and
// Playing state; players only start and stop the audible output.
package sound

import (
	"errors"
	"time"

	"go.uber.org/zap"
)

// Player is a sound sink. Play starts the sound, looping when loop is set,
// and must stop on its own once timeout elapses even if Stop is never
// called. Stop is idempotent.
type Player interface {
	Play(loop bool, timeout time.Duration) error
	Stop() error
}

// LogPlayer only logs transitions. It is the fallback when no sound
// command or browser client is configured.
type LogPlayer struct {
	logger *zap.SugaredLogger
}

func NewLogPlayer(logger *zap.SugaredLogger) *LogPlayer {
	return &LogPlayer{logger: logger}
}

func (p *LogPlayer) Play(loop bool, timeout time.Duration) error {
	p.logger.Infow("alert sound started", "loop", loop, "timeout", timeout.String())
	return nil
}

func (p *LogPlayer) Stop() error {
	p.logger.Infow("alert sound stopped")
	return nil
}

// Multi fans Play and Stop out to every player. Every player is called
// even when an earlier one fails.
type Multi []Player

func (m Multi) Play(loop bool, timeout time.Duration) error {
	var errs []error
	for _, p := range m {
		if err := p.Play(loop, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Stop() error {
	var errs []error
	for _, p := range m {
		if err := p.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
