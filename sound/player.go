package sound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// FrameSize is the number of registers (0..13) updated by one frame.
const FrameSize = 14

// DefaultFrameRate is the PAL vertical refresh most tracker dumps are
// recorded at.
const DefaultFrameRate = 50

// MaxFrameRate bounds WithFrameRate.
const MaxFrameRate = 1000

// envelope shape value meaning "leave the envelope running"
const envelopeUnchanged byte = 0xFF

// RegisterWriter is implemented by AY3891x.
type RegisterWriter interface {
	WriteRegister(ctx context.Context, reg Register, data byte) error
}

type PlayerOpts struct {
	FrameRate int
}

type PlayerOpt func(*PlayerOpts)

func WithFrameRate(hz int) PlayerOpt {
	return func(o *PlayerOpts) {
		o.FrameRate = hz
	}
}

// Player streams register frames to a chip at a fixed rate. A frame is
// FrameSize bytes in register order; an EnvShapeCycle of 0xFF keeps the
// running envelope instead of restarting it.
type Player struct {
	dev    RegisterWriter
	period time.Duration
}

func NewPlayer(dev RegisterWriter, opts ...PlayerOpt) *Player {
	config := PlayerOpts{FrameRate: DefaultFrameRate}
	for _, opt := range opts {
		opt(&config)
	}
	if config.FrameRate <= 0 {
		config.FrameRate = DefaultFrameRate
	}
	if config.FrameRate > MaxFrameRate {
		config.FrameRate = MaxFrameRate
	}
	return &Player{
		dev:    dev,
		period: time.Second / time.Duration(config.FrameRate),
	}
}

// Play writes frames from r until EOF or until ctx is cancelled. It returns
// the number of frames played. The chip is silenced on return.
func (p *Player) Play(ctx context.Context, r io.Reader) (int, error) {
	defer func() {
		if err := p.Silence(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("could not silence chip", "error", err)
		}
	}()
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	frame := make([]byte, FrameSize)
	played := 0
	for {
		_, err := io.ReadFull(r, frame)
		if errors.Is(err, io.EOF) {
			return played, nil
		}
		if err != nil {
			return played, fmt.Errorf("could not read frame %d: %w", played, err)
		}
		if err := p.WriteFrame(ctx, frame); err != nil {
			return played, err
		}
		played++
		select {
		case <-ctx.Done():
			return played, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WriteFrame writes one frame of registers 0..13.
func (p *Player) WriteFrame(ctx context.Context, frame []byte) error {
	if len(frame) < FrameSize {
		return fmt.Errorf("short frame: %d bytes", len(frame))
	}
	for reg := Register(0); reg < FrameSize; reg++ {
		if reg == EnvShapeCycle && frame[reg] == envelopeUnchanged {
			continue
		}
		if err := p.dev.WriteRegister(ctx, reg, frame[reg]); err != nil {
			return err
		}
	}
	return nil
}

// Silence disables every tone and noise channel and zeroes the amplitudes.
func (p *Player) Silence(ctx context.Context) error {
	if err := p.dev.WriteRegister(ctx, Enable, MixerTonesDisable|MixerNoisesDisable); err != nil {
		return err
	}
	for _, reg := range []Register{AmplitudeA, AmplitudeB, AmplitudeC} {
		if err := p.dev.WriteRegister(ctx, reg, 0); err != nil {
			return err
		}
	}
	return nil
}
