// Package channelizer splits a complex baseband stream into narrower
// channels. Each channel is translated to DC, lowpass filtered and
// decimated before its samples are handed to a callback.
package channelizer

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/multierr"

	"github.com/rjboer/GoSuscan/internal/dsp"
)

var (
	ErrInvalidParams = errors.New("channelizer: invalid channel parameters")
	ErrNoChannel     = errors.New("channelizer: no such channel")
)

const defaultTaps = 63

// Params selects a channel. Fc is the offset from the input center
// frequency and Bw the channel bandwidth, both in Hz.
type Params struct {
	Fc float64
	Bw float64
}

// Callback receives the samples produced by one channel for one Feed call.
// An error is reported by Feed; the other channels still run.
type Callback func(ch *Channel, x []complex64) error

// Channel is one open output of a Tuner.
type Channel struct {
	id      int
	params  Params
	equivFs float64
	nco     *dsp.NCO
	fir     *dsp.FIR
	cb      Callback
	scratch []complex64
	out     []complex64
}

// ID returns the channel identifier within its tuner.
func (c *Channel) ID() int { return c.id }

// Params returns the channel selection.
func (c *Channel) Params() Params { return c.params }

// EquivFs is the channel output sample rate.
func (c *Channel) EquivFs() float64 { return c.equivFs }

// Tuner is a bank of channels fed from one input stream.
type Tuner struct {
	mu       sync.Mutex
	fs       float64
	nextID   int
	channels []*Channel
}

// New creates a tuner for input sampled at fs.
func New(fs float64) (*Tuner, error) {
	if fs <= 0 || math.IsNaN(fs) {
		return nil, fmt.Errorf("%w: sample rate %g", ErrInvalidParams, fs)
	}
	return &Tuner{fs: fs}, nil
}

// SampleRate returns the input sample rate.
func (t *Tuner) SampleRate() float64 { return t.fs }

// OpenChannel adds a channel and returns it.
func (t *Tuner) OpenChannel(p Params, cb Callback) (*Channel, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrInvalidParams)
	}
	if p.Bw <= 0 || p.Bw > t.fs {
		return nil, fmt.Errorf("%w: bandwidth %g outside (0, %g]", ErrInvalidParams, p.Bw, t.fs)
	}
	if math.Abs(p.Fc)+p.Bw/2 > t.fs/2 {
		return nil, fmt.Errorf("%w: channel at %g exceeds Nyquist", ErrInvalidParams, p.Fc)
	}

	decim := int(t.fs / p.Bw)
	if decim < 1 {
		decim = 1
	}
	cutoff := p.Bw / 2 / t.fs

	t.mu.Lock()
	defer t.mu.Unlock()
	ch := &Channel{
		id:      t.nextID,
		params:  p,
		equivFs: t.fs / float64(decim),
		nco:     dsp.NewNCO(dsp.Shift(p.Fc, t.fs)),
		fir:     dsp.NewFIR(dsp.LowpassTaps(cutoff, defaultTaps), decim),
		cb:      cb,
	}
	t.nextID++
	t.channels = append(t.channels, ch)
	return ch, nil
}

// CloseChannel removes ch from the tuner.
func (t *Tuner) CloseChannel(ch *Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, c := range t.channels {
		if c == ch {
			t.channels = append(t.channels[:i], t.channels[i+1:]...)
			return nil
		}
	}
	return ErrNoChannel
}

// ChannelCount returns the number of open channels.
func (t *Tuner) ChannelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// Feed runs x through every open channel. With no channels it returns
// immediately. Callback failures are aggregated.
func (t *Tuner) Feed(x []complex64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.channels) == 0 || len(x) == 0 {
		return nil
	}
	var errs error
	for _, ch := range t.channels {
		ch.scratch = append(ch.scratch[:0], x...)
		ch.nco.Downconvert(ch.scratch)
		ch.out = ch.fir.Feed(ch.scratch, ch.out[:0])
		if len(ch.out) == 0 {
			continue
		}
		if err := ch.cb(ch, ch.out); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("channel %d: %w", ch.id, err))
		}
	}
	return errs
}
