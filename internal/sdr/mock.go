package sdr

import (
	"context"
	"math"
	"math/rand"
	"sync"
)

// MockSDR synthesizes a complex tone with additive noise. It produces samples
// as fast as it is asked, so it reports itself as non-realtime.
type MockSDR struct {
	mu    sync.RWMutex
	cfg   Config
	phase float64
	rng   *rand.Rand
}

func NewMock() *MockSDR { return &MockSDR{rng: rand.New(rand.NewSource(1))} }

func (m *MockSDR) Init(_ context.Context, cfg Config) error {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.phase = 0
	m.mu.Unlock()
	return nil
}

func (m *MockSDR) Close() error { return nil }

// SetToneOffset moves the synthesized tone, allowing real-time changes
// during operation.
func (m *MockSDR) SetToneOffset(hz float64) {
	m.mu.Lock()
	m.cfg.ToneOffset = hz
	m.mu.Unlock()
}

// ToneOffset returns the current tone offset.
func (m *MockSDR) ToneOffset() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.ToneOffset
}

func (m *MockSDR) Info() Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.cfg.withDefaults()
	return Info{
		Name:       "mock",
		SampleRate: cfg.SampleRate,
		Frequency:  cfg.Frequency,
		Bandwidth:  cfg.Bandwidth,
		Realtime:   false,
	}
}

// RX returns the next NumSamples of the tone. Phase is continuous across
// calls.
func (m *MockSDR) RX(ctx context.Context) ([]complex64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg.withDefaults()

	n := cfg.NumSamples
	out := make([]complex64, n)
	phaseStep := 2 * math.Pi * cfg.ToneOffset / cfg.SampleRate
	for i := 0; i < n; i++ {
		val := complex(math.Cos(m.phase), math.Sin(m.phase))
		if cfg.NoiseLevel > 0 {
			val += complex(m.rng.NormFloat64()*cfg.NoiseLevel, m.rng.NormFloat64()*cfg.NoiseLevel)
		}
		out[i] = complex64(val)
		m.phase = math.Mod(m.phase+phaseStep, 2*math.Pi)
	}
	return out, nil
}
