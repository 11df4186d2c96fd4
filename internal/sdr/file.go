package sdr

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// FileSource replays a capture file. Mono captures are expanded to complex
// samples with a zero imaginary part.
type FileSource struct {
	mu   sync.Mutex
	cfg  Config
	f    *os.File
	r    *bufio.Reader
	raw  []byte
	eof  bool
	name string
}

func NewFile() *FileSource { return &FileSource{} }

func (s *FileSource) Init(_ context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if cfg.Path == "" {
		return errors.New("file source: empty path")
	}
	f, err := os.Open(cfg.Path)
	if err != nil {
		return fmt.Errorf("file source: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f != nil {
		s.f.Close()
	}
	s.cfg = cfg
	s.f = f
	s.r = bufio.NewReaderSize(f, 1<<16)
	s.raw = make([]byte, cfg.NumSamples*cfg.Format.BytesPerSample())
	s.eof = false
	s.name = filepath.Base(cfg.Path)
	return nil
}

func (s *FileSource) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Name:       s.name,
		SampleRate: s.cfg.SampleRate,
		Frequency:  s.cfg.Frequency,
		Bandwidth:  s.cfg.Bandwidth,
	}
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	s.r = nil
	return err
}

// RX reads up to NumSamples samples. A trailing partial sample is dropped.
// With Loop set the file is rewound at EOF; an empty file still ends the
// stream.
func (s *FileSource) RX(ctx context.Context) ([]complex64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, errors.New("file source: not initialized")
	}
	if s.eof {
		return nil, ErrEndOfStream
	}

	bps := s.cfg.Format.BytesPerSample()
	rewound := false
	for {
		n, err := io.ReadFull(s.r, s.raw)
		n -= n % bps
		if n > 0 {
			return decodeSamples(s.raw[:n], s.cfg.Format), nil
		}
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("file source: %w", err)
		}
		if !s.cfg.Loop || rewound {
			s.eof = true
			return nil, ErrEndOfStream
		}
		if _, err := s.f.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("file source: rewind: %w", err)
		}
		s.r.Reset(s.f)
		rewound = true
	}
}

func decodeSamples(b []byte, format Format) []complex64 {
	bps := format.BytesPerSample()
	out := make([]complex64, len(b)/bps)
	for i := range out {
		p := b[i*bps:]
		switch format {
		case FormatCS16:
			out[i] = iqToComplex(int16(binary.LittleEndian.Uint16(p)), int16(binary.LittleEndian.Uint16(p[2:])))
		case FormatMono:
			out[i] = complex(math.Float32frombits(binary.LittleEndian.Uint32(p)), 0)
		default:
			out[i] = complex(
				math.Float32frombits(binary.LittleEndian.Uint32(p)),
				math.Float32frombits(binary.LittleEndian.Uint32(p[4:])),
			)
		}
	}
	return out
}

const int16Scale = float32(1.0 / 32768.0)

func iqToComplex(i, q int16) complex64 {
	return complex(float32(i)*int16Scale, float32(q)*int16Scale)
}

func floatToInt16(v float32) int16 {
	scaled := v * 32767
	if scaled > 32767 {
		return 32767
	}
	if scaled < -32768 {
		return -32768
	}
	return int16(scaled)
}

// WriteSamples encodes samples to w in the given format. Mono drops the
// imaginary part.
func WriteSamples(w io.Writer, samples []complex64, format Format) error {
	bps := format.BytesPerSample()
	buf := make([]byte, len(samples)*bps)
	for i, v := range samples {
		p := buf[i*bps:]
		switch format {
		case FormatCS16:
			binary.LittleEndian.PutUint16(p, uint16(floatToInt16(real(v))))
			binary.LittleEndian.PutUint16(p[2:], uint16(floatToInt16(imag(v))))
		case FormatMono:
			binary.LittleEndian.PutUint32(p, math.Float32bits(real(v)))
		default:
			binary.LittleEndian.PutUint32(p, math.Float32bits(real(v)))
			binary.LittleEndian.PutUint32(p[4:], math.Float32bits(imag(v)))
		}
	}
	_, err := w.Write(buf)
	return err
}
