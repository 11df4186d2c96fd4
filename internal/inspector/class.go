package inspector

import (
	"fmt"
	"math"

	"github.com/rjboer/GoSuscan/internal/dsp"
)

// Class names accepted by New.
const (
	ClassRaw   = "raw"
	ClassAudio = "audio"
	ClassASK   = "ask"
	ClassFSK   = "fsk"
	ClassPSK   = "psk"
)

// Classes lists the supported demodulator classes.
func Classes() []string {
	return []string{ClassRaw, ClassAudio, ClassASK, ClassFSK, ClassPSK}
}

const prefilterTaps = 31

// demodulator is the per-class processing state. All methods run with the
// inspector instance lock held.
type demodulator interface {
	schema() Schema
	apply(cfg Config)
	setBandwidth(bw float64)
	reset()
	// feed consumes x and hands every output sample to emit. It returns how
	// many input samples were fully processed.
	feed(x []complex64, emit func(complex64) error) (int, error)
}

func newDemodulator(class string, si SamplingInfo) (demodulator, error) {
	switch class {
	case ClassRaw:
		return &rawDemod{gain: 1}, nil
	case ClassAudio:
		return newAudioDemod(si), nil
	case ClassASK, ClassFSK, ClassPSK:
		return newSymbolDemod(class, si), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
}

// schemaFor returns the configuration schema of class without building it.
func schemaFor(class string) (Schema, error) {
	d, err := newDemodulator(class, SamplingInfo{EquivFs: 1, Bandwidth: 1})
	if err != nil {
		return nil, err
	}
	return d.schema(), nil
}

type rawDemod struct {
	gain float32
}

var rawSchema = Schema{
	{Name: "raw.gain", Type: FieldFloat, Default: 1.0, Min: 0, Max: 1e6, Desc: "Linear output gain"},
}

func (d *rawDemod) schema() Schema          { return rawSchema }
func (d *rawDemod) apply(cfg Config)        { d.gain = float32(cfg.Float("raw.gain")) }
func (d *rawDemod) setBandwidth(bw float64) {}
func (d *rawDemod) reset()                  {}

func (d *rawDemod) feed(x []complex64, emit func(complex64) error) (int, error) {
	g := complex(d.gain, 0)
	for i, v := range x {
		if err := emit(v * g); err != nil {
			return i, err
		}
	}
	return len(x), nil
}

// agc keeps a slow running estimate of the input magnitude.
type agc struct {
	level float64
}

func (a *agc) normalize(x complex64) complex64 {
	mag := float64(dsp.Envelope(x))
	if a.level == 0 {
		a.level = mag
	}
	a.level = 0.995*a.level + 0.005*mag
	if a.level < 1e-12 {
		return x
	}
	return x / complex(float32(a.level), 0)
}

type audioDemod struct {
	fs, cutoff, volume, rate float64
	mode                     string

	pre, post *dsp.NCO
	fir       *dsp.FIR
	sampler   *dsp.SymbolSampler
	prev      complex64
	dc        float64
}

var audioSchema = Schema{
	{Name: "audio.demodulator", Type: FieldString, Default: "FM", Choices: []string{"AM", "FM", "USB", "LSB"}, Desc: "Demodulator"},
	{Name: "audio.cutoff", Type: FieldFloat, Default: 15000.0, Min: 1, Max: 1e9, Desc: "Audio lowpass cutoff (Hz)"},
	{Name: "audio.volume", Type: FieldFloat, Default: 1.0, Min: 0, Max: 100, Desc: "Output volume"},
	{Name: "audio.sample-rate", Type: FieldFloat, Default: 44100.0, Min: 1000, Max: 1e7, Desc: "Output sample rate (Hz)"},
}

func newAudioDemod(si SamplingInfo) *audioDemod {
	d := &audioDemod{fs: si.EquivFs}
	d.apply(audioSchema.Defaults())
	return d
}

func (d *audioDemod) schema() Schema { return audioSchema }

func (d *audioDemod) apply(cfg Config) {
	d.mode = cfg.String("audio.demodulator")
	d.cutoff = math.Min(cfg.Float("audio.cutoff"), d.fs/2)
	d.volume = cfg.Float("audio.volume")
	d.rate = cfg.Float("audio.sample-rate")
	d.rebuild()
}

func (d *audioDemod) rebuild() {
	shift := 0.0
	cut := d.cutoff
	switch d.mode {
	case "USB":
		shift, cut = d.cutoff/2, d.cutoff/2
	case "LSB":
		shift, cut = -d.cutoff/2, d.cutoff/2
	}
	d.pre = dsp.NewNCO(dsp.Shift(shift, d.fs))
	d.post = dsp.NewNCO(dsp.Shift(shift, d.fs))
	d.fir = dsp.NewFIR(dsp.LowpassTaps(dsp.Shift(cut, d.fs), 63), 1)
	d.sampler = dsp.NewSymbolSampler(dsp.Shift(d.rate, d.fs))
}

func (d *audioDemod) setBandwidth(bw float64) {}

func (d *audioDemod) reset() {
	d.rebuild()
	d.prev = 0
	d.dc = 0
}

func (d *audioDemod) feed(x []complex64, emit func(complex64) error) (int, error) {
	var one [1]complex64
	var out []complex64
	for i, v := range x {
		one[0] = v
		d.pre.Downconvert(one[:])
		out = d.fir.Feed(one[:], out[:0])
		y := out[0]

		var a float64
		switch d.mode {
		case "AM":
			env := float64(dsp.Envelope(y))
			d.dc = 0.999*d.dc + 0.001*env
			a = env - d.dc
		case "USB", "LSB":
			a = real(complex128(y) * d.post.Next())
		default:
			a = float64(dsp.FMDiscriminate(d.prev, y))
		}
		d.prev = y

		s, ok := d.sampler.Feed(complex(float32(a*d.volume), 0))
		if !ok {
			continue
		}
		if err := emit(s); err != nil {
			return i, err
		}
	}
	return len(x), nil
}

// symbolDemod covers the ASK, FSK and PSK classes. They share the channel
// prefilter, optional AGC and the symbol clock and differ in the
// per-sample detector.
type symbolDemod struct {
	class  string
	fs     float64
	bw     float64
	baud   float64
	bits   int
	useAGC bool

	fir     *dsp.FIR
	gain    agc
	sampler *dsp.SymbolSampler
	prev    complex64
}

func symbolSchema(class string) Schema {
	maxBits := 8.0
	if class == ClassPSK {
		maxBits = 3
	}
	return Schema{
		{Name: "clock.baud", Type: FieldFloat, Default: 1200.0, Min: 0, Max: 1e9, Desc: "Symbol rate (0 disables the clock)"},
		{Name: class + ".bits-per-symbol", Type: FieldInt, Default: int64(1), Min: 1, Max: maxBits, Desc: "Bits per symbol"},
		{Name: "agc.enabled", Type: FieldBool, Default: true, Desc: "Automatic gain control"},
	}
}

func newSymbolDemod(class string, si SamplingInfo) *symbolDemod {
	d := &symbolDemod{class: class, fs: si.EquivFs, bw: si.Bandwidth}
	d.apply(symbolSchema(class).Defaults())
	return d
}

func (d *symbolDemod) schema() Schema { return symbolSchema(d.class) }

func (d *symbolDemod) apply(cfg Config) {
	d.baud = cfg.Float("clock.baud")
	d.bits = cfg.Int(d.class + ".bits-per-symbol")
	d.useAGC = cfg.Bool("agc.enabled")
	d.sampler = dsp.NewSymbolSampler(dsp.Shift(d.baud, d.fs))
	d.rebuildFilter()
}

func (d *symbolDemod) rebuildFilter() {
	if d.bw <= 0 || d.bw >= d.fs {
		d.fir = nil
		return
	}
	d.fir = dsp.NewFIR(dsp.LowpassTaps(d.bw/2/d.fs, prefilterTaps), 1)
}

func (d *symbolDemod) setBandwidth(bw float64) {
	d.bw = bw
	d.rebuildFilter()
}

func (d *symbolDemod) reset() {
	d.gain = agc{}
	d.prev = 0
	if d.fir != nil {
		d.fir.Reset()
	}
	d.sampler = dsp.NewSymbolSampler(dsp.Shift(d.baud, d.fs))
}

func (d *symbolDemod) detect(y complex64) complex64 {
	switch d.class {
	case ClassASK:
		levels := float32(int(1)<<d.bits - 1)
		v := dsp.Envelope(y)
		if levels > 1 {
			v = float32(math.Round(float64(v*levels))) / levels
		}
		return complex(v, 0)
	case ClassFSK:
		f := dsp.FMDiscriminate(d.prev, y)
		d.prev = y
		return complex(f, 0)
	}
	return y
}

func (d *symbolDemod) feed(x []complex64, emit func(complex64) error) (int, error) {
	var one [1]complex64
	var out []complex64
	for i, v := range x {
		y := v
		if d.fir != nil {
			one[0] = v
			out = d.fir.Feed(one[:], out[:0])
			y = out[0]
		}
		if d.useAGC {
			y = d.gain.normalize(y)
		}
		s, ok := d.sampler.Feed(d.detect(y))
		if !ok {
			continue
		}
		if err := emit(s); err != nil {
			return i, err
		}
	}
	return len(x), nil
}
