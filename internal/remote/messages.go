package remote

// SourceInfo describes the signal source an analyzer is reading from.
type SourceInfo struct {
	Frequency  float64 `cbor:"1,keyasint"`
	SampleRate float64 `cbor:"2,keyasint"`
	Bandwidth  float64 `cbor:"3,keyasint,omitempty"`
	Timestamp  int64   `cbor:"4,keyasint"`
	Source     string  `cbor:"5,keyasint,omitempty"`
	Realtime   bool    `cbor:"6,keyasint,omitempty"`
}

// PSD is a main-spectrum update.
type PSD struct {
	Frequency  float64   `cbor:"1,keyasint"`
	SampleRate float64   `cbor:"2,keyasint"`
	Timestamp  int64     `cbor:"3,keyasint"`
	Data       []float32 `cbor:"4,keyasint"`
}

// EOS marks the end of the sample stream.
type EOS struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

// ReadError reports a source failure.
type ReadError struct {
	Err string `cbor:"1,keyasint"`
}

// SamplingInfo mirrors the inspector's sampling description on the wire.
type SamplingInfo struct {
	EquivFs   float64 `cbor:"1,keyasint"`
	Bandwidth float64 `cbor:"2,keyasint"`
	F0        float64 `cbor:"3,keyasint"`
}

// EstimatorUpdate carries one estimator reading.
type EstimatorUpdate struct {
	Name  string  `cbor:"1,keyasint"`
	Value float64 `cbor:"2,keyasint"`
	Valid bool    `cbor:"3,keyasint"`
}

// SpectrumUpdate carries one spectrum-source output.
type SpectrumUpdate struct {
	Source  string    `cbor:"1,keyasint"`
	EquivFs float64   `cbor:"2,keyasint"`
	Data    []float32 `cbor:"3,keyasint"`
}

// OrbitReport is the frequency corrector's latest figure.
type OrbitReport struct {
	Correction float64 `cbor:"1,keyasint"`
	Timestamp  int64   `cbor:"2,keyasint"`
}

// InspectorMessage is the body of every inspector message. Which optional
// sections are present depends on the kind.
type InspectorMessage struct {
	InspectorID uint32 `cbor:"1,keyasint"`
	RequestID   uint32 `cbor:"2,keyasint,omitempty"`
	Handle      int32  `cbor:"3,keyasint"`
	Status      int32  `cbor:"4,keyasint,omitempty"`

	Class        string           `cbor:"5,keyasint,omitempty"`
	SamplingInfo *SamplingInfo    `cbor:"6,keyasint,omitempty"`
	Config       map[string]any   `cbor:"7,keyasint,omitempty"`
	Estimator    *EstimatorUpdate `cbor:"8,keyasint,omitempty"`
	Spectrum     *SpectrumUpdate  `cbor:"9,keyasint,omitempty"`
	Orbit        *OrbitReport     `cbor:"11,keyasint,omitempty"`
	Estimators   []string         `cbor:"12,keyasint,omitempty"`
	Spectra      []string         `cbor:"13,keyasint,omitempty"`
	Error        string           `cbor:"14,keyasint,omitempty"`
	Watermark    uint64           `cbor:"15,keyasint,omitempty"`

	// Samples are interleaved I/Q pairs.
	Samples []float32 `cbor:"10,keyasint,omitempty"`
}

// InterleaveIQ flattens complex samples into I/Q pairs.
func InterleaveIQ(x []complex64) []float32 {
	out := make([]float32, 2*len(x))
	for i, v := range x {
		out[2*i] = real(v)
		out[2*i+1] = imag(v)
	}
	return out
}

// DeinterleaveIQ is the inverse of InterleaveIQ. A trailing odd value is ignored.
func DeinterleaveIQ(iq []float32) []complex64 {
	out := make([]complex64, len(iq)/2)
	for i := range out {
		out[i] = complex(iq[2*i], iq[2*i+1])
	}
	return out
}
