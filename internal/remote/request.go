package remote

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/rjboer/GoSuscan/internal/growbuf"
)

// Request is an inbound inspector control request (CallInspector).
type Request struct {
	Kind        Kind           `cbor:"1,keyasint"`
	Handle      int32          `cbor:"2,keyasint"`
	RequestID   uint32         `cbor:"3,keyasint,omitempty"`
	InspectorID uint32         `cbor:"4,keyasint,omitempty"`
	Class       string         `cbor:"5,keyasint,omitempty"`
	Config      map[string]any `cbor:"6,keyasint,omitempty"`
	Watermark   uint64         `cbor:"7,keyasint,omitempty"`
	Bandwidth   float64        `cbor:"8,keyasint,omitempty"`
	Frequency   float64        `cbor:"9,keyasint,omitempty"`
	// Name selects a spectrum source or estimator.
	Name    string `cbor:"10,keyasint,omitempty"`
	Enabled bool   `cbor:"11,keyasint,omitempty"`
	// Correction is a fixed frequency offset in Hz for KindSetCorrector;
	// Disable removes the corrector instead.
	Correction float64 `cbor:"12,keyasint,omitempty"`
	Disable    bool    `cbor:"13,keyasint,omitempty"`

	SamplingInfo *SamplingInfo `cbor:"14,keyasint,omitempty"`
}

// EncodeRequest appends a full CallInspector payload.
func EncodeRequest(buf *growbuf.Buffer, req *Request) error {
	return EncodeCall(buf, CallInspector, req)
}

// DecodeRequest parses a payload written by EncodeRequest.
func DecodeRequest(data []byte) (*Request, error) {
	var call CallType
	rest, err := cbor.UnmarshalFirst(data, &call)
	if err != nil {
		return nil, fmt.Errorf("decode call: %w", err)
	}
	if call != CallInspector {
		return nil, fmt.Errorf("remote: expected inspector call, got %s", call)
	}
	if len(rest) == 0 {
		return nil, ErrTruncated
	}
	req := &Request{}
	if _, err := cbor.UnmarshalFirst(rest, req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}
