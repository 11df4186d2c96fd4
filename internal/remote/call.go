// Package remote defines what travels between an analyzer server and its
// clients: PDU framing, the call envelope and the message taxonomy.
//
// A payload is a CBOR sequence. The first item is the call type; a CallMessage
// continues with the message type and, for inspector messages, the message
// kind, followed by the body.
package remote

import (
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/rjboer/GoSuscan/internal/growbuf"
)

// CallType identifies the top-level envelope of a payload.
type CallType uint32

const (
	CallNone CallType = iota
	CallAuthInfo
	CallSourceInfo
	CallMessage
	CallReqHalt
	CallInspector
)

func (c CallType) String() string {
	switch c {
	case CallNone:
		return "none"
	case CallAuthInfo:
		return "auth_info"
	case CallSourceInfo:
		return "source_info"
	case CallMessage:
		return "message"
	case CallReqHalt:
		return "req_halt"
	case CallInspector:
		return "inspector"
	}
	return fmt.Sprintf("call(%d)", uint32(c))
}

// MessageType is the analyzer message carried by a CallMessage. Values double
// as mq tags on analyzer output queues.
type MessageType uint32

const (
	MessageSourceInfo MessageType = iota + 1
	MessagePSD
	MessageInspector
	MessageChannel
	MessageEOS
	MessageParams
	MessageReadError
)

func (m MessageType) String() string {
	switch m {
	case MessageSourceInfo:
		return "source_info"
	case MessagePSD:
		return "psd"
	case MessageInspector:
		return "inspector"
	case MessageChannel:
		return "channel"
	case MessageEOS:
		return "eos"
	case MessageParams:
		return "params"
	case MessageReadError:
		return "read_error"
	}
	return fmt.Sprintf("message(%d)", uint32(m))
}

// Kind discriminates inspector messages.
type Kind uint32

const (
	KindOpen Kind = iota
	KindSetID
	KindGetConfig
	KindSetConfig
	KindEstimator
	KindSpectrum
	KindSamples
	KindReset
	KindClose
	KindOrbitReport
	KindWrongHandle
	KindWrongKind
	KindWrongObject
	KindInvalidArgument
	KindSetWatermark
	KindSetBandwidth
	KindSetCorrector
	KindHalt
	KindSetSpectrum
	KindSetEstimator
	KindSetFreq
)

var kindNames = [...]string{
	KindOpen:            "open",
	KindSetID:           "set_id",
	KindGetConfig:       "get_config",
	KindSetConfig:       "set_config",
	KindEstimator:       "estimator",
	KindSpectrum:        "spectrum",
	KindSamples:         "samples",
	KindReset:           "reset",
	KindClose:           "close",
	KindOrbitReport:     "orbit_report",
	KindWrongHandle:     "wrong_handle",
	KindWrongKind:       "wrong_kind",
	KindWrongObject:     "wrong_object",
	KindInvalidArgument: "invalid_argument",
	KindSetWatermark:    "set_watermark",
	KindSetBandwidth:    "set_bandwidth",
	KindSetCorrector:    "set_corrector",
	KindHalt:            "halt",
	KindSetSpectrum:     "set_spectrum",
	KindSetEstimator:    "set_estimator",
	KindSetFreq:         "set_freq",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

var ErrTruncated = errors.New("remote: truncated payload")

// Summary is what Peek can tell about a payload without decoding its body.
type Summary struct {
	Call    CallType
	Message MessageType
	Kind    Kind
	HasKind bool
}

// Peek decodes the envelope prefix of data. data is not modified.
func Peek(data []byte) (Summary, error) {
	var s Summary
	rest, err := cbor.UnmarshalFirst(data, &s.Call)
	if err != nil {
		return s, fmt.Errorf("peek call: %w", err)
	}
	if s.Call != CallMessage {
		return s, nil
	}
	rest, err = cbor.UnmarshalFirst(rest, &s.Message)
	if err != nil {
		return s, fmt.Errorf("peek message type: %w", err)
	}
	if s.Message != MessageInspector {
		return s, nil
	}
	if _, err = cbor.UnmarshalFirst(rest, &s.Kind); err != nil {
		return s, fmt.Errorf("peek inspector kind: %w", err)
	}
	s.HasKind = true
	return s, nil
}

// PeekKind reads the kind prefix of an inspector message body.
func PeekKind(body []byte) (Kind, error) {
	var k Kind
	if _, err := cbor.UnmarshalFirst(body, &k); err != nil {
		return 0, fmt.Errorf("peek kind: %w", err)
	}
	return k, nil
}

// appendItem CBOR-encodes v at the end of w.
func appendItem(w io.Writer, v any) error {
	return cbor.NewEncoder(w).Encode(v)
}

// EncodeBody appends v to buf as one CBOR item.
func EncodeBody(buf *growbuf.Buffer, v any) error {
	return appendItem(buf, v)
}

// EncodeMessageCall appends the envelope for a CallMessage of type mt
// followed by body, which must already be CBOR-encoded.
func EncodeMessageCall(buf *growbuf.Buffer, mt MessageType, body []byte) error {
	if err := appendItem(buf, CallMessage); err != nil {
		return err
	}
	if err := appendItem(buf, mt); err != nil {
		return err
	}
	_, _ = buf.Write(body)
	return nil
}

// EncodeCall appends a bare call type with an optional body item.
func EncodeCall(buf *growbuf.Buffer, call CallType, body any) error {
	if err := appendItem(buf, call); err != nil {
		return err
	}
	if body == nil {
		return nil
	}
	return appendItem(buf, body)
}

// EncodeInspectorMessage appends an inspector message body (kind, then msg)
// as queued on an analyzer output queue under MessageInspector.
func EncodeInspectorMessage(buf *growbuf.Buffer, kind Kind, msg *InspectorMessage) error {
	if err := appendItem(buf, kind); err != nil {
		return err
	}
	return appendItem(buf, msg)
}

// DecodeInspectorMessage parses a body written by EncodeInspectorMessage.
func DecodeInspectorMessage(body []byte) (Kind, *InspectorMessage, error) {
	var kind Kind
	rest, err := cbor.UnmarshalFirst(body, &kind)
	if err != nil {
		return 0, nil, fmt.Errorf("decode kind: %w", err)
	}
	if len(rest) == 0 {
		return kind, nil, ErrTruncated
	}
	msg := &InspectorMessage{}
	if _, err := cbor.UnmarshalFirst(rest, msg); err != nil {
		return kind, nil, fmt.Errorf("decode inspector message: %w", err)
	}
	return kind, msg, nil
}

// DecodeMessageCall splits a full CallMessage payload into its type and body.
func DecodeMessageCall(data []byte) (MessageType, []byte, error) {
	var call CallType
	rest, err := cbor.UnmarshalFirst(data, &call)
	if err != nil {
		return 0, nil, fmt.Errorf("decode call: %w", err)
	}
	if call != CallMessage {
		return 0, nil, fmt.Errorf("remote: expected message call, got %s", call)
	}
	var mt MessageType
	rest, err = cbor.UnmarshalFirst(rest, &mt)
	if err != nil {
		return 0, nil, fmt.Errorf("decode message type: %w", err)
	}
	return mt, rest, nil
}

// DecodeBody decodes a single CBOR item into v.
func DecodeBody(body []byte, v any) error {
	if _, err := cbor.UnmarshalFirst(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
