package inspector

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/rjboer/GoSuscan/internal/remote"
)

// Dispatch applies a client control request. Outcomes, including failures
// the client caused, are reported back as inspector messages on the output
// queue; the returned error is for the caller's logs.
func (f *Factory) Dispatch(req *remote.Request) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidArgument)
	}
	if req.Kind == remote.KindOpen {
		return f.dispatchOpen(req)
	}

	insp, err := f.Lookup(req.Handle)
	if err != nil {
		return f.reply(nil, req, remote.KindWrongHandle, &remote.InspectorMessage{Error: err.Error()}, err)
	}

	switch req.Kind {
	case remote.KindSetID:
		insp.SetID(req.InspectorID)
		return f.reply(insp, req, remote.KindSetID, &remote.InspectorMessage{}, nil)

	case remote.KindGetConfig:
		return f.reply(insp, req, remote.KindGetConfig, &remote.InspectorMessage{Config: insp.GetConfig()}, nil)

	case remote.KindSetConfig:
		if err := insp.SetConfig(Config(req.Config)); err != nil {
			return f.reply(insp, req, configErrorKind(err), &remote.InspectorMessage{Error: err.Error()}, err)
		}
		return f.reply(insp, req, remote.KindSetConfig, &remote.InspectorMessage{Config: req.Config}, nil)

	case remote.KindSetWatermark:
		if err := insp.SetWatermark(int(req.Watermark)); err != nil {
			return f.reply(insp, req, remote.KindInvalidArgument, &remote.InspectorMessage{Error: err.Error()}, err)
		}
		return f.reply(insp, req, remote.KindSetWatermark, &remote.InspectorMessage{Watermark: req.Watermark}, nil)

	case remote.KindSetBandwidth:
		if err := insp.NotifyBandwidth(req.Bandwidth); err != nil {
			return f.reply(insp, req, remote.KindInvalidArgument, &remote.InspectorMessage{Error: err.Error()}, err)
		}
		return nil

	case remote.KindSetFreq:
		insp.SetAbsFreq(req.Frequency)
		return nil

	case remote.KindSetCorrector:
		if req.Disable {
			insp.DisableCorrector()
		} else {
			insp.SetCorrector(FixedCorrector(req.Correction))
		}
		return nil

	case remote.KindSetSpectrum:
		if err := insp.SetSpectrumSource(req.Name); err != nil {
			return f.reply(insp, req, remote.KindInvalidArgument, &remote.InspectorMessage{Error: err.Error()}, err)
		}
		return nil

	case remote.KindSetEstimator:
		if err := insp.SetEstimatorEnabled(req.Name, req.Enabled); err != nil {
			return f.reply(insp, req, remote.KindInvalidArgument, &remote.InspectorMessage{Error: err.Error()}, err)
		}
		return nil

	case remote.KindReset:
		insp.Reset()
		return nil

	case remote.KindHalt:
		return f.Halt(req.Handle)

	case remote.KindClose:
		return f.Close(req.Handle)
	}

	err = fmt.Errorf("%w: unsupported request kind %s", ErrInvalidArgument, req.Kind)
	return f.reply(insp, req, remote.KindWrongKind, &remote.InspectorMessage{Error: err.Error()}, err)
}

func (f *Factory) dispatchOpen(req *remote.Request) error {
	si := SamplingInfo{}
	if req.SamplingInfo != nil {
		si = SamplingInfo{EquivFs: req.SamplingInfo.EquivFs, Bandwidth: req.SamplingInfo.Bandwidth, F0: req.SamplingInfo.F0}
	}
	insp, err := f.Open(req.Class, si, nil)
	if err != nil {
		kind := remote.KindInvalidArgument
		if errors.Is(err, ErrUnknownClass) {
			kind = remote.KindWrongObject
		}
		return f.reply(nil, req, kind, &remote.InspectorMessage{Class: req.Class, Error: err.Error()}, err)
	}
	if req.InspectorID != 0 {
		insp.SetID(req.InspectorID)
		return f.reply(insp, req, remote.KindSetID, &remote.InspectorMessage{}, nil)
	}
	return nil
}

func configErrorKind(err error) remote.Kind {
	if errors.Is(err, ErrInvalidArgument) {
		return remote.KindInvalidArgument
	}
	return remote.KindWrongObject
}

// reply queues a response. cause, when set, is returned wrapped with any
// queueing failure.
func (f *Factory) reply(insp *Inspector, req *remote.Request, kind remote.Kind, msg *remote.InspectorMessage, cause error) error {
	msg.RequestID = req.RequestID
	var err error
	if insp != nil {
		err = insp.send(f.out, kind, msg)
	} else {
		err = f.sendDetached(req, kind, msg)
	}
	return multierr.Append(cause, err)
}

// sendDetached answers a request that has no live inspector behind it.
func (f *Factory) sendDetached(req *remote.Request, kind remote.Kind, msg *remote.InspectorMessage) error {
	if f.out == nil {
		return nil
	}
	stub := &Inspector{handle: req.Handle}
	stub.id.Store(req.InspectorID)
	return stub.send(f.out, kind, msg)
}
