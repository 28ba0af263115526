package transport

import (
	"errors"

	"spectra/internal/graph"
	"spectra/internal/log"
)

// Transport publishes spectrum frames to some sink.
// Implementations must be safe for concurrent use.
type Transport interface {
	Send(frame graph.Frame) error
	Close() error
}

// FanOut delivers each frame to every attached transport. Send failures
// are logged and absorbed; a flaky sink must not stall the tick loop.
type FanOut struct {
	transports []Transport
}

// NewFanOut returns a consumer over the given transports.
func NewFanOut(transports ...Transport) *FanOut {
	return &FanOut{transports: transports}
}

// Deliver implements graph.Consumer.
func (f *FanOut) Deliver(frame graph.Frame) error {
	for _, t := range f.transports {
		if err := t.Send(frame); err != nil {
			log.Errorf("transport: send failed: %v", err)
		}
	}
	return nil
}

// Close shuts down every attached transport.
func (f *FanOut) Close() error {
	var errs []error
	for _, t := range f.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ graph.Consumer = (*FanOut)(nil)
