// Package ingest accepts host tensors over Arrow Flight and pushes them
// through the engine.
//
// A DoPut stream carries one tensor as records of the schema built by
// tensor.Schema. The flight descriptor names the target queue families:
// either as a path, one family per element, or as a command holding a
// JSON Request. The server answers with one PutResult whose metadata is
// the JSON engine.Result.
package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	json "github.com/goccy/go-json"

	"github.com/23skdu/longbow-tilize/internal/engine"
)

var ErrBadDescriptor = errors.New("bad flight descriptor")

// Request selects queue families and push options for one tensor.
type Request struct {
	Queues   []string               `json:"queues"`
	Timeout  time.Duration          `json:"timeout,omitempty"`
	RAMSlot  int                    `json:"ram_slot,omitempty"`
	Offline  bool                   `json:"offline,omitempty"`
	Truncate bool                   `json:"truncate,omitempty"`
	Shuffle  *engine.ShuffleOptions `json:"shuffle,omitempty"`
}

func (r Request) options(defaultTimeout time.Duration) engine.PushOptions {
	opt := engine.PushOptions{
		Timeout:  r.Timeout,
		RAMSlot:  r.RAMSlot,
		Offline:  r.Offline,
		Truncate: r.Truncate,
		Shuffle:  r.Shuffle,
	}
	if opt.Timeout == 0 {
		opt.Timeout = defaultTimeout
	}
	return opt
}

// Descriptor encodes r as a flight descriptor. Requests that only name
// queues use a path descriptor.
func (r Request) Descriptor() (*flight.FlightDescriptor, error) {
	if r.Timeout == 0 && r.RAMSlot == 0 && !r.Offline && !r.Truncate && r.Shuffle == nil {
		return &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: r.Queues}, nil
	}
	cmd, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd}, nil
}

// ParseDescriptor decodes the request carried by d.
func ParseDescriptor(d *flight.FlightDescriptor) (Request, error) {
	var r Request
	if d == nil {
		return r, fmt.Errorf("%w: missing", ErrBadDescriptor)
	}
	switch d.Type {
	case flight.DescriptorPATH:
		r.Queues = d.Path
	case flight.DescriptorCMD:
		if err := json.Unmarshal(d.Cmd, &r); err != nil {
			return r, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
		}
	default:
		return r, fmt.Errorf("%w: type %v", ErrBadDescriptor, d.Type)
	}
	if len(r.Queues) == 0 {
		return r, fmt.Errorf("%w: no queues named", ErrBadDescriptor)
	}
	return r, nil
}
