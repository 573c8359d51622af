// Package device defines the transport used to reach device queue memory
// and a simulated device that implements it in host memory.
package device

import (
	"errors"
	"fmt"
)

// Target identifies one device memory channel.
type Target struct {
	Device  int `json:"device"`
	Channel int `json:"channel"`
}

func (t Target) String() string {
	return fmt.Sprintf("dev%d/ch%d", t.Device, t.Channel)
}

// Transport is the only point of contact with device I/O.
//
// Store is a memory-mapped write that is visible once it returns. Spill is
// an asynchronous bulk write that becomes visible after the next Fence on
// the same target. ReadU32 reads a little-endian word from device memory.
type Transport interface {
	Store(t Target, addr uint64, data []byte) error
	Spill(t Target, addr uint64, data []byte) error
	ReadU32(t Target, addr uint64) (uint32, error)
	Fence(t Target) error
}

var ErrUnmapped = errors.New("address not mapped")
