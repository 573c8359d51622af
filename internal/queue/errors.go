package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/23skdu/longbow-tilize/internal/device"
)

var ErrTimeout = errors.New("queue backpressure timeout")

// TimeoutError reports a queue that did not drain before the push deadline.
// Nothing past the last published write pointer is visible to the device.
type TimeoutError struct {
	Queue  string
	Target device.Target
	WPtr   uint32
	RPtr   uint32
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("queue %s on %v: no space after %v (wptr=%d rptr=%d)", e.Queue, e.Target, e.Waited, e.WPtr, e.RPtr)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsTimeout reports whether err is a backpressure timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
