package engine

import (
	"time"

	"github.com/23skdu/longbow-tilize/internal/device"
	"github.com/23skdu/longbow-tilize/internal/partition"
)

// QueueResult reports the push into one queue cell.
type QueueResult struct {
	Queue     string           `json:"queue"`
	Cell      int              `json:"cell"`
	Target    device.Target    `json:"target"`
	Entries   int              `json:"entries"`
	WPtr      uint32           `json:"wptr"`
	Published uint32           `json:"published"`
	Threads   int              `json:"threads"`
	Plan      partition.Reason `json:"plan"`
}

type Result struct {
	Session  string        `json:"session"`
	Shuffled bool          `json:"shuffled"`
	Queues   []QueueResult `json:"queues"`
	Duration time.Duration `json:"duration_ns"`
}
