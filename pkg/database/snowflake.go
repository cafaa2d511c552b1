package database

import (
	"sync/atomic"
	"time"
)

// Snowflake generates time-ordered 64-bit message IDs.
//
// Layout: 41 bits milliseconds since epoch | 10 bits worker | 12 bits sequence.
// IDs from one generator are strictly increasing, so ordering by ID is
// ordering by arrival.
type Snowflake struct {
	epoch    int64
	workerID int64
	now      func() int64

	// upper bits: last timestamp, lower sequenceBits: sequence
	state atomic.Int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// messageEpoch is the Snowflake epoch for message IDs
var messageEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewSnowflake creates a generator. Worker IDs outside 0-1023 become 0.
func NewSnowflake(epoch time.Time, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{
		epoch:    epoch.UnixMilli(),
		workerID: workerID,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// NextID returns the next ID without locking
func (s *Snowflake) NextID() int64 {
	for {
		old := s.state.Load()
		last := old >> sequenceBits
		seq := old & sequenceMask

		ts := s.now()
		if ts < last {
			// Clock went backwards; keep counting on the last timestamp
			ts = last
		}

		var next int64
		if ts == last {
			next = (seq + 1) & sequenceMask
			if next == 0 {
				// 4096 IDs in one millisecond; wait for the next one
				for ts <= last {
					ts = s.now()
				}
			}
		}

		if s.state.CompareAndSwap(old, ts<<sequenceBits|next) {
			return (ts-s.epoch)<<timestampShift | s.workerID<<workerIDShift | next
		}
	}
}

// TimeOf recovers the creation time encoded in id
func (s *Snowflake) TimeOf(id int64) time.Time {
	return time.UnixMilli(id>>timestampShift + s.epoch)
}
