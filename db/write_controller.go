// write_controller.go implements WriteController for managing write stalling.
//
// Write stalling prevents the database from being overwhelmed when the
// memtable or L0 file count grows faster than it can be drained. It has
// three states:
//   - Normal: Writes proceed at full speed
//   - Delayed: Writes are slowed down (backpressure)
//   - Stopped: Writes are blocked until the condition clears
//
// Reference: RocksDB v10.7.5 db/write_controller.h
package db

import (
	"sync"
	"time"
)

// WriteStallCondition describes the current write stall condition.
type WriteStallCondition int

const (
	// WriteStallConditionNormal means no stall.
	WriteStallConditionNormal WriteStallCondition = iota
	// WriteStallConditionDelayed means writes are delayed.
	WriteStallConditionDelayed
	// WriteStallConditionStopped means writes are stopped.
	WriteStallConditionStopped
)

var writeStallConditionNames = [...]string{"normal", "delayed", "stopped"}

// String returns a human-readable description of the condition.
func (c WriteStallCondition) String() string {
	if c < 0 || int(c) >= len(writeStallConditionNames) {
		return "unknown"
	}
	return writeStallConditionNames[c]
}

// WriteStallCause indicates why writes are being stalled.
type WriteStallCause int

const (
	// WriteStallCauseNone means no stall.
	WriteStallCauseNone WriteStallCause = iota
	// WriteStallCauseMemtableLimit means too many unflushed memtables.
	WriteStallCauseMemtableLimit
	// WriteStallCauseL0FileCountLimit means too many L0 files.
	WriteStallCauseL0FileCountLimit
)

var writeStallCauseNames = [...]string{"none", "memtable_limit", "l0_file_count_limit"}

// String returns a human-readable description of the stall cause.
func (c WriteStallCause) String() string {
	if c < 0 || int(c) >= len(writeStallCauseNames) {
		return "unknown"
	}
	return writeStallCauseNames[c]
}

// stallState bundles the fields that change together under the controller's
// lock, so a snapshot of the current stall situation is always taken as a
// single unit rather than field-by-field.
type stallState struct {
	condition WriteStallCondition
	cause     WriteStallCause

	delayedWriteRate uint64

	// closed short-circuits MaybeStallWrite during shutdown so blocked
	// writers are not left waiting forever.
	closed bool

	totalStopped uint64
	totalDelayed uint64
}

// WriteController manages write stalling so that writers don't outrun the
// rate at which the memtable and L0 files are being drained.
type WriteController struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state stallState
}

// NewWriteController creates a write controller in the Normal condition.
func NewWriteController() *WriteController {
	wc := &WriteController{
		state: stallState{
			condition:        WriteStallConditionNormal,
			cause:            WriteStallCauseNone,
			delayedWriteRate: 16 * 1024 * 1024, // 16 MB/s default
		},
	}
	wc.cond = sync.NewCond(&wc.mu)
	return wc
}

// GetStallCondition returns the current stall condition and cause.
func (wc *WriteController) GetStallCondition() (WriteStallCondition, WriteStallCause) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.state.condition, wc.state.cause
}

// SetStallCondition updates the stall condition, waking any writers blocked
// in MaybeStallWrite if the new condition is no longer Stopped.
func (wc *WriteController) SetStallCondition(condition WriteStallCondition, cause WriteStallCause) {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	prev := wc.state.condition
	wc.state.condition = condition
	wc.state.cause = cause

	if prev == WriteStallConditionStopped && condition != WriteStallConditionStopped {
		wc.cond.Broadcast()
	}

	switch condition {
	case WriteStallConditionStopped:
		wc.state.totalStopped++
	case WriteStallConditionDelayed:
		wc.state.totalDelayed++
	}
}

// MaybeStallWrite blocks the caller if writes are currently stopped, or
// sleeps proportionally to writeSize if writes are delayed.
func (wc *WriteController) MaybeStallWrite(writeSize int) {
	wc.mu.Lock()
	defer wc.mu.Unlock()

	for wc.state.condition == WriteStallConditionStopped && !wc.state.closed {
		wc.cond.Wait()
	}
	if wc.state.closed {
		return
	}

	delay := wc.delayFor(writeSize)
	if delay <= 0 {
		return
	}
	wc.mu.Unlock()
	time.Sleep(delay)
	wc.mu.Lock()
}

// delayFor computes how long a write of the given size should sleep under
// the current delayed-write rate. Callers must hold wc.mu.
func (wc *WriteController) delayFor(writeSize int) time.Duration {
	if wc.state.condition != WriteStallConditionDelayed || wc.state.delayedWriteRate == 0 {
		return 0
	}
	return time.Duration(int64(writeSize) * int64(time.Second) / int64(wc.state.delayedWriteRate))
}

// SetDelayedWriteRate sets the throttled write rate used while Delayed.
func (wc *WriteController) SetDelayedWriteRate(rate uint64) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.state.delayedWriteRate = rate
}

// GetStats returns the cumulative number of times writes entered the
// Stopped and Delayed conditions.
func (wc *WriteController) GetStats() (stopped, delayed uint64) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.state.totalStopped, wc.state.totalDelayed
}

// ReleaseWriteStall marks the controller closed and wakes any blocked
// writers. Used during DB.Close to avoid leaving writers stuck forever.
func (wc *WriteController) ReleaseWriteStall() {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.state.closed = true
	wc.cond.Broadcast()
}

// stallTrigger pairs a threshold on some resource count with the condition
// it should produce once reached, letting RecalculateWriteStallCondition
// express its rules as a table instead of nested branching.
type stallTrigger struct {
	count     int
	threshold int
	condition WriteStallCondition
	cause     WriteStallCause
}

// RecalculateWriteStallCondition derives a WriteStallCondition from the
// current memtable and L0 file counts.
func RecalculateWriteStallCondition(
	numUnflushedMemtables int,
	numL0Files int,
	maxWriteBufferNumber int,
	level0SlowdownTrigger int,
	level0StopTrigger int,
	disableAutoCompactions bool,
) (WriteStallCondition, WriteStallCause) {
	triggers := []stallTrigger{
		{numUnflushedMemtables, maxWriteBufferNumber, WriteStallConditionStopped, WriteStallCauseMemtableLimit},
	}
	if !disableAutoCompactions {
		triggers = append(triggers,
			stallTrigger{numL0Files, level0StopTrigger, WriteStallConditionStopped, WriteStallCauseL0FileCountLimit},
			stallTrigger{numL0Files, level0SlowdownTrigger, WriteStallConditionDelayed, WriteStallCauseL0FileCountLimit},
		)
	}
	if maxWriteBufferNumber > 3 {
		triggers = append(triggers,
			stallTrigger{numUnflushedMemtables, maxWriteBufferNumber - 1, WriteStallConditionDelayed, WriteStallCauseMemtableLimit},
		)
	}

	for _, t := range triggers {
		if t.count >= t.threshold {
			return t.condition, t.cause
		}
	}
	return WriteStallConditionNormal, WriteStallCauseNone
}
