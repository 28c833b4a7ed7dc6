// Package buffer provides the bounded, ordered hand-off between the tailing
// goroutine and the delivery goroutine. Producers never block: when the
// ring is full the configured strategy decides what is lost.
package buffer

import (
	"context"
	"errors"
	"sync"

	"github.com/therealutkarshpriyadarshi/gamesense-bridge/internal/metrics"
	"github.com/therealutkarshpriyadarshi/gamesense-bridge/pkg/types"
)

var (
	ErrBufferClosed = errors.New("buffer is closed")
)

// BackpressureStrategy defines how to handle a full buffer
type BackpressureStrategy string

const (
	// BackpressureDrop drops the oldest event when buffer is full
	BackpressureDrop BackpressureStrategy = "drop"
	// BackpressureSample keeps every Nth incoming event when buffer is full,
	// evicting the oldest for it
	BackpressureSample BackpressureStrategy = "sample"
)

const bufferType = "ring"

// RingBufferConfig holds configuration for the ring buffer
type RingBufferConfig struct {
	Size                 int
	BackpressureStrategy BackpressureStrategy
	SampleRate           int // For sample strategy: keep 1 out of N events
	Metrics              *metrics.Collector
}

// RingBuffer is a circular FIFO of classified events
type RingBuffer struct {
	mu       sync.Mutex
	buffer   []*types.ClassifiedEvent
	size     uint64
	mask     uint64
	writePos uint64
	readPos  uint64

	config RingBufferConfig

	// Metrics
	enqueued uint64
	dequeued uint64
	dropped  uint64
	sampled  uint64

	// Control
	closed   bool
	notEmpty chan struct{}
	done     chan struct{}
}

// NewRingBuffer creates a new ring buffer with the given configuration
func NewRingBuffer(config RingBufferConfig) (*RingBuffer, error) {
	if config.Size <= 0 {
		config.Size = 256 // Default size
	}

	// Ensure size is power of 2 for efficient masking
	size := nextPowerOfTwo(uint64(config.Size))

	switch config.BackpressureStrategy {
	case "":
		config.BackpressureStrategy = BackpressureDrop
	case BackpressureDrop, BackpressureSample:
	default:
		return nil, errors.New("unknown backpressure strategy: " + string(config.BackpressureStrategy))
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 10
	}

	rb := &RingBuffer{
		buffer:   make([]*types.ClassifiedEvent, size),
		size:     size,
		mask:     size - 1,
		config:   config,
		notEmpty: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	return rb, nil
}

// Enqueue adds an event to the buffer without blocking
func (rb *RingBuffer) Enqueue(event *types.ClassifiedEvent) error {
	rb.mu.Lock()

	if rb.closed {
		rb.mu.Unlock()
		return ErrBufferClosed
	}

	if rb.writePos-rb.readPos >= rb.size {
		if rb.config.BackpressureStrategy == BackpressureSample {
			rb.sampled++
			if rb.sampled%uint64(rb.config.SampleRate) != 0 {
				rb.dropped++
				rb.mu.Unlock()
				rb.recordDrop()
				return nil
			}
		}
		// Drop the oldest event by advancing read position
		rb.buffer[rb.readPos&rb.mask] = nil
		rb.readPos++
		rb.dropped++
		defer rb.recordDrop()
	}

	rb.buffer[rb.writePos&rb.mask] = event
	rb.writePos++
	rb.enqueued++
	utilization := rb.utilizationLocked()
	rb.mu.Unlock()

	rb.recordUtilization(utilization)

	// Signal that buffer is not empty
	select {
	case rb.notEmpty <- struct{}{}:
	default:
	}

	return nil
}

// Dequeue removes and returns the oldest event, waiting until one is
// available. Once closed, the remaining events are still returned before
// ErrBufferClosed.
func (rb *RingBuffer) Dequeue(ctx context.Context) (*types.ClassifiedEvent, error) {
	for {
		if event, ok := rb.TryDequeue(); ok {
			return event, nil
		}

		rb.mu.Lock()
		drained := rb.closed && rb.readPos >= rb.writePos
		rb.mu.Unlock()
		if drained {
			return nil, ErrBufferClosed
		}

		select {
		case <-rb.notEmpty:
		case <-rb.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryDequeue attempts to dequeue without blocking
func (rb *RingBuffer) TryDequeue() (*types.ClassifiedEvent, bool) {
	rb.mu.Lock()

	if rb.readPos >= rb.writePos {
		rb.mu.Unlock()
		return nil, false
	}

	event := rb.buffer[rb.readPos&rb.mask]
	rb.buffer[rb.readPos&rb.mask] = nil // Clear reference for GC
	rb.readPos++
	rb.dequeued++
	utilization := rb.utilizationLocked()
	rb.mu.Unlock()

	rb.recordUtilization(utilization)
	return event, true
}

// Empty checks if buffer is empty
func (rb *RingBuffer) Empty() bool {
	return rb.Size() == 0
}

// Full checks if buffer is full
func (rb *RingBuffer) Full() bool {
	return uint64(rb.Size()) >= rb.size
}

// Size returns the current number of events in the buffer
func (rb *RingBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.writePos - rb.readPos)
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer) Capacity() int {
	return int(rb.size)
}

// Utilization returns the buffer utilization percentage (0-100)
func (rb *RingBuffer) Utilization() float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.utilizationLocked() * 100.0
}

func (rb *RingBuffer) utilizationLocked() float64 {
	if rb.size == 0 {
		return 0
	}
	return float64(rb.writePos-rb.readPos) / float64(rb.size)
}

func (rb *RingBuffer) recordDrop() {
	if rb.config.Metrics != nil {
		rb.config.Metrics.BufferDropped.WithLabelValues(bufferType, string(rb.config.BackpressureStrategy)).Inc()
	}
}

func (rb *RingBuffer) recordUtilization(ratio float64) {
	if rb.config.Metrics != nil {
		rb.config.Metrics.BufferUtilization.WithLabelValues(bufferType).Set(ratio)
	}
}

// Metrics returns buffer metrics
func (rb *RingBuffer) Metrics() BufferMetrics {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return BufferMetrics{
		Enqueued:    rb.enqueued,
		Dequeued:    rb.dequeued,
		Dropped:     rb.dropped,
		CurrentSize: int(rb.writePos - rb.readPos),
		Capacity:    int(rb.size),
		Utilization: rb.utilizationLocked() * 100.0,
	}
}

// Close closes the buffer. Waiting consumers drain what is left.
func (rb *RingBuffer) Close() error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrBufferClosed
	}
	rb.closed = true

	// Signal waiting goroutines
	close(rb.done)

	return nil
}

// BufferMetrics holds buffer statistics
type BufferMetrics struct {
	Enqueued    uint64
	Dequeued    uint64
	Dropped     uint64
	CurrentSize int
	Capacity    int
	Utilization float64
}

// nextPowerOfTwo returns the next power of 2 greater than or equal to n
func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}
