package talk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PlaybackStats counts scheduler activity.
type PlaybackStats struct {
	Scheduled      int64
	DecodeFailures int64
	StopErrors     int64
	Flushes        int64
}

// PlaybackScheduler plays segments back to back on an OutputContext clock.
//
// Decoding happens off the caller's goroutine and may finish in any order.
// Scheduling does not: segments are committed in Play order, each starting
// at max(now, nextStartTime), and nextStartTime advances in the same
// critical section that schedules the segment.
type PlaybackScheduler struct {
	out    OutputContext
	logger *Logger

	mu          sync.Mutex
	initialized bool
	nextStart   time.Duration
	queue       map[uint64]*scheduledSegment
	nextID      uint64
	slots       []*playbackSlot
	generation  uint64

	decodes sync.WaitGroup

	scheduled      atomic.Int64
	decodeFailures atomic.Int64
	stopErrors     atomic.Int64
	flushes        atomic.Int64
}

type scheduledSegment struct {
	id     uint64
	buf    *AudioBuffer
	start  time.Duration
	handle PlaybackHandle
}

// playbackSlot reserves a segment's position in the output while it decodes.
type playbackSlot struct {
	generation uint64
	done       bool
	buf        *AudioBuffer
	err        error
}

func NewPlaybackScheduler(out OutputContext, logger *Logger) *PlaybackScheduler {
	return &PlaybackScheduler{
		out:    out,
		logger: loggerOrGlobal(logger).WithComponent("playback"),
		queue:  make(map[uint64]*scheduledSegment),
	}
}

// Init opens the output and sets nextStartTime to the current clock.
func (s *PlaybackScheduler) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	if err := s.out.Open(ctx); err != nil {
		return err
	}
	s.nextStart = s.out.Now()
	s.initialized = true
	return nil
}

// Play queues an encoded segment behind everything queued before it.
func (s *PlaybackScheduler) Play(segment []byte) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	s.mu.Unlock()

	if s.out.Suspended() {
		if err := s.out.Resume(context.Background()); err != nil {
			return NewPlaybackError("resume output", err)
		}
	}

	s.mu.Lock()
	slot := &playbackSlot{generation: s.generation}
	s.slots = append(s.slots, slot)
	s.decodes.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.decodes.Done()
		buf, err := s.out.Decode(context.Background(), segment)

		s.mu.Lock()
		defer s.mu.Unlock()
		if slot.generation != s.generation {
			return
		}
		slot.buf, slot.err, slot.done = buf, err, true
		s.commitReady()
	}()
	return nil
}

// commitReady schedules decoded slots from the head of the line until it
// reaches one still decoding. Callers hold s.mu.
func (s *PlaybackScheduler) commitReady() {
	for len(s.slots) > 0 && s.slots[0].done {
		slot := s.slots[0]
		s.slots[0] = nil
		s.slots = s.slots[1:]

		if slot.err != nil {
			s.decodeFailures.Add(1)
			s.logger.WithError(slot.err).Warn("Dropping undecodable segment")
			continue
		}
		s.schedule(slot.buf)
	}
}

func (s *PlaybackScheduler) schedule(buf *AudioBuffer) {
	start := s.out.Now()
	if s.nextStart > start {
		start = s.nextStart
	}

	s.nextID++
	id := s.nextID
	handle, err := s.out.Schedule(buf, start, func() { s.ended(id) })
	if err != nil {
		s.logger.WithError(err).Error("Failed to schedule segment")
		return
	}

	// The output may have moved past start before the buffer was queued.
	start = handle.Start()
	s.nextStart = start + buf.Duration()
	s.queue[id] = &scheduledSegment{id: id, buf: buf, start: start, handle: handle}
	s.scheduled.Add(1)

	s.logger.LogAudioEvent("segment_scheduled", map[string]interface{}{
		"start_ms":    start.Milliseconds(),
		"duration_ms": buf.Duration().Milliseconds(),
		"queued":      len(s.queue),
	})
}

func (s *PlaybackScheduler) ended(id uint64) {
	s.mu.Lock()
	delete(s.queue, id)
	s.mu.Unlock()
}

// StopAll stops every queued segment, abandons segments still decoding and
// resets nextStartTime to now. Stop failures are logged and do not prevent
// the remaining segments from being stopped.
func (s *PlaybackScheduler) StopAll() {
	s.mu.Lock()
	segments := make([]*scheduledSegment, 0, len(s.queue))
	for _, seg := range s.queue {
		segments = append(segments, seg)
	}
	s.queue = make(map[uint64]*scheduledSegment)
	s.slots = nil
	s.generation++
	if s.initialized {
		s.nextStart = s.out.Now()
	}
	s.mu.Unlock()

	s.flushes.Add(1)
	for _, seg := range segments {
		if err := seg.handle.Stop(); err != nil {
			s.stopErrors.Add(1)
			s.logger.WithError(err).WithField("segment", seg.id).Warn("Failed to stop segment")
		}
	}
	if len(segments) > 0 {
		s.logger.LogAudioEvent("playback_flushed", map[string]interface{}{"stopped": len(segments)})
	}
}

// Pending is the number of segments queued or still decoding.
func (s *PlaybackScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) + len(s.slots)
}

// NextStartTime is the earliest clock time at which the next segment may
// begin.
func (s *PlaybackScheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

func (s *PlaybackScheduler) Stats() PlaybackStats {
	return PlaybackStats{
		Scheduled:      s.scheduled.Load(),
		DecodeFailures: s.decodeFailures.Load(),
		StopErrors:     s.stopErrors.Load(),
		Flushes:        s.flushes.Load(),
	}
}

// Wait blocks until every segment passed to Play has been decoded and
// either scheduled or dropped.
func (s *PlaybackScheduler) Wait() {
	s.decodes.Wait()
}

func (s *PlaybackScheduler) Close() error {
	s.StopAll()
	s.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.initialized = false
	return s.out.Close()
}
