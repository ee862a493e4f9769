package talk

import (
	"context"
	"sync"
	"time"
)

// OutputContext is a playback clock plus a place to schedule decoded
// buffers against it.
type OutputContext interface {
	Open(ctx context.Context) error
	// Now is the current position of the output clock.
	Now() time.Duration
	Suspended() bool
	Resume(ctx context.Context) error
	Decode(ctx context.Context, segment []byte) (*AudioBuffer, error)
	// Schedule starts buf at the given clock time, or at the current clock
	// time if that has already passed. onEnded runs on another goroutine once
	// the buffer has played to its end; it is not called for stopped handles.
	Schedule(buf *AudioBuffer, at time.Duration, onEnded func()) (PlaybackHandle, error)
	Close() error
}

// PlaybackHandle controls one scheduled buffer.
type PlaybackHandle interface {
	// Start is the clock time the buffer actually begins.
	Start() time.Duration
	Stop() error
}

// ErrHandleFinished is returned when stopping a handle that already ended
// or was stopped.
var ErrHandleFinished = &TalkError{Code: ErrCodePlayback, Message: "playback handle already finished"}

// Renderer mixes scheduled buffers into an OutputDevice. Its clock counts
// rendered frames, so it only advances while the device runs. A new
// renderer is suspended until Resume.
type Renderer struct {
	device     OutputDevice
	sampleRate int
	logger     *Logger

	mu      sync.Mutex
	opened  bool
	running bool
	frames  int64
	voices  []*rendererVoice
}

type rendererVoice struct {
	r          *Renderer
	samples    []int16
	startFrame int64
	pos        int
	onEnded    func()
	done       bool
}

func NewRenderer(device OutputDevice, sampleRate int, logger *Logger) *Renderer {
	return &Renderer{
		device:     device,
		sampleRate: sampleRate,
		logger:     loggerOrGlobal(logger).WithComponent("renderer"),
	}
}

func (r *Renderer) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opened {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.device.Open(r.sampleRate, r.render); err != nil {
		return err
	}
	r.opened = true
	return nil
}

func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameTime(r.frames)
}

func (r *Renderer) frameTime(frame int64) time.Duration {
	return time.Duration(frame) * time.Second / time.Duration(r.sampleRate)
}

func (r *Renderer) timeFrame(at time.Duration) int64 {
	return int64((at*time.Duration(r.sampleRate) + time.Second/2) / time.Second)
}

func (r *Renderer) Suspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.running
}

func (r *Renderer) Resume(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opened {
		return ErrNotInitialized
	}
	if r.running {
		return nil
	}
	if err := r.device.Start(); err != nil {
		return err
	}
	r.running = true
	r.logger.Debug("Output resumed")
	return nil
}

// Suspend pauses the device and with it the clock.
func (r *Renderer) Suspend() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	return r.device.Stop()
}

// Decode parses a WAV segment and converts it to the renderer's rate.
func (r *Renderer) Decode(_ context.Context, segment []byte) (*AudioBuffer, error) {
	buf, err := DecodeWAV(segment)
	if err != nil {
		return nil, err
	}
	return &AudioBuffer{
		Samples:    Resample(buf.Samples, buf.SampleRate, r.sampleRate),
		SampleRate: r.sampleRate,
	}, nil
}

func (r *Renderer) Schedule(buf *AudioBuffer, at time.Duration, onEnded func()) (PlaybackHandle, error) {
	samples := buf.Samples
	if buf.SampleRate != r.sampleRate {
		samples = Resample(samples, buf.SampleRate, r.sampleRate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opened {
		return nil, ErrNotInitialized
	}

	// A start time that already passed plays from its beginning now.
	start := r.timeFrame(at)
	if start < r.frames {
		start = r.frames
	}
	v := &rendererVoice{
		r:          r,
		samples:    samples,
		startFrame: start,
		onEnded:    onEnded,
	}
	if len(samples) == 0 {
		v.done = true
		if onEnded != nil {
			go onEnded()
		}
		return v, nil
	}
	r.voices = append(r.voices, v)
	return v, nil
}

// Active is the number of voices that have not finished.
func (r *Renderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.voices)
}

// render runs on the audio thread and mixes every voice overlapping the
// next len(out) frames.
func (r *Renderer) render(out []int16) {
	for i := range out {
		out[i] = 0
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}

	base := r.frames
	n := int64(len(out))
	var mix []int32
	var ended []func()
	kept := r.voices[:0]

	for _, v := range r.voices {
		offset := v.startFrame - base
		if offset < 0 {
			offset = 0
		}
		if offset >= n {
			kept = append(kept, v)
			continue
		}
		if mix == nil {
			mix = make([]int32, len(out))
		}
		for i := int(offset); i < len(out) && v.pos < len(v.samples); i++ {
			mix[i] += int32(v.samples[v.pos])
			v.pos++
		}
		if v.pos >= len(v.samples) {
			v.done = true
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	for i := len(kept); i < len(r.voices); i++ {
		r.voices[i] = nil
	}
	r.voices = kept
	r.frames += n
	r.mu.Unlock()

	for i, s := range mix {
		out[i] = clampSample(float64(s))
	}
	for _, fn := range ended {
		go fn()
	}
}

func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.opened {
		return nil
	}
	r.voices = nil
	r.running = false
	r.opened = false
	if err := r.device.Stop(); err != nil {
		r.logger.WithError(err).Warn("Output device did not stop cleanly")
	}
	return r.device.Close()
}

func (v *rendererVoice) Start() time.Duration {
	return v.r.frameTime(v.startFrame)
}

// Stop silences the voice. Stopping a voice that already ended returns
// ErrHandleFinished.
func (v *rendererVoice) Stop() error {
	r := v.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if v.done {
		return ErrHandleFinished
	}
	v.done = true
	for i, other := range r.voices {
		if other == v {
			r.voices = append(r.voices[:i], r.voices[i+1:]...)
			break
		}
	}
	return nil
}
