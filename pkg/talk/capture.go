package talk

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) ticker { return timeTicker{t: time.NewTicker(d)} }

// CaptureSource records from one input device and hands an encoded chunk
// to its sink once per chunk interval. Chunks reach the sink one at a time
// in production order and are never empty.
type CaptureSource struct {
	cfg    AudioConfig
	sink   func(chunk []byte)
	logger *Logger

	newTicker func(time.Duration) ticker

	mu          sync.Mutex
	device      InputDevice
	encoder     ChunkEncoder
	initialized bool
	started     bool
	stopCh      chan struct{}
	loopDone    chan struct{}

	bufMu     sync.Mutex
	capturing bool
	buffered  []int16
	gate      noiseGate
	agc       gainControl

	chunks    atomic.Int64
	bytes     atomic.Int64
	samples   atomic.Int64
	empty     atomic.Int64
	gated     atomic.Int64
	startedAt atomic.Int64
	stoppedAt atomic.Int64
}

// NewCaptureSource creates a capture source. A nil device is resolved from
// cfg.Backend and a nil encoder is probed during Init.
func NewCaptureSource(cfg AudioConfig, device InputDevice, encoder ChunkEncoder, sink func(chunk []byte), logger *Logger) *CaptureSource {
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultAudioConfig().ChunkInterval
	}
	return &CaptureSource{
		cfg:       cfg,
		device:    device,
		encoder:   encoder,
		sink:      sink,
		logger:    loggerOrGlobal(logger).WithComponent("capture"),
		newTicker: newTimeTicker,
	}
}

// Init acquires the input device. Failures match ErrDeviceUnavailable.
func (c *CaptureSource) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.encoder == nil {
		enc, err := ProbeEncoder(c.cfg, c.logger)
		if err != nil {
			return err
		}
		c.encoder = enc
	}
	if c.device == nil {
		dev, err := NewInputDevice(c.cfg, c.logger)
		if err != nil {
			return err
		}
		c.device = dev
	}

	if err := c.device.Open(c.cfg, c.onPCM); err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return NewDeviceUnavailableError(c.device.Name(), err)
	}

	if c.cfg.EchoCancellation {
		c.logger.WithField("device", c.device.Name()).Debug("Echo cancellation not supported by backend")
	}

	c.initialized = true
	c.logger.WithFields(map[string]interface{}{
		"device":      c.device.Name(),
		"codec":       c.encoder.Format(),
		"sample_rate": c.cfg.SampleRate,
		"interval_ms": c.cfg.ChunkInterval.Milliseconds(),
	}).Info("Capture initialized")
	return nil
}

// Format names the negotiated chunk codec. It is empty before Init unless
// an encoder was supplied.
func (c *CaptureSource) Format() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder == nil {
		return ""
	}
	return c.encoder.Format()
}

// Start begins recording. It does nothing if already started or not yet
// initialized.
func (c *CaptureSource) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized || c.started {
		return nil
	}

	c.bufMu.Lock()
	c.buffered = c.buffered[:0]
	c.gate.reset()
	c.agc.reset()
	if err := c.encoder.Reset(); err != nil {
		c.logger.WithError(err).Warn("Encoder did not reset")
	}
	c.capturing = true
	c.bufMu.Unlock()

	if err := c.device.Start(); err != nil {
		c.bufMu.Lock()
		c.capturing = false
		c.bufMu.Unlock()
		return err
	}

	c.started = true
	c.startedAt.Store(time.Now().UnixNano())
	c.stopCh = make(chan struct{})
	c.loopDone = make(chan struct{})
	go c.loop(c.stopCh, c.loopDone)

	c.logger.LogAudioEvent("capture_started", map[string]interface{}{"device": c.device.Name()})
	return nil
}

// Stop ends recording. The samples captured since the last chunk go out as
// a final chunk before Stop returns; nothing is emitted afterwards.
func (c *CaptureSource) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false

	err := c.device.Stop()

	c.bufMu.Lock()
	c.capturing = false
	c.bufMu.Unlock()

	close(c.stopCh)
	<-c.loopDone
	c.stoppedAt.Store(time.Now().UnixNano())

	c.logger.LogAudioEvent("capture_stopped", map[string]interface{}{
		"chunks": c.chunks.Load(),
		"bytes":  c.bytes.Load(),
	})
	if err != nil {
		c.logger.WithError(err).Warn("Input device did not stop cleanly")
	}
	return err
}

// Close stops recording and releases the device.
func (c *CaptureSource) Close() error {
	stopErr := c.Stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return stopErr
	}
	c.initialized = false
	if err := c.device.Close(); err != nil {
		return err
	}
	return stopErr
}

// Active reports whether the device is recording.
func (c *CaptureSource) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *CaptureSource) Stats() CaptureStats {
	s := CaptureStats{
		ChunksEmitted:   c.chunks.Load(),
		BytesEmitted:    c.bytes.Load(),
		SamplesCaptured: c.samples.Load(),
		EmptyIntervals:  c.empty.Load(),
		GatedFrames:     c.gated.Load(),
	}
	if ns := c.startedAt.Load(); ns != 0 {
		s.StartedAt = time.Unix(0, ns)
	}
	if ns := c.stoppedAt.Load(); ns != 0 {
		s.StoppedAt = time.Unix(0, ns)
	}
	return s
}

// onPCM runs on the device's audio thread.
func (c *CaptureSource) onPCM(frame []int16) {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()

	if !c.capturing {
		return
	}
	if c.cfg.NoiseSuppression && c.gate.filter(frame) {
		c.gated.Add(1)
	}
	if c.cfg.AutoGainControl {
		c.agc.apply(frame)
	}
	c.buffered = append(c.buffered, frame...)
	c.samples.Add(int64(len(frame)))
}

func (c *CaptureSource) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t := c.newTicker(c.cfg.ChunkInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C():
			c.emitInterval(false)
		case <-stop:
			c.emitInterval(true)
			return
		}
	}
}

// emitInterval encodes the samples buffered since the previous interval and
// hands the result to the sink.
func (c *CaptureSource) emitInterval(final bool) {
	c.bufMu.Lock()
	pcm := c.buffered
	c.buffered = nil
	c.bufMu.Unlock()

	chunk, err := c.encoder.Encode(pcm)
	if err != nil {
		c.logger.WithError(err).Error("Failed to encode chunk")
		return
	}
	if final {
		tail, err := c.encoder.Flush()
		if err != nil {
			c.logger.WithError(err).Error("Failed to flush encoder")
		}
		chunk = append(chunk, tail...)
	}

	if len(chunk) == 0 {
		c.empty.Add(1)
		return
	}

	c.chunks.Add(1)
	c.bytes.Add(int64(len(chunk)))
	if c.sink != nil {
		c.sink(chunk)
	}
}
