package talk

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

func newMiniaudioContext() (*malgo.AllocatedContext, error) {
	return malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
}

func freeMiniaudioContext(ctx *malgo.AllocatedContext) {
	if ctx == nil {
		return
	}
	_ = ctx.Uninit()
	ctx.Free()
}

func listMiniaudioDevices() ([]DeviceInfo, error) {
	ctx, err := newMiniaudioContext()
	if err != nil {
		return nil, NewAudioError("initialize miniaudio", err)
	}
	defer freeMiniaudioContext(ctx)

	var out []DeviceInfo
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		infos, err := ctx.Devices(kind)
		if err != nil {
			return nil, NewAudioError("list miniaudio devices", err)
		}
		for i, info := range infos {
			d := DeviceInfo{
				ID:        i,
				Name:      info.Name(),
				Backend:   BackendMiniaudio,
				IsDefault: info.IsDefault != 0,
			}
			if kind == malgo.Capture {
				d.MaxInputChannels = 1
			} else {
				d.MaxOutputChannels = 1
			}
			out = append(out, d)
		}
	}
	return out, nil
}

// selectMiniaudioDevice points cfg at the device with the given index within
// its kind. A nil id keeps the system default.
func selectMiniaudioDevice(ctx *malgo.AllocatedContext, kind malgo.DeviceType, id *int, cfg *malgo.DeviceConfig) (string, error) {
	if id == nil {
		return "default", nil
	}
	infos, err := ctx.Devices(kind)
	if err != nil {
		return "", err
	}
	if *id < 0 || *id >= len(infos) {
		return "", fmt.Errorf("device index %d out of range (%d devices)", *id, len(infos))
	}
	info := infos[*id]
	if kind == malgo.Capture {
		cfg.Capture.DeviceID = info.ID.Pointer()
	} else {
		cfg.Playback.DeviceID = info.ID.Pointer()
	}
	return info.Name(), nil
}

type miniaudioInput struct {
	deviceID *int
	logger   *Logger

	mu     sync.Mutex
	name   string
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func newMiniaudioInput(deviceID *int, logger *Logger) *miniaudioInput {
	return &miniaudioInput{
		deviceID: deviceID,
		name:     "miniaudio:default",
		logger:   loggerOrGlobal(logger).WithComponent("miniaudio-input"),
	}
}

func (m *miniaudioInput) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *miniaudioInput) Open(cfg AudioConfig, onPCM func([]int16)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return nil
	}

	ctx, err := newMiniaudioContext()
	if err != nil {
		return NewDeviceUnavailableError("miniaudio", err)
	}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * cfg.Channels

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.Capture.Format = format
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.Alsa.NoMMap = 1
	dc.PerformanceProfile = malgo.LowLatency
	dc.PeriodSizeInFrames = uint32(cfg.FrameSamples())

	name, err := selectMiniaudioDevice(ctx, malgo.Capture, m.deviceID, &dc)
	if err != nil {
		freeMiniaudioContext(ctx)
		return NewDeviceUnavailableError("miniaudio input", err)
	}

	device, err := malgo.InitDevice(ctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			onPCM(bytesToSamples(pInput[:n]))
		},
	})
	if err != nil {
		freeMiniaudioContext(ctx)
		return NewDeviceUnavailableError(name, err)
	}

	m.ctx = ctx
	m.device = device
	m.name = "miniaudio:" + name
	m.logger.WithField("device", name).WithField("sample_rate", cfg.SampleRate).Info("Capture device initialized")
	return nil
}

func (m *miniaudioInput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return ErrNotInitialized
	}
	if m.device.IsStarted() {
		return nil
	}
	if err := m.device.Start(); err != nil {
		return NewAudioError("start capture device", err)
	}
	return nil
}

func (m *miniaudioInput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil || !m.device.IsStarted() {
		return nil
	}
	if err := m.device.Stop(); err != nil {
		return NewAudioError("stop capture device", err)
	}
	return nil
}

func (m *miniaudioInput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	freeMiniaudioContext(m.ctx)
	m.ctx = nil
	return nil
}

type miniaudioOutput struct {
	deviceID *int
	logger   *Logger

	mu     sync.Mutex
	name   string
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func newMiniaudioOutput(deviceID *int, logger *Logger) *miniaudioOutput {
	return &miniaudioOutput{
		deviceID: deviceID,
		name:     "miniaudio:default",
		logger:   loggerOrGlobal(logger).WithComponent("miniaudio-output"),
	}
}

func (m *miniaudioOutput) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *miniaudioOutput) Open(sampleRate int, render func([]int16)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return nil
	}

	ctx, err := newMiniaudioContext()
	if err != nil {
		return NewDeviceUnavailableError("miniaudio", err)
	}

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format)

	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.SampleRate = uint32(sampleRate)
	dc.Playback.Format = format
	dc.Playback.Channels = 1
	dc.Alsa.NoMMap = 1
	dc.PeriodSizeInFrames = uint32(sampleRate / 100)
	dc.Periods = 4

	name, err := selectMiniaudioDevice(ctx, malgo.Playback, m.deviceID, &dc)
	if err != nil {
		freeMiniaudioContext(ctx)
		return NewDeviceUnavailableError("miniaudio output", err)
	}

	var scratch []int16
	device, err := malgo.InitDevice(ctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			n := int(frameCount)
			if len(pOutput) < n*bytesPerFrame {
				n = len(pOutput) / bytesPerFrame
			}
			if cap(scratch) < n {
				scratch = make([]int16, n)
			}
			out := scratch[:n]
			render(out)
			for i, s := range out {
				binary.LittleEndian.PutUint16(pOutput[i*2:], uint16(s))
			}
		},
	})
	if err != nil {
		freeMiniaudioContext(ctx)
		return NewDeviceUnavailableError(name, err)
	}

	m.ctx = ctx
	m.device = device
	m.name = "miniaudio:" + name
	m.logger.WithField("device", name).WithField("sample_rate", sampleRate).Info("Playback device initialized")
	return nil
}

func (m *miniaudioOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return ErrNotInitialized
	}
	if m.device.IsStarted() {
		return nil
	}
	if err := m.device.Start(); err != nil {
		return NewPlaybackError("start playback device", err)
	}
	return nil
}

func (m *miniaudioOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil || !m.device.IsStarted() {
		return nil
	}
	if err := m.device.Stop(); err != nil {
		return NewPlaybackError("stop playback device", err)
	}
	return nil
}

func (m *miniaudioOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	freeMiniaudioContext(m.ctx)
	m.ctx = nil
	return nil
}
