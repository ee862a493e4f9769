package talk

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

func listPortAudioDevices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, NewAudioError("initialize portaudio", err)
	}
	defer portaudio.Terminate()

	defaultInput, _ := portaudio.DefaultInputDevice()
	defaultOutput, _ := portaudio.DefaultOutputDevice()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, NewAudioError("list portaudio devices", err)
	}

	out := make([]DeviceInfo, 0, len(devices))
	for i, dev := range devices {
		hostAPI := "Unknown"
		if dev.HostApi != nil {
			hostAPI = dev.HostApi.Name
		}
		out = append(out, DeviceInfo{
			ID:                i,
			Name:              dev.Name,
			Backend:           BackendPortAudio,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefault:         dev == defaultInput || dev == defaultOutput,
			HostAPI:           hostAPI,
		})
	}
	return out, nil
}

// portAudioDevice resolves a device index, falling back to the default.
func portAudioDevice(id *int, input bool) (*portaudio.DeviceInfo, error) {
	if id == nil {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if *id < 0 || *id >= len(devices) {
		return nil, fmt.Errorf("device index %d out of range (%d devices)", *id, len(devices))
	}
	dev := devices[*id]
	if input && dev.MaxInputChannels < 1 {
		return nil, fmt.Errorf("device %q has no input channels", dev.Name)
	}
	if !input && dev.MaxOutputChannels < 1 {
		return nil, fmt.Errorf("device %q has no output channels", dev.Name)
	}
	return dev, nil
}

type portAudioInput struct {
	deviceID *int
	logger   *Logger

	mu     sync.Mutex
	name   string
	stream *portaudio.Stream
}

func newPortAudioInput(deviceID *int, logger *Logger) *portAudioInput {
	return &portAudioInput{
		deviceID: deviceID,
		name:     "portaudio:default",
		logger:   loggerOrGlobal(logger).WithComponent("portaudio-input"),
	}
}

func (p *portAudioInput) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *portAudioInput) Open(cfg AudioConfig, onPCM func([]int16)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return NewDeviceUnavailableError("portaudio", err)
	}
	dev, err := portAudioDevice(p.deviceID, true)
	if err != nil {
		_ = portaudio.Terminate()
		return NewDeviceUnavailableError("portaudio input", err)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FrameSamples()

	stream, err := portaudio.OpenStream(params, func(in []int16) {
		frame := make([]int16, len(in))
		copy(frame, in)
		onPCM(frame)
	})
	if err != nil {
		_ = portaudio.Terminate()
		return NewDeviceUnavailableError(dev.Name, err)
	}

	p.stream = stream
	p.name = "portaudio:" + dev.Name
	p.logger.WithFields(map[string]interface{}{
		"device":      dev.Name,
		"sample_rate": cfg.SampleRate,
		"frames":      params.FramesPerBuffer,
	}).Info("Input stream opened")
	return nil
}

func (p *portAudioInput) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return ErrNotInitialized
	}
	if err := p.stream.Start(); err != nil {
		return NewAudioError("start input stream", err)
	}
	return nil
}

func (p *portAudioInput) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	if err := p.stream.Stop(); err != nil {
		return NewAudioError("stop input stream", err)
	}
	return nil
}

func (p *portAudioInput) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	_ = portaudio.Terminate()
	if err != nil {
		return NewAudioError("close input stream", err)
	}
	return nil
}

type portAudioOutput struct {
	deviceID *int
	logger   *Logger

	mu     sync.Mutex
	name   string
	stream *portaudio.Stream
}

func newPortAudioOutput(deviceID *int, logger *Logger) *portAudioOutput {
	return &portAudioOutput{
		deviceID: deviceID,
		name:     "portaudio:default",
		logger:   loggerOrGlobal(logger).WithComponent("portaudio-output"),
	}
}

func (p *portAudioOutput) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *portAudioOutput) Open(sampleRate int, render func([]int16)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return NewDeviceUnavailableError("portaudio", err)
	}
	dev, err := portAudioDevice(p.deviceID, false)
	if err != nil {
		_ = portaudio.Terminate()
		return NewDeviceUnavailableError("portaudio output", err)
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(sampleRate)
	params.FramesPerBuffer = sampleRate / 100

	stream, err := portaudio.OpenStream(params, func(out []int16) {
		render(out)
	})
	if err != nil {
		_ = portaudio.Terminate()
		return NewDeviceUnavailableError(dev.Name, err)
	}

	p.stream = stream
	p.name = "portaudio:" + dev.Name
	p.logger.WithField("device", dev.Name).WithField("sample_rate", sampleRate).Info("Output stream opened")
	return nil
}

func (p *portAudioOutput) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return ErrNotInitialized
	}
	if err := p.stream.Start(); err != nil {
		return NewPlaybackError("start output stream", err)
	}
	return nil
}

func (p *portAudioOutput) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	if err := p.stream.Stop(); err != nil {
		return NewPlaybackError("stop output stream", err)
	}
	return nil
}

func (p *portAudioOutput) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()
	p.stream = nil
	_ = portaudio.Terminate()
	if err != nil {
		return NewPlaybackError("close output stream", err)
	}
	return nil
}
