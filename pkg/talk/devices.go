package talk

import (
	"fmt"
)

// InputDevice delivers mono int16 PCM frames to the callback given to Open
// while it is started. Frames passed to the callback are owned by the
// receiver.
type InputDevice interface {
	Name() string
	Open(cfg AudioConfig, onPCM func(pcm []int16)) error
	Start() error
	Stop() error
	Close() error
}

// OutputDevice pulls mono int16 PCM from render while it is started. render
// runs on the audio thread and must not block.
type OutputDevice interface {
	Name() string
	Open(sampleRate int, render func(out []int16)) error
	Start() error
	Stop() error
	Close() error
}

// DeviceInfo describes an audio endpoint reported by a backend.
type DeviceInfo struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	Backend           string  `json:"backend"`
	MaxInputChannels  int     `json:"max_input_channels"`
	MaxOutputChannels int     `json:"max_output_channels"`
	DefaultSampleRate float64 `json:"default_sample_rate,omitempty"`
	IsDefault         bool    `json:"is_default"`
	HostAPI           string  `json:"host_api,omitempty"`
}

func (d DeviceInfo) IsInput() bool  { return d.MaxInputChannels > 0 }
func (d DeviceInfo) IsOutput() bool { return d.MaxOutputChannels > 0 }

// NewInputDevice returns the capture device for cfg.Backend.
func NewInputDevice(cfg AudioConfig, logger *Logger) (InputDevice, error) {
	switch cfg.Backend {
	case BackendPortAudio, "":
		return newPortAudioInput(cfg.InputDeviceID, logger), nil
	case BackendMiniaudio:
		return newMiniaudioInput(cfg.InputDeviceID, logger), nil
	default:
		return nil, NewConfigError(fmt.Sprintf("unknown audio backend %q", cfg.Backend))
	}
}

// NewOutputDevice returns the playback device for cfg.Backend.
func NewOutputDevice(cfg AudioConfig, logger *Logger) (OutputDevice, error) {
	switch cfg.Backend {
	case BackendPortAudio, "":
		return newPortAudioOutput(cfg.OutputDeviceID, logger), nil
	case BackendMiniaudio:
		return newMiniaudioOutput(cfg.OutputDeviceID, logger), nil
	default:
		return nil, NewConfigError(fmt.Sprintf("unknown audio backend %q", cfg.Backend))
	}
}

// ListDevices enumerates the devices a backend can open.
func ListDevices(backend string) ([]DeviceInfo, error) {
	switch backend {
	case BackendPortAudio, "":
		return listPortAudioDevices()
	case BackendMiniaudio:
		return listMiniaudioDevices()
	default:
		return nil, NewConfigError(fmt.Sprintf("unknown audio backend %q", backend))
	}
}

// FilterDevices keeps the devices for which keep returns true.
func FilterDevices(devices []DeviceInfo, keep func(DeviceInfo) bool) []DeviceInfo {
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}
