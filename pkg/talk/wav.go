package talk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	wavFormatPCM   = 1
	wavFormatFloat = 3
)

// AudioBuffer is decoded mono PCM ready for scheduling.
type AudioBuffer struct {
	Samples    []int16
	SampleRate int
}

// Duration is the playback length of the buffer.
func (b *AudioBuffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// DecodeWAV parses a RIFF/WAVE segment holding 16-bit integer or 32-bit
// float PCM and returns it downmixed to mono.
func DecodeWAV(data []byte) (*AudioBuffer, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, NewDecodeError("not a RIFF/WAVE segment")
	}

	var (
		format, channels, bits uint16
		sampleRate             uint32
		haveFmt                bool
		pcm                    []byte
	)

	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if size < 0 || end > len(data) {
			// Streaming writers leave the data size unset; take what is there.
			if id == "data" {
				end = len(data)
			} else {
				return nil, NewDecodeError(fmt.Sprintf("chunk %q overruns segment", id))
			}
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, NewDecodeError("short fmt chunk")
			}
			format = binary.LittleEndian.Uint16(data[body:])
			channels = binary.LittleEndian.Uint16(data[body+2:])
			sampleRate = binary.LittleEndian.Uint32(data[body+4:])
			bits = binary.LittleEndian.Uint16(data[body+14:])
			haveFmt = true
		case "data":
			pcm = data[body:end]
		}

		off = end
		if size%2 == 1 {
			off++
		}
	}

	if !haveFmt {
		return nil, NewDecodeError("missing fmt chunk")
	}
	if pcm == nil {
		return nil, NewDecodeError("missing data chunk")
	}
	if channels == 0 || sampleRate == 0 {
		return nil, NewDecodeError("invalid channel count or sample rate")
	}

	var samples []int16
	switch {
	case format == wavFormatPCM && bits == 16:
		samples = bytesToSamples(pcm)
	case format == wavFormatFloat && bits == 32:
		samples = make([]int16, len(pcm)/4)
		for i := range samples {
			f := math.Float32frombits(binary.LittleEndian.Uint32(pcm[i*4:]))
			samples[i] = clampSample(float64(f) * 32767)
		}
	default:
		return nil, NewDecodeError(fmt.Sprintf("unsupported wav encoding: format %d, %d bits", format, bits))
	}

	return &AudioBuffer{
		Samples:    downmix(samples, int(channels)),
		SampleRate: int(sampleRate),
	}, nil
}

// EncodeWAV writes mono 16-bit PCM as a WAV segment.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	var buf bytes.Buffer
	dataLen := uint32(len(samples) * 2)

	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(samplesToBytes(samples))
	return buf.Bytes()
}
