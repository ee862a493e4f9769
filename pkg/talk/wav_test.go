package talk

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeWAV(t *testing.T) {
	samples := make([]int16, 800)
	for i := range samples {
		samples[i] = int16(16383 * math.Sin(2*math.Pi*440*float64(i)/8000))
	}

	data := EncodeWAV(samples, 8000)
	assert.Len(t, data, 44+len(samples)*2)

	buf, err := DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, 8000, buf.SampleRate)
	assert.Equal(t, samples, buf.Samples)
	assert.Equal(t, 100*time.Millisecond, buf.Duration())
}

// wavBytes builds a WAV with an arbitrary format and extra chunks.
func wavBytes(format, channels, bits uint16, rate uint32, extra []byte, pcm []byte) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(0))
	b.WriteString("WAVE")
	b.WriteString("fmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, format)
	_ = binary.Write(&b, binary.LittleEndian, channels)
	_ = binary.Write(&b, binary.LittleEndian, rate)
	_ = binary.Write(&b, binary.LittleEndian, rate*uint32(channels)*uint32(bits/8))
	_ = binary.Write(&b, binary.LittleEndian, channels*bits/8)
	_ = binary.Write(&b, binary.LittleEndian, bits)
	b.Write(extra)
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

func TestDecodeWAVStereoDownmix(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 300, -100, -300})
	buf, err := DecodeWAV(wavBytes(wavFormatPCM, 2, 16, 16000, nil, pcm))
	require.NoError(t, err)
	assert.Equal(t, []int16{200, -200}, buf.Samples)
	assert.Equal(t, 16000, buf.SampleRate)
}

func TestDecodeWAVFloat(t *testing.T) {
	var pcm bytes.Buffer
	for _, f := range []float32{0, 0.5, -1, 2} {
		_ = binary.Write(&pcm, binary.LittleEndian, math.Float32bits(f))
	}
	buf, err := DecodeWAV(wavBytes(wavFormatFloat, 1, 32, 24000, nil, pcm.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 16383, -32767, 32767}, buf.Samples)
}

func TestDecodeWAVSkipsUnknownChunks(t *testing.T) {
	extra := append([]byte("LIST"), 3, 0, 0, 0, 'a', 'b', 'c', 0)
	buf, err := DecodeWAV(wavBytes(wavFormatPCM, 1, 16, 8000, extra, samplesToBytes([]int16{1, 2})))
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2}, buf.Samples)
}

func TestDecodeWAVStreamingDataSize(t *testing.T) {
	data := EncodeWAV([]int16{5, 6, 7}, 8000)
	binary.LittleEndian.PutUint32(data[40:], 0xFFFFFFFF)

	buf, err := DecodeWAV(data)
	require.NoError(t, err)
	assert.Equal(t, []int16{5, 6, 7}, buf.Samples)
}

func TestDecodeWAVErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("RIFX0000WAVEfmt ")},
		{"missing data", EncodeWAV(nil, 8000)[:36]},
		{"unsupported encoding", wavBytes(wavFormatPCM, 1, 8, 8000, nil, []byte{1, 2})},
		{"zero channels", wavBytes(wavFormatPCM, 0, 16, 8000, nil, []byte{1, 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeWAV(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, &TalkError{Code: ErrCodeDecode})
		})
	}
}
