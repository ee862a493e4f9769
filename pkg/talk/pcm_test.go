package talk

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleByteConversion(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	data := samplesToBytes(samples)
	assert.Equal(t, []byte{0, 0, 1, 0, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}, data)
	assert.Equal(t, samples, bytesToSamples(data))
}

func TestResample(t *testing.T) {
	assert.Equal(t, []int16{1, 2}, Resample([]int16{1, 2}, 8000, 8000))
	assert.Len(t, Resample(make([]int16, 160), 16000, 48000), 480)
	assert.Len(t, Resample(make([]int16, 480), 48000, 16000), 160)
	assert.Equal(t, []int16{0, 50, 100, 100}, Resample([]int16{0, 100}, 1, 2))
}

func TestCalculateRMS(t *testing.T) {
	assert.Equal(t, 0.0, CalculateRMS(nil))
	assert.InDelta(t, 0.5, CalculateRMS([]int16{16384, -16384}), 1e-9)
}

func TestGainControlBoostsQuietSpeech(t *testing.T) {
	var agc gainControl
	agc.reset()

	var out []int16
	for i := 0; i < 20; i++ {
		out = constant(1000, 160)
		agc.apply(out)
	}
	assert.Greater(t, out[0], int16(3000))
	assert.LessOrEqual(t, agc.gain, agcMaxGain)

	loud := constant(30000, 160)
	agc.reset()
	agc.apply(loud)
	assert.Less(t, loud[0], int16(30000))
}

func TestPCMEncoder(t *testing.T) {
	enc, err := ProbeEncoder(AudioConfig{Codec: CodecPCM}, NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, CodecPCM, enc.Format())

	chunk, err := enc.Encode([]int16{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, chunk)

	chunk, err = enc.Encode(nil)
	require.NoError(t, err)
	assert.Empty(t, chunk)

	tail, err := enc.Flush()
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestProbeEncoderRejectsUnknownCodec(t *testing.T) {
	_, err := ProbeEncoder(AudioConfig{Codec: "mp3"}, NewNopLogger())
	assert.ErrorIs(t, err, &TalkError{Code: ErrCodeConfigInvalid})
}

func TestProbeEncoderFallsBackToPCM(t *testing.T) {
	cfg := DefaultAudioConfig()
	cfg.SampleRate = 11025 // not an Opus rate

	enc, err := ProbeEncoder(cfg, NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, CodecPCM, enc.Format())
}

// opusPackets splits a chunk into its length-prefixed packets.
func opusPackets(t *testing.T, chunk []byte) [][]byte {
	t.Helper()
	var packets [][]byte
	for len(chunk) > 0 {
		require.GreaterOrEqual(t, len(chunk), 2)
		n := int(binary.BigEndian.Uint16(chunk))
		require.GreaterOrEqual(t, len(chunk), 2+n)
		packets = append(packets, chunk[2:2+n])
		chunk = chunk[2+n:]
	}
	return packets
}

func TestOpusEncoderFrames(t *testing.T) {
	cfg := DefaultAudioConfig()
	enc, err := ProbeEncoder(cfg, NewNopLogger())
	require.NoError(t, err)
	require.Equal(t, CodecOpus, enc.Format())

	frame := cfg.FrameSamples()
	require.Equal(t, 320, frame)

	// Two and a half frames: two packets now, the half is held back.
	chunk, err := enc.Encode(make([]int16, frame*5/2))
	require.NoError(t, err)
	assert.Len(t, opusPackets(t, chunk), 2)

	tail, err := enc.Flush()
	require.NoError(t, err)
	assert.Len(t, opusPackets(t, tail), 1)

	tail, err = enc.Flush()
	require.NoError(t, err)
	assert.Empty(t, tail)

	// Less than a frame yields nothing until Flush.
	chunk, err = enc.Encode(make([]int16, frame/2))
	require.NoError(t, err)
	assert.Empty(t, chunk)
	require.NoError(t, enc.Reset())
	tail, err = enc.Flush()
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestOpusEncoderResetClearsCodecState(t *testing.T) {
	cfg := DefaultAudioConfig()
	frame := cfg.FrameSamples()

	tone := make([]int16, frame)
	for i := range tone {
		tone[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(cfg.SampleRate)))
	}

	fresh, err := newOpusEncoder(cfg)
	require.NoError(t, err)
	want, err := fresh.Encode(tone)
	require.NoError(t, err)

	used, err := newOpusEncoder(cfg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = used.Encode(tone)
		require.NoError(t, err)
	}
	require.NoError(t, used.Reset())
	got, err := used.Encode(tone)
	require.NoError(t, err)

	// After a reset the first packet matches one from a new encoder.
	assert.Equal(t, want, got)
}
