package talk

import (
	"encoding/binary"

	"gopkg.in/hraban/opus.v2"
)

// ChunkEncoder turns captured PCM into the payload of outbound chunks.
// Encode may hold back samples that do not fill a codec frame; Flush
// encodes whatever is held back. Reset drops held-back samples and codec
// state so the next utterance starts clean.
type ChunkEncoder interface {
	Format() string
	Encode(pcm []int16) ([]byte, error)
	Flush() ([]byte, error)
	Reset() error
}

// ProbeEncoder picks the capture codec. With CodecAuto it prefers Opus and
// falls back to raw PCM when libopus rejects the configuration.
func ProbeEncoder(cfg AudioConfig, logger *Logger) (ChunkEncoder, error) {
	log := loggerOrGlobal(logger).WithComponent("encoder")

	switch cfg.Codec {
	case CodecPCM:
		return &pcmEncoder{}, nil
	case CodecOpus:
		return newOpusEncoder(cfg)
	case CodecAuto, "":
		enc, err := newOpusEncoder(cfg)
		if err != nil {
			log.WithError(err).Warn("Opus unavailable, sending raw PCM")
			return &pcmEncoder{}, nil
		}
		return enc, nil
	default:
		return nil, NewConfigError("unknown codec " + cfg.Codec)
	}
}

// pcmEncoder sends PCM16 little-endian samples unchanged.
type pcmEncoder struct{}

func (pcmEncoder) Format() string { return CodecPCM }

func (pcmEncoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	return samplesToBytes(pcm), nil
}

func (pcmEncoder) Flush() ([]byte, error) { return nil, nil }

func (pcmEncoder) Reset() error { return nil }

// opusEncoder packs whole Opus frames into a chunk, each prefixed with its
// length as a big-endian uint16.
type opusEncoder struct {
	enc       *opus.Encoder
	frameSize int
	pending   []int16
	packet    []byte
}

const maxOpusPacket = 4000

func newOpusEncoder(cfg AudioConfig) (*opusEncoder, error) {
	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppVoIP)
	if err != nil {
		return nil, WrapError(err, ErrCodeEncode, "create opus encoder")
	}
	if err := enc.SetBitrate(cfg.Bitrate); err != nil {
		return nil, WrapError(err, ErrCodeEncode, "set opus bitrate")
	}
	return &opusEncoder{
		enc:       enc,
		frameSize: cfg.FrameSamples() * cfg.Channels,
		packet:    make([]byte, maxOpusPacket),
	}, nil
}

func (e *opusEncoder) Format() string { return CodecOpus }

func (e *opusEncoder) Encode(pcm []int16) ([]byte, error) {
	e.pending = append(e.pending, pcm...)

	var chunk []byte
	consumed := 0
	for len(e.pending)-consumed >= e.frameSize {
		frame := e.pending[consumed : consumed+e.frameSize]
		n, err := e.enc.Encode(frame, e.packet)
		if err != nil {
			return nil, WrapError(err, ErrCodeEncode, "opus encode")
		}
		chunk = binary.BigEndian.AppendUint16(chunk, uint16(n))
		chunk = append(chunk, e.packet[:n]...)
		consumed += e.frameSize
	}
	e.pending = append(e.pending[:0], e.pending[consumed:]...)
	return chunk, nil
}

// Flush pads the held-back samples with silence to one full frame.
func (e *opusEncoder) Flush() ([]byte, error) {
	if len(e.pending) == 0 {
		return nil, nil
	}
	pad := make([]int16, e.frameSize-len(e.pending))
	return e.Encode(pad)
}

func (e *opusEncoder) Reset() error {
	e.pending = e.pending[:0]
	if err := e.enc.Reset(); err != nil {
		return WrapError(err, ErrCodeEncode, "reset opus encoder")
	}
	return nil
}
