package talk

import (
	"encoding/binary"
	"math"
)

// bytesToSamples converts PCM16 little-endian bytes to samples.
func bytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// samplesToBytes converts samples to PCM16 little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Resample converts between sample rates with linear interpolation, which
// is adequate for speech.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	newLen := int(float64(len(samples)) / ratio)
	if newLen == 0 {
		return []int16{}
	}

	out := make([]int16, newLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		s1, s2 := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(s1 + frac*(s2-s1))
	}
	return out
}

// downmix averages interleaved channels into mono.
func downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		mono[i] = int16(sum / channels)
	}
	return mono
}

// CalculateRMS returns the root mean square level normalized to [0, 1].
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// noiseGate silences frames below a noise floor calibrated from the first
// frames of a recording.
type noiseGate struct {
	threshold   float64
	calibrated  bool
	calibFrames int
	calibSum    float64
}

const noiseGateCalibrationFrames = 10

func (g *noiseGate) reset() {
	*g = noiseGate{}
}

// filter zeroes pcm in place when it is below the gate and reports whether
// it did. Calibration frames pass through untouched.
func (g *noiseGate) filter(pcm []int16) bool {
	level := CalculateRMS(pcm)

	if !g.calibrated {
		g.calibFrames++
		g.calibSum += level
		if g.calibFrames >= noiseGateCalibrationFrames {
			g.threshold = math.Max(g.calibSum/float64(g.calibFrames)*1.5, 0.002)
			g.calibrated = true
		}
		return false
	}

	if level >= g.threshold {
		return false
	}
	for i := range pcm {
		pcm[i] = 0
	}
	return true
}

// gainControl moves frames toward a target RMS level with a smoothed gain.
type gainControl struct {
	gain float64
}

const (
	agcTargetRMS = 0.1
	agcMaxGain   = 8.0
	agcMinGain   = 0.5
	agcSmoothing = 0.2
)

func (a *gainControl) reset() {
	a.gain = 1
}

func (a *gainControl) apply(pcm []int16) {
	if a.gain == 0 {
		a.gain = 1
	}
	level := CalculateRMS(pcm)
	if level > 0.001 {
		want := math.Min(math.Max(agcTargetRMS/level, agcMinGain), agcMaxGain)
		a.gain += (want - a.gain) * agcSmoothing
	}
	for i, s := range pcm {
		pcm[i] = clampSample(float64(s) * a.gain)
	}
}
