// Package audio provides the PCM primitives shared by the capture and
// synthesis sides of the Nevil voice pipeline: int16 ↔ float32 conversion,
// software gain, RMS volume, WAV encoding, and a fixed-capacity ring buffer
// used for pre-speech padding.
//
// The whole pipeline runs on little-endian PCM16 mono at 24 kHz; helpers in
// this package validate alignment but deliberately do not resample.
package audio

import "math"

// SampleRate is the pipeline-wide sample rate in Hz.
const SampleRate = 24000

// BytesPerSample is the width of one PCM16 sample.
const BytesPerSample = 2

// PCM16ToFloat32 converts little-endian int16 PCM bytes to float32 samples
// in [-1, 1]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM16 converts float32 samples in [-1, 1] to little-endian int16
// PCM bytes. Samples outside the range are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		s := int16(f * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ApplyGain multiplies samples in place by gain, clamping to [-1, 1].
func ApplyGain(samples []float32, gain float32) {
	for i, f := range samples {
		f *= gain
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		samples[i] = f
	}
}

// RMS returns the root-mean-square volume of samples. Returns 0 for an
// empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, f := range samples {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
