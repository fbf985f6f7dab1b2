// Package audio provides the PCM primitives used on the gateway's hot path:
// conversion between 16-bit signed little-endian PCM and normalised float32
// waveforms, mean-square energy measurement for silence detection, and a
// linear-interpolation resampler for the 24 kHz alternative wire.
package audio

import (
	"encoding/binary"
	"time"
)

// BytesPerSample is the size of one PCM16 mono sample.
const BytesPerSample = 2

// PCM16ToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be even
// (two bytes per sample); any trailing odd byte is silently ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// Float32ToPCM16 converts normalised float32 samples back to 16-bit signed
// little-endian PCM. Samples are clipped to [-1, 1] and truncated toward
// zero, so a PCM16 → float32 → PCM16 round trip preserves every sample.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int32(s * 32768.0)
		if v > 32767 {
			v = 32767
		}
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(v)))
	}
	return out
}

// MeanSquareEnergy returns the mean of the squared normalised samples of a
// PCM16 buffer. Digital silence yields 0; a full-scale square wave yields 1.
// Used as the VAD signal for segmentation cuts.
func MeanSquareEnergy(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		f := float64(sample) / 32768.0
		sum += f * f
	}
	return sum / float64(n)
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < BytesPerSample {
		return pcm
	}
	srcSamples := len(pcm) / BytesPerSample
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*BytesPerSample)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[srcIdx*2 : srcIdx*2+2]))
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[srcIdx*2+2 : srcIdx*2+4]))
		}

		v := float64(s0) + (float64(s1)-float64(s0))*frac
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(v)))
	}
	return out
}

// Duration returns the play time of a PCM16 mono buffer at the given sample
// rate. Returns 0 for non-positive rates.
func Duration(byteLen, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := byteLen / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesForDuration returns the PCM16 mono byte count covering d at the given
// sample rate, rounded down to whole samples.
func BytesForDuration(d time.Duration, sampleRate int) int {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return samples * BytesPerSample
}
