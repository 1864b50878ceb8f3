// Package audio defines the PCM sample types and codec used throughout the
// Parley voice pipeline.
//
// Two sample representations exist: normalized float32 in [-1, 1] (as
// produced by capture devices) and signed 16-bit integers (as carried on the
// wire and fed to playback devices). Conversion uses an asymmetric scale —
// 32768 for negative values, 32767 for non-negative — so the full negative
// int16 range is reachable without overflowing the positive one. All
// functions are pure and allocation is limited to the returned slice.
package audio

// FloatToInt16 converts normalized float samples to int16 PCM. Values are
// truncated, not rounded, and saturate at the int16 range so inputs outside
// [-1, 1] clip instead of wrapping.
func FloatToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s <= -1:
			out[i] = -32768
		case s >= 1:
			out[i] = 32767
		case s < 0:
			out[i] = int16(s * 32768)
		default:
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// Int16ToFloat converts int16 PCM samples back to normalized floats using
// the same asymmetric scale as [FloatToInt16]. The result is always within
// [-1, 1]; no clamping is needed since the integer domain is bounded.
func Int16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		if s < 0 {
			out[i] = float32(s) / 32768
		} else {
			out[i] = float32(s) / 32767
		}
	}
	return out
}

// Encode serialises int16 samples as little-endian bytes, the layout the
// transport expects inside its media chunks.
func Encode(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Decode parses little-endian s16 bytes into int16 samples. A trailing odd
// byte is ignored; validating payload integrity is the transport's concern
// before bytes reach this codec.
func Decode(data []byte) []int16 {
	n := len(data) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return out
}
