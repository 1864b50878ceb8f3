package audio

import "time"

// Frame is a chunk of mono PCM audio flowing through the pipeline.
// Frames are the atomic unit of audio transport — captured from the
// microphone, encoded for the wire, decoded from inbound messages, and
// scheduled for playback.
type Frame struct {
	// Samples holds signed 16-bit PCM samples.
	Samples []int16

	// SampleRate in Hz (16000 for capture, 24000 for model output).
	SampleRate int
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}
