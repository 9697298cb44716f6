package tools

import "time"

// FrameSamples returns the total sample count of a frame of the given
// duration, across all channels.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// PCMDuration returns the playing time of a PCM16LE byte count.
func PCMDuration(bytes, rate, channels int) time.Duration {
	if rate <= 0 || channels <= 0 {
		return 0
	}
	samples := bytes / 2 / channels
	return time.Duration(float64(samples) / float64(rate) * float64(time.Second))
}
