package audio

import (
	"log/slog"
	"sync"
)

// FormatConverter converts wire frames to the format a playback device
// actually opened with. It logs a warning on the first format mismatch and
// drops misaligned PCM.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source format already
// matches the target, the frame is returned unchanged (zero allocation).
// Conversion order: downmix, resample, upmix, so the resampler always works on
// the fewest channels.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	channels := frame.Channels
	if channels <= 0 {
		channels = 1
	}
	if len(frame.Data)%(BytesPerSample*channels) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio format converter: misaligned PCM data, dropping frame",
				"bytes", len(frame.Data),
				"sampleRate", frame.SampleRate,
				"channels", channels,
			)
		})
		return AudioFrame{
			SampleRate: c.Target.SampleRate,
			Channels:   c.Target.Channels,
			Timestamp:  frame.Timestamp,
		}
	}

	if frame.SampleRate == c.Target.SampleRate && channels == c.Target.Channels {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, channels),
			"to", c.Target.String(),
		)
	})

	pcm := frame.Data
	if channels > c.Target.Channels && c.Target.Channels == 1 {
		pcm = Downmix16(pcm, channels)
		channels = 1
	}
	if frame.SampleRate != c.Target.SampleRate {
		pcm = Resample16(pcm, channels, frame.SampleRate, c.Target.SampleRate)
	}
	if channels == 1 && c.Target.Channels > 1 {
		pcm = Upmix16(pcm, c.Target.Channels)
		channels = c.Target.Channels
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
		Timestamp:  frame.Timestamp,
	}
}

// Upmix16 duplicates each mono int16 sample into the given number of channels.
func Upmix16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, n*2*channels)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		for c := range channels {
			j := (i*channels + c) * 2
			out[j] = lo
			out[j+1] = hi
		}
	}
	return out
}

// Downmix16 averages interleaved int16 channels down to mono. Uses int32
// arithmetic so the sum cannot overflow.
func Downmix16(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := channels * 2
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			j := i*stride + c*2
			sum += int32(int16(pcm[j]) | int16(pcm[j+1])<<8)
		}
		avg := sum / int32(channels)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// Resample16 resamples interleaved int16 PCM from srcRate to dstRate using
// linear interpolation per channel. If the rates match or are invalid the
// input is returned unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return pcm
	}
	if channels <= 0 {
		channels = 1
	}
	stride := channels * 2
	srcFrames := len(pcm) / stride
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*stride)
	ratio := float64(srcRate) / float64(dstRate)
	sample := func(frame, ch int) int16 {
		j := frame*stride + ch*2
		return int16(pcm[j]) | int16(pcm[j+1])<<8
	}

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		if srcIdx >= srcFrames {
			srcIdx = srcFrames - 1
		}
		frac := srcPos - float64(srcIdx)
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for c := range channels {
			s0, s1 := sample(srcIdx, c), sample(next, c)
			v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
			j := i*stride + c*2
			out[j] = byte(v)
			out[j+1] = byte(v >> 8)
		}
	}
	return out
}
