package audio

import (
	"math"
	"time"
)

// Framer converts a stream of float samples arriving at a device's native
// rate, in blocks of unpredictable size, into fixed 480-sample frames at
// [TargetSampleRate]. Latency is bounded by one frame.
//
// The accumulator is owned by the Framer. Create one per stream and call
// [Framer.Process] from a single goroutine.
type Framer struct {
	nativeRate int
	ratio      float64
	needed     int
	emit       func(AudioFrame)

	acc     []float32
	emitted int64
}

// NewFramer returns a Framer for a device running at nativeRate. emit is
// called synchronously from [Framer.Process] once per completed frame and
// must not block. A non-positive nativeRate is treated as [TargetSampleRate].
func NewFramer(nativeRate int, emit func(AudioFrame)) *Framer {
	if nativeRate <= 0 {
		nativeRate = TargetSampleRate
	}
	ratio, needed := FrameRatio(nativeRate)
	return &Framer{
		nativeRate: nativeRate,
		ratio:      ratio,
		needed:     needed,
		emit:       emit,
		acc:        make([]float32, 0, needed*2),
	}
}

// FrameRatio returns the input/output rate ratio for nativeRate and the number
// of input samples consumed per output frame, round(480 × ratio).
func FrameRatio(nativeRate int) (ratio float64, needed int) {
	ratio = float64(nativeRate) / float64(TargetSampleRate)
	needed = int(math.Round(FrameSamples * ratio))
	if needed < 1 {
		needed = 1
	}
	return ratio, needed
}

// NativeRate returns the device rate the Framer was built for.
func (f *Framer) NativeRate() int { return f.nativeRate }

// InputPerFrame returns how many native samples make up one output frame.
func (f *Framer) InputPerFrame() int { return f.needed }

// Buffered returns the number of native samples waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.acc) }

// Process appends block to the accumulator and emits every frame that can be
// completed. Partial frames stay buffered; nothing is ever emitted short.
func (f *Framer) Process(block []float32) {
	f.acc = FrameBlock(f.acc, block, f.ratio, f.needed, f.emitSamples)
}

// Reset discards buffered samples and restarts frame timestamps at zero.
func (f *Framer) Reset() {
	f.acc = f.acc[:0]
	f.emitted = 0
}

func (f *Framer) emitSamples(samples []float32) {
	frame := AudioFrame{
		Data:       EncodePCM16(samples),
		SampleRate: TargetSampleRate,
		Channels:   1,
		Timestamp:  time.Duration(f.emitted) * FrameDuration,
	}
	f.emitted++
	if f.emit != nil {
		f.emit(frame)
	}
}

// FrameBlock runs the framing algorithm over a caller-owned accumulator: it
// appends block to acc, removes needed samples from the front while enough
// are available, downsamples each slice to [FrameSamples] and passes it to
// emit. The remaining samples are returned as the new accumulator and must
// be passed to the next call.
//
// emit receives a freshly allocated slice it may keep.
func FrameBlock(acc, block []float32, ratio float64, needed int, emit func([]float32)) []float32 {
	acc = append(acc, block...)
	off := 0
	for len(acc)-off >= needed {
		emit(Downsample(acc[off:off+needed], ratio, FrameSamples))
		off += needed
	}
	if off > 0 {
		n := copy(acc, acc[off:])
		acc = acc[:n]
	}
	return acc
}

// Downsample box-filters src down to n samples. Output sample i is the mean of
// src[floor(i×ratio) : floor((i+1)×ratio)], widened to at least one sample and
// clipped to len(src). A window starting past the end repeats the last valid
// sample. This is a bounded-cost approximation, not an anti-aliasing filter.
func Downsample(src []float32, ratio float64, n int) []float32 {
	out := make([]float32, n)
	if len(src) == 0 {
		return out
	}
	last := src[len(src)-1]
	for i := range n {
		start := int(math.Floor(float64(i) * ratio))
		end := int(math.Floor(float64(i+1) * ratio))
		if end <= start {
			end = start + 1
		}
		if start >= len(src) {
			out[i] = last
			continue
		}
		if end > len(src) {
			end = len(src)
		}
		var sum float64
		for _, s := range src[start:end] {
			sum += float64(s)
		}
		out[i] = float32(sum / float64(end-start))
	}
	return out
}
