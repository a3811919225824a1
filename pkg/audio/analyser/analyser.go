// Package analyser provides passive level taps for visualising live audio.
//
// An [Analyser] never consumes or mutates the frames it observes, so any
// number of them may listen to the same stream concurrently with the real
// consumer.
package analyser

import (
	"math"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// DefaultWindow is the number of recent samples kept for waveform rendering
// (about 85 ms at 24 kHz).
const DefaultWindow = 2048

// Levels is a point-in-time view of an analysed stream.
type Levels struct {
	// RMS of the most recently observed frame, normalised to [0, 1].
	RMS float64

	// Peak absolute sample of the most recently observed frame, in [0, 1].
	Peak float64

	// Waveform holds the most recent samples, oldest first.
	Waveform []float32

	// Frames is the number of frames observed so far.
	Frames int64
}

// Analyser records levels and a rolling waveform. Safe for concurrent use.
type Analyser struct {
	mu     sync.Mutex
	ring   []float32
	pos    int
	filled bool
	rms    float64
	peak   float64
	frames int64
}

// New returns an Analyser that keeps window samples of waveform history.
// A non-positive window selects [DefaultWindow].
func New(window int) *Analyser {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Analyser{ring: make([]float32, window)}
}

// Observe folds frame into the analyser. Multi-channel frames are analysed
// on their first channel.
func (a *Analyser) Observe(frame audio.AudioFrame) {
	ch := frame.Channels
	if ch <= 0 {
		ch = 1
	}
	samples := audio.DecodePCM16(frame.Data)

	var sum, peak float64
	n := 0
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < len(samples); i += ch {
		s := samples[i]
		v := math.Abs(float64(s))
		sum += v * v
		if v > peak {
			peak = v
		}
		n++
		a.ring[a.pos] = s
		a.pos++
		if a.pos == len(a.ring) {
			a.pos = 0
			a.filled = true
		}
	}
	if n > 0 {
		a.rms = math.Sqrt(sum / float64(n))
	} else {
		a.rms = 0
	}
	a.peak = peak
	a.frames++
}

// Snapshot returns a copy of the current levels.
func (a *Analyser) Snapshot() Levels {
	a.mu.Lock()
	defer a.mu.Unlock()
	var wave []float32
	if a.filled {
		wave = make([]float32, 0, len(a.ring))
		wave = append(wave, a.ring[a.pos:]...)
		wave = append(wave, a.ring[:a.pos]...)
	} else {
		wave = append([]float32(nil), a.ring[:a.pos]...)
	}
	return Levels{RMS: a.rms, Peak: a.peak, Waveform: wave, Frames: a.frames}
}

// Reset clears all history.
func (a *Analyser) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.ring)
	a.pos = 0
	a.filled = false
	a.rms = 0
	a.peak = 0
	a.frames = 0
}
