package capture_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/analyser"
	"github.com/MrWong99/voicelink/pkg/audio/capture"
	"github.com/MrWong99/voicelink/pkg/audio/mock"
)

// frameLog collects frames delivered from a source goroutine.
type frameLog struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
}

func (l *frameLog) add(f audio.AudioFrame) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, f)
}

func (l *frameLog) snapshot() []audio.AudioFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]audio.AudioFrame(nil), l.frames...)
}

func (l *frameLog) waitFor(t *testing.T, n int) []audio.AudioFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := l.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	got := l.snapshot()
	t.Fatalf("timed out waiting for %d frames, got %d", n, len(got))
	return got
}

func randomBlocks(seed uint64, total int) [][]float32 {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e37))
	var blocks [][]float32
	sent := 0
	for sent < total {
		n := min(1+rng.IntN(700), total-sent)
		block := make([]float32, n)
		for i := range block {
			block[i] = rng.Float32()*2 - 1
		}
		blocks = append(blocks, block)
		sent += n
	}
	return blocks
}

func TestNewFrameSource_UnsupportedDevice(t *testing.T) {
	t.Parallel()
	if _, err := capture.NewFrameSource(struct{}{}); !errors.Is(err, capture.ErrUnsupportedDevice) {
		t.Fatalf("err = %v, want ErrUnsupportedDevice", err)
	}
}

func TestFrameSource_PinnedRateFallback(t *testing.T) {
	t.Parallel()
	cb := &mock.CallbackDevice{AchievedRate: 44100, RejectPinned: true}
	src, err := capture.NewFrameSource(cb)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Start(context.Background(), func(audio.AudioFrame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	if src.SampleRate() != 44100 {
		t.Errorf("SampleRate = %d, want 44100", src.SampleRate())
	}
	if len(cb.OpenRates) != 2 || cb.OpenRates[0] != audio.TargetSampleRate || cb.OpenRates[1] != 0 {
		t.Errorf("OpenRates = %v, want [24000 0]", cb.OpenRates)
	}
}

func TestFrameSource_BlockingPinnedRateAccepted(t *testing.T) {
	t.Parallel()
	dev := mock.NewBlockingDevice(0)
	src, err := capture.NewFrameSource(dev)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Start(context.Background(), func(audio.AudioFrame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()
	if src.SampleRate() != audio.TargetSampleRate {
		t.Errorf("SampleRate = %d, want %d", src.SampleRate(), audio.TargetSampleRate)
	}
	if len(dev.OpenRates) != 1 {
		t.Errorf("OpenRates = %v, want one pinned request", dev.OpenRates)
	}
}

func TestFrameSource_DeviceUnavailable(t *testing.T) {
	t.Parallel()
	denied := errors.New("permission denied")
	devices := map[string]interface{ Closes() int }{
		"callback": &mock.CallbackDevice{OpenError: denied},
		"blocking": &mock.BlockingDevice{OpenError: denied},
	}
	for name, dev := range devices {
		t.Run(name, func(t *testing.T) {
			src, err := capture.NewFrameSource(dev)
			if err != nil {
				t.Fatal(err)
			}
			err = src.Start(context.Background(), func(audio.AudioFrame) {})
			if !errors.Is(err, capture.ErrDeviceUnavailable) {
				t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
			}
			if !errors.Is(err, denied) {
				t.Errorf("err = %v, want it to wrap the device error", err)
			}
			if err := src.Stop(); err != nil {
				t.Errorf("Stop after failed Start: %v", err)
			}
			if n := dev.Closes(); n != 0 {
				t.Errorf("Close calls on a device that never opened = %d, want 0", n)
			}
		})
	}
}

func TestFrameSource_StartFailureClosesOpenedDevice(t *testing.T) {
	t.Parallel()
	dev := &mock.CallbackDevice{StartError: errors.New("stream busy")}
	src, err := capture.NewFrameSource(dev)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Start(context.Background(), func(audio.AudioFrame) {}); !errors.Is(err, capture.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if err := src.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if n := dev.Closes(); n != 1 {
		t.Errorf("Close calls = %d, want 1", n)
	}
}

func TestBlockingDevice_ZeroValue(t *testing.T) {
	t.Parallel()
	var dev mock.BlockingDevice
	dev.Push([]float32{0.5})
	buf := make([]float32, 4)
	if n, err := dev.Read(buf); n != 1 || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := dev.Read(buf); err == nil {
		t.Error("Read after Close returned no error")
	}
}

func TestFrameSources_BitIdentical(t *testing.T) {
	t.Parallel()
	for _, rate := range []int{16000, 44100, 48000} {
		blocks := randomBlocks(uint64(rate), rate)
		_, needed := audio.FrameRatio(rate)
		want := rate / needed

		var viaCallback frameLog
		cb := &mock.CallbackDevice{AchievedRate: rate}
		cbSrc, err := capture.NewFrameSource(cb, capture.WithQueueDepth(len(blocks)))
		if err != nil {
			t.Fatal(err)
		}
		if err := cbSrc.Start(context.Background(), viaCallback.add); err != nil {
			t.Fatal(err)
		}
		for _, b := range blocks {
			cb.Emit(b)
		}
		a := viaCallback.waitFor(t, want)
		cbSrc.Stop()

		var viaBlocking frameLog
		bd := mock.NewBlockingDevice(rate, blocks...)
		bSrc, err := capture.NewFrameSource(bd)
		if err != nil {
			t.Fatal(err)
		}
		if err := bSrc.Start(context.Background(), viaBlocking.add); err != nil {
			t.Fatal(err)
		}
		b := viaBlocking.waitFor(t, want)
		bSrc.Stop()

		if len(a) != want || len(b) != want {
			t.Fatalf("rate %d: callback %d frames, blocking %d frames, want %d", rate, len(a), len(b), want)
		}
		for i := range a {
			if !bytes.Equal(a[i].Data, b[i].Data) {
				t.Fatalf("rate %d: frame %d differs between sources", rate, i)
			}
			if a[i].Timestamp != b[i].Timestamp {
				t.Fatalf("rate %d: frame %d timestamp %v vs %v", rate, i, a[i].Timestamp, b[i].Timestamp)
			}
			if len(a[i].Data) != audio.FrameBytes {
				t.Fatalf("rate %d: frame %d is %d bytes", rate, i, len(a[i].Data))
			}
		}
	}
}

func TestFrameSource_OverflowDropsBlocks(t *testing.T) {
	t.Parallel()
	var (
		mu      sync.Mutex
		dropped int
	)
	release := make(chan struct{})
	cb := &mock.CallbackDevice{AchievedRate: 24000}
	src, err := capture.NewFrameSource(cb,
		capture.WithQueueDepth(1),
		capture.WithOverflowHandler(func() {
			mu.Lock()
			dropped++
			mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	first := true
	if err := src.Start(context.Background(), func(audio.AudioFrame) {
		if first {
			first = false
			<-release
		}
	}); err != nil {
		t.Fatal(err)
	}
	defer src.Stop()

	// The first block produces a frame whose consumer blocks; later blocks
	// pile up behind it.
	for range 10 {
		cb.Emit(make([]float32, audio.FrameSamples))
	}
	close(release)

	mu.Lock()
	defer mu.Unlock()
	if dropped == 0 {
		t.Error("expected blocks to be dropped while the framing goroutine was stalled")
	}
}

func TestPipeline_SetupIdempotent(t *testing.T) {
	t.Parallel()
	dev := &mock.CallbackDevice{}
	p := capture.NewPipeline(dev, nil)
	ctx := context.Background()

	if err := p.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	if len(dev.OpenRates) != 1 || dev.CallCountStart != 1 {
		t.Errorf("device opened %d times, started %d times, want once each", len(dev.OpenRates), dev.CallCountStart)
	}
	if !p.Running() {
		t.Error("Running = false after Setup")
	}
	if p.SampleRate() != audio.TargetSampleRate {
		t.Errorf("SampleRate = %d", p.SampleRate())
	}
	_ = p.Shutdown()
}

func TestPipeline_ShutdownIdempotent(t *testing.T) {
	t.Parallel()
	dev := &mock.CallbackDevice{}
	p := capture.NewPipeline(dev, nil)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := p.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if got := dev.Closes(); got != 1 {
		t.Errorf("device closed %d times, want 1", got)
	}
	if p.Running() {
		t.Error("Running = true after Shutdown")
	}
}

func TestPipeline_ShutdownBeforeSetup(t *testing.T) {
	t.Parallel()
	dev := &mock.CallbackDevice{}
	p := capture.NewPipeline(dev, nil)
	if err := p.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if dev.Closes() != 0 {
		t.Error("device closed without being opened")
	}
}

func TestPipeline_ShutdownReportsCloseFailure(t *testing.T) {
	t.Parallel()
	closeErr := errors.New("device busy")
	dev := &mock.CallbackDevice{CloseError: closeErr}
	a := analyser.New(0)
	p := capture.NewPipeline(dev, nil, capture.WithAnalyser(a))
	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	dev.Emit(make([]float32, audio.FrameSamples))

	if err := p.Shutdown(); !errors.Is(err, closeErr) {
		t.Fatalf("Shutdown err = %v, want %v", err, closeErr)
	}
	// Later steps still ran.
	if a.Snapshot().Frames != 0 {
		t.Error("analyser not reset after a failed device close")
	}
	if p.Running() {
		t.Error("pipeline still running after a failed device close")
	}
	if err := p.Shutdown(); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestPipeline_DeliversFramesInOrderToTapsAndConsumer(t *testing.T) {
	t.Parallel()
	var consumer, tapped frameLog
	a := analyser.New(0)
	dev := &mock.CallbackDevice{}
	p := capture.NewPipeline(dev, consumer.add,
		capture.WithAnalyser(a),
		capture.WithTap(tapped.add),
		capture.WithSourceOptions(capture.WithQueueDepth(16)),
	)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Shutdown()

	// Three frames A, B, C of distinct constant values.
	for _, v := range []float32{0.1, 0.2, 0.3} {
		block := make([]float32, audio.FrameSamples)
		for i := range block {
			block[i] = v
		}
		dev.Emit(block)
	}

	got := consumer.waitFor(t, 3)
	for i, v := range []float32{0.1, 0.2, 0.3} {
		want := audio.EncodePCM16([]float32{v})
		if !bytes.Equal(got[i].Data[:2], want) {
			t.Errorf("frame %d starts with % x, want % x", i, got[i].Data[:2], want)
		}
	}
	if n := len(tapped.waitFor(t, 3)); n != 3 {
		t.Errorf("tap saw %d frames, want 3", n)
	}
	if a.Snapshot().Frames != 3 {
		t.Errorf("analyser saw %d frames, want 3", a.Snapshot().Frames)
	}
	if p.MicDuration() != 3*audio.FrameDuration {
		t.Errorf("MicDuration = %v, want %v", p.MicDuration(), 3*audio.FrameDuration)
	}
}

func TestPipeline_MicDurationSurvivesRebuild(t *testing.T) {
	t.Parallel()
	var consumer frameLog
	dev := &mock.CallbackDevice{}
	p := capture.NewPipeline(dev, consumer.add)
	ctx := context.Background()

	for cycle := range 2 {
		if err := p.Setup(ctx); err != nil {
			t.Fatalf("cycle %d: Setup: %v", cycle, err)
		}
		dev.Emit(make([]float32, audio.FrameSamples))
		consumer.waitFor(t, cycle+1)
		if err := p.Shutdown(); err != nil {
			t.Fatalf("cycle %d: Shutdown: %v", cycle, err)
		}
	}

	if len(dev.OpenRates) != 2 {
		t.Errorf("device opened %d times, want 2", len(dev.OpenRates))
	}
	if want := 2 * audio.FrameDuration; p.MicDuration() != want {
		t.Errorf("MicDuration = %v, want %v", p.MicDuration(), want)
	}
}

func TestPipeline_BlockingDeviceFrames(t *testing.T) {
	t.Parallel()
	var consumer frameLog
	dev := mock.NewBlockingDevice(48000, make([]float32, 960), make([]float32, 960))
	p := capture.NewPipeline(dev, consumer.add)
	if err := p.Setup(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := consumer.waitFor(t, 2)
	if err := p.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if got[1].Timestamp != audio.FrameDuration {
		t.Errorf("second frame timestamp = %v, want %v", got[1].Timestamp, audio.FrameDuration)
	}
	if dev.Closes() != 1 {
		t.Errorf("device closed %d times, want 1", dev.Closes())
	}
}

func TestPipeline_SetupUnsupportedDevice(t *testing.T) {
	t.Parallel()
	p := capture.NewPipeline(42, nil)
	if err := p.Setup(context.Background()); !errors.Is(err, capture.ErrUnsupportedDevice) {
		t.Fatalf("err = %v, want ErrUnsupportedDevice", err)
	}
	if p.Running() {
		t.Error("Running after failed Setup")
	}
}
