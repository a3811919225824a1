// Package mock provides in-memory test doubles for the audio device, sink and
// decoder interfaces used by the capture, playback and decode packages.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on counts and arguments, and expose fields that control return
// values.
//
// Typical usage:
//
//	dev := &mock.CallbackDevice{AchievedRate: 48000}
//	p := capture.NewPipeline(dev, onFrame)
//	_ = p.Setup(ctx)
//	dev.Emit(make([]float32, 960))
package mock

import (
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ─── CallbackDevice ───────────────────────────────────────────────────────────

// CallbackDevice is a mock [capture.CallbackDevice]. Blocks are injected with
// [CallbackDevice.Emit], which invokes the registered callback synchronously
// the way a device thread would.
type CallbackDevice struct {
	mu sync.Mutex

	// AchievedRate is returned from OpenCallback. Zero echoes the requested
	// rate, or 48000 when the default (0) was requested.
	AchievedRate int

	// RejectPinned makes OpenCallback fail whenever a non-zero rate is requested.
	RejectPinned bool

	// OpenError is returned from every OpenCallback call when set.
	OpenError error

	// StartError is returned from Start.
	StartError error

	// CloseError is returned from Close.
	CloseError error

	// OpenRates records the rate argument of every OpenCallback call.
	OpenRates []int

	// CallCountStart and CallCountClose count calls.
	CallCountStart int
	CallCountClose int

	cb func([]float32)
}

// OpenCallback implements capture.CallbackDevice.
func (d *CallbackDevice) OpenCallback(rate int, cb func([]float32)) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenRates = append(d.OpenRates, rate)
	if d.OpenError != nil {
		return 0, d.OpenError
	}
	if d.RejectPinned && rate != 0 {
		return 0, errors.New("mock: pinned rate rejected")
	}
	d.cb = cb
	return achieved(d.AchievedRate, rate), nil
}

// Start implements capture.CallbackDevice.
func (d *CallbackDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	return d.StartError
}

// Close implements capture.CallbackDevice.
func (d *CallbackDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.cb = nil
	return d.CloseError
}

// Emit delivers one block to the registered callback. It is a no-op when the
// device is not open.
func (d *CallbackDevice) Emit(block []float32) {
	d.mu.Lock()
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(block)
	}
}

// Closes returns the number of Close calls.
func (d *CallbackDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose
}

// ─── BlockingDevice ───────────────────────────────────────────────────────────

// BlockingDevice is a mock [capture.BlockingDevice]. Read serves the queued
// Blocks in order and then blocks until Close, after which it returns
// [io.EOF]. The zero value is an open device with no queued blocks.
type BlockingDevice struct {
	mu sync.Mutex

	// AchievedRate is returned from OpenBlocking; see [CallbackDevice.AchievedRate].
	AchievedRate int

	// RejectPinned makes OpenBlocking fail whenever a non-zero rate is requested.
	RejectPinned bool

	// OpenError is returned from every OpenBlocking call when set.
	OpenError error

	// CloseError is returned from Close.
	CloseError error

	// OpenRates records the rate argument of every OpenBlocking call.
	OpenRates []int

	// CallCountClose counts Close calls.
	CallCountClose int

	blocks   chan []float32
	closed   chan struct{}
	initOnce sync.Once
	once     sync.Once
}

// NewBlockingDevice returns a device that will serve blocks from Read.
func NewBlockingDevice(rate int, blocks ...[]float32) *BlockingDevice {
	d := &BlockingDevice{
		AchievedRate: rate,
		blocks:       make(chan []float32, len(blocks)+64),
		closed:       make(chan struct{}),
	}
	for _, b := range blocks {
		d.blocks <- b
	}
	return d
}

func (d *BlockingDevice) init() {
	d.initOnce.Do(func() {
		if d.blocks == nil {
			d.blocks = make(chan []float32, 64)
		}
		if d.closed == nil {
			d.closed = make(chan struct{})
		}
	})
}

// Push queues another block for Read.
func (d *BlockingDevice) Push(block []float32) {
	d.init()
	d.blocks <- block
}

// OpenBlocking implements capture.BlockingDevice.
func (d *BlockingDevice) OpenBlocking(rate, _ int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenRates = append(d.OpenRates, rate)
	if d.OpenError != nil {
		return 0, d.OpenError
	}
	if d.RejectPinned && rate != 0 {
		return 0, errors.New("mock: pinned rate rejected")
	}
	return achieved(d.AchievedRate, rate), nil
}

// Read implements capture.BlockingDevice. Blocks are returned whole; buf
// must be large enough.
func (d *BlockingDevice) Read(buf []float32) (int, error) {
	d.init()
	select {
	case <-d.closed:
		return 0, io.EOF
	default:
	}
	select {
	case b := <-d.blocks:
		return copy(buf, b), nil
	case <-d.closed:
		return 0, io.EOF
	}
}

// Close implements capture.BlockingDevice.
func (d *BlockingDevice) Close() error {
	d.mu.Lock()
	d.CallCountClose++
	err := d.CloseError
	d.mu.Unlock()
	d.init()
	d.once.Do(func() { close(d.closed) })
	return err
}

// Closes returns the number of Close calls.
func (d *BlockingDevice) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose
}

func achieved(fixed, requested int) int {
	if fixed > 0 {
		return fixed
	}
	if requested > 0 {
		return requested
	}
	return 48000
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock playback sink that records every write.
type Sink struct {
	mu sync.Mutex

	// SinkFormat is returned by Format. Zero value means the wire format.
	SinkFormat audio.Format

	// WriteError is returned from every Write when set.
	WriteError error

	// CloseError is returned from Close.
	CloseError error

	// Writes holds a copy of every buffer passed to Write, in order.
	Writes [][]byte

	// CallCountClose counts Close calls.
	CallCountClose int
}

// Format implements playback.Sink.
func (s *Sink) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SinkFormat.SampleRate == 0 {
		return audio.WireFormat
	}
	return s.SinkFormat
}

// Write implements playback.Sink.
func (s *Sink) Write(pcm []byte) error {
	s.mu.Lock()
	s.Writes = append(s.Writes, slices.Clone(pcm))
	defer s.mu.Unlock()
	return s.WriteError
}

// Close implements playback.Sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return s.CloseError
}

// Written returns a snapshot of every buffer written so far.
func (s *Sink) Written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.Writes)
}

// WaitWrites blocks until at least n writes were recorded or timeout
// elapses, and reports whether the count was reached.
func (s *Sink) WaitWrites(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		got := len(s.Writes)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Decoder is a mock decode.Decoder. By default each payload decodes to one
// frame whose Data is the payload itself.
type Decoder struct {
	mu sync.Mutex

	// DecodeFunc overrides the default behaviour when set.
	DecodeFunc func(payload []byte) ([]audio.AudioFrame, error)

	// Payloads records every payload passed to Decode, in call order.
	Payloads [][]byte
}

// Decode implements decode.Decoder.
func (d *Decoder) Decode(payload []byte) ([]audio.AudioFrame, error) {
	d.mu.Lock()
	d.Payloads = append(d.Payloads, slices.Clone(payload))
	fn := d.DecodeFunc
	d.mu.Unlock()
	if fn != nil {
		return fn(payload)
	}
	return []audio.AudioFrame{{
		Data:       slices.Clone(payload),
		SampleRate: audio.TargetSampleRate,
		Channels:   1,
	}}, nil
}
