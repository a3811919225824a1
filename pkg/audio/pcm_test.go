package audio_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/voicelink/pkg/audio"
)

func TestEncodePCM16_Scaling(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{name: "zero", in: 0, want: 0},
		{name: "full positive", in: 1, want: 32767},
		{name: "full negative", in: -1, want: -32768},
		{name: "half negative", in: -0.5, want: -16384},
		{name: "clamped above", in: 3.5, want: 32767},
		{name: "clamped below", in: -7, want: -32768},
		{name: "nan is silence", in: float32(math.NaN()), want: 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := bytesToSamples(audio.EncodePCM16([]float32{tc.in}))
			if got[0] != tc.want {
				t.Errorf("EncodePCM16(%v) = %d, want %d", tc.in, got[0], tc.want)
			}
		})
	}
}

func TestEncodePCM16_LittleEndianLayout(t *testing.T) {
	got := audio.EncodePCM16([]float32{-1})
	if len(got) != 2 || got[0] != 0x00 || got[1] != 0x80 {
		t.Errorf("EncodePCM16(-1) = % x, want 00 80", got)
	}
}

func TestDecodePCM16(t *testing.T) {
	got := audio.DecodePCM16(samplesToBytes([]int16{-32768, 0, 16384, 32767}))
	want := []float32{-1, 0, 0.5, 32767.0 / 32768}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodePCM16_IgnoresTrailingByte(t *testing.T) {
	if got := audio.DecodePCM16([]byte{0x00, 0x40, 0x12}); len(got) != 1 {
		t.Fatalf("length = %d, want 1", len(got))
	}
}

func TestPCM16_RoundTripWithinOneStep(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	in := make([]float32, 4096)
	for i := range in {
		in[i] = rng.Float32()*2 - 1
	}
	in[0], in[1], in[2] = -1, 1, 0

	out := audio.DecodePCM16(audio.EncodePCM16(in))
	const step = 1.0 / 32768
	for i := range in {
		d := math.Abs(float64(out[i]) - float64(in[i]))
		// Positive samples encode with 32767 but decode with 32768, which adds
		// up to half a step of scale error near full scale.
		limit := step
		if in[i] > 0.5 {
			limit = 1.5 * step
		}
		if d > limit {
			t.Fatalf("sample %d: |%v - %v| = %v exceeds %v", i, out[i], in[i], d, limit)
		}
	}
}

func TestInt16Bytes_RoundTrip(t *testing.T) {
	in := []int16{-32768, -1, 0, 1, 32767}
	equalSamples(t, audio.BytesToInt16s(audio.Int16sToBytes(in)), in)
}
