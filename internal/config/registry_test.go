package config_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/pkg/audio/mock"
	"github.com/MrWong99/voicelink/pkg/audio/playback"
)

func TestRegistry_CreateDevices(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	var gotCfg config.AudioConfig
	speaker := &mock.Sink{}
	r.RegisterDevices(config.BackendMiniaudio, func(cfg config.AudioConfig) (*config.Devices, error) {
		gotCfg = cfg
		return &config.Devices{
			Microphone:  &mock.CallbackDevice{},
			OpenSpeaker: func() (playback.Sink, error) { return speaker, nil },
			Close:       func() error { return nil },
		}, nil
	})

	d, err := r.CreateDevices(config.AudioConfig{Backend: config.BackendMiniaudio, OutputQueueDepth: 7})
	if err != nil {
		t.Fatalf("CreateDevices: %v", err)
	}
	got, err := d.OpenSpeaker()
	if err != nil || got != speaker {
		t.Errorf("OpenSpeaker = %v, %v; want factory speaker", got, err)
	}
	if gotCfg.OutputQueueDepth != 7 {
		t.Errorf("factory saw %+v", gotCfg)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	_, err := config.NewRegistry().CreateDevices(config.AudioConfig{Backend: config.BackendPortAudio})
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Errorf("err = %v, want ErrBackendNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("no input device")
	r.RegisterDevices(config.BackendPortAudio, func(config.AudioConfig) (*config.Devices, error) { return nil, boom })

	if _, err := r.CreateDevices(config.AudioConfig{Backend: config.BackendPortAudio}); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping %v", err, boom)
	}
}

func TestRegistry_Backends(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	factory := func(config.AudioConfig) (*config.Devices, error) { return &config.Devices{}, nil }
	r.RegisterDevices(config.BackendPortAudio, factory)
	r.RegisterDevices(config.BackendMiniaudio, factory)
	r.RegisterDevices(config.BackendMiniaudio, factory)

	want := []config.DeviceBackend{config.BackendMiniaudio, config.BackendPortAudio}
	if got := r.Backends(); !slices.Equal(got, want) {
		t.Errorf("Backends() = %v, want %v", got, want)
	}
}
