package main

import (
	"log/slog"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/pkg/audio/device/miniaudio"
	"github.com/MrWong99/voicelink/pkg/audio/device/portaudio"
	"github.com/MrWong99/voicelink/pkg/audio/playback"
)

// registerBuiltinDevices wires the device backends that ship with voicelink
// into reg.
func registerBuiltinDevices(reg *config.Registry) {
	reg.RegisterDevices(config.BackendMiniaudio, func(config.AudioConfig) (*config.Devices, error) {
		mctx, err := miniaudio.NewContext()
		if err != nil {
			return nil, err
		}
		return &config.Devices{
			Microphone: mctx.NewMicrophone(),
			OpenSpeaker: func() (playback.Sink, error) {
				sp, err := mctx.OpenSpeaker()
				if err != nil {
					return nil, err
				}
				return sp, nil
			},
			Close: mctx.Close,
		}, nil
	})

	reg.RegisterDevices(config.BackendPortAudio, func(config.AudioConfig) (*config.Devices, error) {
		if err := portaudio.Initialize(); err != nil {
			return nil, err
		}
		return &config.Devices{
			Microphone: portaudio.NewMicrophone(),
			OpenSpeaker: func() (playback.Sink, error) {
				sp, err := portaudio.OpenSpeaker()
				if err != nil {
					return nil, err
				}
				return sp, nil
			},
			Close: portaudio.Terminate,
		}, nil
	})

	for _, name := range reg.Backends() {
		slog.Debug("registered device backend", "name", name)
	}
}
