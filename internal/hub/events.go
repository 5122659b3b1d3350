package hub

import "github.com/kotori-ai/voicehub-server/pkg/speech"

// EventSink receives decoded recognition results and device lifecycle
// events. Implementations must not block; the hub calls them inline.
type EventSink interface {
	OnRecognitionResult(deviceID string, result speech.Result)
	OnSynthesizedAudio(deviceID string, chunk speech.AudioChunk)
	OnDeviceOnline(deviceID string)
	OnDeviceOffline(deviceID string)
}

type nopSink struct{}

func (nopSink) OnRecognitionResult(string, speech.Result)    {}
func (nopSink) OnSynthesizedAudio(string, speech.AudioChunk) {}
func (nopSink) OnDeviceOnline(string)                        {}
func (nopSink) OnDeviceOffline(string)                       {}
