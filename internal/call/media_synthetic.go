package call

import (
	"fmt"
	"math"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	syntheticVideoInterval = 33 * time.Millisecond // ~30 fps
	syntheticAudioInterval = 20 * time.Millisecond
	syntheticFrameLen      = 1200
	syntheticToneHz        = 440
	syntheticToneAmplitude = 0.08 // low-amplitude, audible but quiet
)

// attachSynthetic adds a deterministic pattern-bearing video track and a
// low-amplitude tone audio track to pc. This keeps the negotiation and
// media pipeline exercisable end-to-end without any hardware; permission
// denial or a missing device never blocks a call.
func attachSynthetic(label string, pc *webrtc.PeerConnection) (*localMedia, error) {
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"synthetic-video", label,
	)
	if err != nil {
		return nil, fmt.Errorf("synthetic video track: %w", err)
	}
	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"synthetic-audio", label,
	)
	if err != nil {
		return nil, fmt.Errorf("synthetic audio track: %w", err)
	}

	if _, err := pc.AddTrack(videoTrack); err != nil {
		return nil, fmt.Errorf("add synthetic video: %w", err)
	}
	audioSender, err := pc.AddTrack(audioTrack)
	if err != nil {
		return nil, fmt.Errorf("add synthetic audio: %w", err)
	}

	done := make(chan struct{})
	go writeSyntheticVideo(videoTrack, done)
	go writeSyntheticAudio(audioTrack, done)

	return &localMedia{
		synthetic:   true,
		audioTrack:  audioTrack,
		audioSender: audioSender,
		stop: func() {
			close(done)
		},
	}, nil
}

// writeSyntheticVideo emits a deterministic moving-bar payload. The content
// only needs to be stable and recognizable; it is not a decodable bitstream.
func writeSyntheticVideo(track *webrtc.TrackLocalStaticSample, done chan struct{}) {
	ticker := time.NewTicker(syntheticVideoInterval)
	defer ticker.Stop()

	frame := make([]byte, syntheticFrameLen)
	var seq byte
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for i := range frame {
				frame[i] = byte(i) ^ seq
			}
			seq++
			if err := track.WriteSample(media.Sample{Data: frame, Duration: syntheticVideoInterval}); err != nil {
				return
			}
		}
	}
}

// writeSyntheticAudio emits a quiet fixed-frequency tone.
func writeSyntheticAudio(track *webrtc.TrackLocalStaticSample, done chan struct{}) {
	ticker := time.NewTicker(syntheticAudioInterval)
	defer ticker.Stop()

	samplesPerFrame := int(float64(48000) * syntheticAudioInterval.Seconds())
	frame := make([]byte, samplesPerFrame)
	var phase float64
	step := 2 * math.Pi * syntheticToneHz / 48000

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			for i := range frame {
				frame[i] = byte(128 + syntheticToneAmplitude*127*math.Sin(phase))
				phase += step
			}
			if err := track.WriteSample(media.Sample{Data: frame, Duration: syntheticAudioInterval}); err != nil {
				return
			}
		}
	}
}

// syntheticPC builds a PeerConnection carrying the synthetic stream.
func syntheticPC(label, stunURL string) (*webrtc.PeerConnection, *localMedia, error) {
	pc, err := basePC(stunURL)
	if err != nil {
		return nil, nil, err
	}
	media, err := attachSynthetic(label, pc)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, media, nil
}
