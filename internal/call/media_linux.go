//go:build linux && cgo

package call

import (
	"log"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// initMediaPC acquires local media for a session: camera/mic capture via
// pion/mediadevices first (V4L2 + malgo), synthetic stream when no attempt
// succeeds. Hardware failure is diagnostic-only; the call proceeds either
// way.
func initMediaPC(label, stunURL string) (*webrtc.PeerConnection, *localMedia, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return syntheticFallback(label, stunURL, err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return syntheticFallback(label, stunURL, err)
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	api, err := newAPI(mediaEngine)
	if err != nil {
		return nil, nil, err
	}
	stun := stunURL
	if stun == "" {
		stun = defaultStunURL
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{stun}}},
	})
	if err != nil {
		return nil, nil, err
	}

	// GetUserMedia fails as a unit if either track can't be opened. Try
	// video+audio first, then each alone, so a busy microphone doesn't
	// prevent the camera from working and vice versa.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node that
				// produces malformed frames and poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", label, a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		lm := &localMedia{
			stop: func() {
				for _, t := range tracks {
					t.Close()
				}
			},
		}
		failed := false
		for _, track := range tracks {
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", label, err)
				failed = true
				break
			}
			if track.Kind() == webrtc.RTPCodecTypeAudio {
				lm.audioTrack = track
				lm.audioSender = sender
			}
		}
		if failed {
			lm.stopTracks()
			continue
		}

		log.Printf("CALL [%s]: local media captured (%s), %d tracks", label, a.label, len(tracks))
		return pc, lm, nil
	}

	// All hardware attempts failed: the synthetic stream keeps the pipeline
	// alive end-to-end. A fresh PC is built because the codec engine above
	// was populated for the hardware encoders.
	_ = pc.Close()
	log.Printf("CALL [%s]: no usable capture device, using synthetic media", label)
	return syntheticPC(label, stunURL)
}

func syntheticFallback(label, stunURL string, cause error) (*webrtc.PeerConnection, *localMedia, error) {
	log.Printf("CALL [%s]: codec init failed (%v), using synthetic media", label, cause)
	return syntheticPC(label, stunURL)
}
