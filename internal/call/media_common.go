package call

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// localMedia is the locally-held media stream of one session. Exactly one
// acquisition happens per session and stopTracks releases every constituent
// track on every exit path.
type localMedia struct {
	synthetic bool

	audioTrack  webrtc.TrackLocal
	audioSender *webrtc.RTPSender

	stopOnce sync.Once
	stop     func()
}

func (m *localMedia) kind() string {
	if m.synthetic {
		return "synthetic"
	}
	return "hardware"
}

// stopTracks releases the stream. Safe to call more than once.
func (m *localMedia) stopTracks() {
	m.stopOnce.Do(func() {
		if m.stop != nil {
			m.stop()
		}
	})
}

// setAudioEnabled mutes or unmutes by swapping the audio sender's track;
// no renegotiation happens either way.
func (m *localMedia) setAudioEnabled(on bool) error {
	if m.audioSender == nil {
		return nil
	}
	if on {
		return m.audioSender.ReplaceTrack(m.audioTrack)
	}
	return m.audioSender.ReplaceTrack(nil)
}

// defaultStunURL matches the negotiation config the web client used.
const defaultStunURL = "stun:stun.l.google.com:19302"

// basePC builds a PeerConnection with default codecs and interceptors.
func basePC(stunURL string) (*webrtc.PeerConnection, error) {
	if stunURL == "" {
		stunURL = defaultStunURL
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	api, err := newAPI(mediaEngine)
	if err != nil {
		return nil, err
	}
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{stunURL}}},
	})
}
