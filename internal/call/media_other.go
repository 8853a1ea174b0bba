//go:build !linux || !cgo

package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// Hardware capture is wired for Linux only; other platforms always get the
// synthetic stream.
func initMediaPC(label, stunURL string) (*webrtc.PeerConnection, *localMedia, error) {
	log.Printf("CALL [%s]: hardware capture unavailable on this platform, using synthetic media", label)
	return syntheticPC(label, stunURL)
}
