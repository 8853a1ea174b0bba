package call

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newAPI assembles the WebRTC API around a prepared media engine.
func newAPI(mediaEngine *webrtc.MediaEngine) (*webrtc.API, error) {
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	), nil
}
