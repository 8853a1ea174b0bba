package call

import (
	"math"
	"sync"
	"time"
)

const (
	ringSampleRate = 8000
	ringChunk      = 20 * time.Millisecond
	ringToneHz     = 880.0
	// Classic ring cadence: two seconds on, four seconds off.
	ringOnDur  = 2 * time.Second
	ringOffDur = 4 * time.Second
)

// Ringer synthesizes a looping ring cadence as PCM chunks on a channel. The
// consumer (an audio sink, or a test) drains Samples; slow consumers lose
// chunks rather than stalling the generator.
type Ringer struct {
	mu      sync.Mutex
	playing bool
	done    chan struct{}
	out     chan []byte
}

func NewRinger() *Ringer {
	return &Ringer{out: make(chan []byte, 8)}
}

// Samples delivers the ringtone PCM stream. The channel stays open across
// Start/Stop cycles; silence between rings is simply the absence of chunks.
func (r *Ringer) Samples() <-chan []byte { return r.out }

func (r *Ringer) Playing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

// Start begins the ring loop. Starting an already playing ringer is a no-op.
func (r *Ringer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playing {
		return
	}
	r.playing = true
	r.done = make(chan struct{})
	go r.loop(r.done)
}

// Stop halts the ring loop. Safe to call when not playing.
func (r *Ringer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.playing {
		return
	}
	r.playing = false
	close(r.done)
}

func (r *Ringer) loop(done chan struct{}) {
	samplesPerChunk := int(ringSampleRate * ringChunk.Seconds())
	chunksOn := int(ringOnDur / ringChunk)
	chunksOff := int(ringOffDur / ringChunk)

	ticker := time.NewTicker(ringChunk)
	defer ticker.Stop()

	pos := 0
	cycle := chunksOn + chunksOff
	phase := 0.0
	step := 2 * math.Pi * ringToneHz / ringSampleRate
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		inRing := pos%cycle < chunksOn
		pos++
		if !inRing {
			continue
		}
		chunk := make([]byte, samplesPerChunk*2)
		for i := 0; i < samplesPerChunk; i++ {
			v := int16(math.Sin(phase) * 0.25 * math.MaxInt16)
			phase += step
			chunk[2*i] = byte(v)
			chunk[2*i+1] = byte(v >> 8)
		}
		select {
		case r.out <- chunk:
		default:
			// consumer behind, drop
		}
	}
}
