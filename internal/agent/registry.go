package agent

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nlink/agent/internal/protocol"
)

// buffered frames per request before the channel read loop blocks.
const _request_buffer = 32

// PerRequest is the lifecycle object for one relay-originated request.
// it owns the inbound sub-stream; the dispatcher drives it until the
// first of local end, remote end, error, or tunnel teardown.
type PerRequest struct {
	ID   protocol.RequestID
	Kind string // protocol.TypeHTTP or protocol.TypeWS
	// RawDescriptor is the undecoded request descriptor payload.
	RawDescriptor []byte

	frames     chan *protocol.Frame
	done       chan struct{}
	finishOnce sync.Once
}

// Frames is the inbound sub-stream: every subsequent frame for this
// request id, in receive order.
func (p *PerRequest) Frames() <-chan *protocol.Frame {
	return p.frames
}

// Done closes when the request is finished or the tunnel tears down.
func (p *PerRequest) Done() <-chan struct{} {
	return p.done
}

// Finish marks the request complete and stops frame delivery. idempotent.
func (p *PerRequest) Finish() {
	p.finishOnce.Do(func() {
		close(p.done)
	})
}

// Registry routes inbound frames to per-request sub-streams by
// request id. mutation happens on the channel's read task; the mutex
// covers removal from finished requests.
type Registry struct {
	log      zerolog.Logger
	handle   func(*PerRequest)
	idle     func(protocol.IdleDescriptor)
	mu       sync.Mutex
	requests map[protocol.RequestID]*PerRequest
}

// NewRegistry creates a registry. handle is invoked on its own
// goroutine for each new request; idle receives go-idle descriptors.
func NewRegistry(log zerolog.Logger, handle func(*PerRequest), idle func(protocol.IdleDescriptor)) *Registry {
	return &Registry{
		log:      log,
		handle:   handle,
		idle:     idle,
		requests: make(map[protocol.RequestID]*PerRequest),
	}
}

// Route delivers one decoded frame: new http/ws ids create a
// PerRequest, known ids get the frame on their sub-stream, go-idle
// goes to the supervisor, and anything else with an unknown id is
// dropped.
func (r *Registry) Route(f *protocol.Frame) {
	if f.Type == protocol.TypeGoIdle {
		var desc protocol.IdleDescriptor
		if err := json.Unmarshal(f.Payload, &desc); err != nil {
			r.log.Warn().Err(err).Msg("dropping malformed go-idle frame")
			return
		}
		r.idle(desc)
		return
	}

	r.mu.Lock()
	pr, known := r.requests[f.RequestID]
	if !known && (f.Type == protocol.TypeHTTP || f.Type == protocol.TypeWS) {
		pr = &PerRequest{
			ID:            f.RequestID,
			Kind:          f.Type,
			RawDescriptor: f.Payload,
			frames:        make(chan *protocol.Frame, _request_buffer),
			done:          make(chan struct{}),
		}
		r.requests[f.RequestID] = pr
		r.mu.Unlock()
		go func() {
			defer r.remove(pr.ID)
			defer pr.Finish()
			r.handle(pr)
		}()
		return
	}
	r.mu.Unlock()

	if !known {
		r.log.Trace().Str("type", f.Type).Msg("dropping frame for unknown request")
		return
	}
	select {
	case pr.frames <- f:
	case <-pr.done:
	}
}

// remove forgets a finished request.
func (r *Registry) remove(id protocol.RequestID) {
	r.mu.Lock()
	delete(r.requests, id)
	r.mu.Unlock()
}

// CloseAll finishes every in-flight request; called when the tunnel
// tears down so no request survives into the next session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	pending := make([]*PerRequest, 0, len(r.requests))
	for _, pr := range r.requests {
		pending = append(pending, pr)
	}
	r.requests = make(map[protocol.RequestID]*PerRequest)
	r.mu.Unlock()
	for _, pr := range pending {
		pr.Finish()
	}
}

// Len reports the number of in-flight requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
