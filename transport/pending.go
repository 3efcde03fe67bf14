package transport

import (
	"sync"
	"time"

	"hiway-rpc/codec"
)

// ResponseCallback receives the outcome of one request: the response header and raw body,
// or a transport error. It runs exactly once per request.
type ResponseCallback func(id int64, header *codec.ResponseHeader, body []byte, err error)

type pendingCall struct {
	deadline time.Time
	callback ResponseCallback
}

// pendingTable maps correlation ids to their outstanding calls on one connection.
// Removing an entry is the only way to claim it, so whichever of response, timeout or
// connection loss removes it first is the one that completes the call.
type pendingTable struct {
	mu    sync.Mutex
	calls map[int64]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[int64]*pendingCall)}
}

// add registers call under id. It fails if id is still outstanding.
func (p *pendingTable) add(id int64, call *pendingCall) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.calls[id]; ok {
		return false
	}
	p.calls[id] = call
	return true
}

// remove claims the call registered under id, nil if there is none.
func (p *pendingTable) remove(id int64) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	return call
}

// drain claims every outstanding call.
func (p *pendingTable) drain() map[int64]*pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	calls := p.calls
	p.calls = make(map[int64]*pendingCall)
	return calls
}

// expired claims the calls whose deadline is before now.
func (p *pendingTable) expired(now time.Time) map[int64]*pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out map[int64]*pendingCall
	for id, call := range p.calls {
		if !call.deadline.IsZero() && call.deadline.Before(now) {
			if out == nil {
				out = make(map[int64]*pendingCall)
			}
			out[id] = call
			delete(p.calls, id)
		}
	}
	return out
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
