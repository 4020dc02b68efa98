package mocks

import "sync"

// Emitted is one recorded emit or broadcast.
type Emitted struct {
	SocketID  string
	Except    string
	Event     string
	Payload   any
	Broadcast bool
}

// RecordingEmitter records events instead of writing to sockets. Sockets listed
// in Live count as connected.
type RecordingEmitter struct {
	mu     sync.Mutex
	live   map[string]bool
	events []Emitted
}

func NewRecordingEmitter(live ...string) *RecordingEmitter {
	e := &RecordingEmitter{live: make(map[string]bool)}
	for _, id := range live {
		e.live[id] = true
	}
	return e
}

func (e *RecordingEmitter) Emit(socketID, event string, payload any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ok := e.live[socketID]
	if ok {
		e.events = append(e.events, Emitted{SocketID: socketID, Event: event, Payload: payload})
	}
	return ok
}

func (e *RecordingEmitter) Broadcast(exceptSocketID, event string, payload any) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, Emitted{Except: exceptSocketID, Event: event, Payload: payload, Broadcast: true})
	n := 0
	for id := range e.live {
		if id != exceptSocketID {
			n++
		}
	}
	return n
}

// To returns the events emitted directly to socketID, in order.
func (e *RecordingEmitter) To(socketID string) []Emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Emitted
	for _, ev := range e.events {
		if !ev.Broadcast && ev.SocketID == socketID {
			out = append(out, ev)
		}
	}
	return out
}

// Broadcasts returns the recorded broadcasts of event, in order.
func (e *RecordingEmitter) Broadcasts(event string) []Emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Emitted
	for _, ev := range e.events {
		if ev.Broadcast && ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (e *RecordingEmitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}
