package transport

import (
	"sync"

	"github.com/fablewire/fablewire/pkg/fablewire/wire"
)

// StatusListener is notified on every status transition. err is non-nil when
// the transition was caused by a failure (socket error, retry budget
// exhausted); it is nil for ordinary transitions.
type StatusListener func(old, new Status, err error)

// FrameListener is notified for every decoded inbound frame, after the
// router has applied the frame's store mutations.
type FrameListener func(msg *wire.Message)

// ServerErrorListener is notified when the server signals an application
// level error over a healthy socket.
type ServerErrorListener func(code, message string)

// listenerRegistry fans out transport events to any number of independent
// subscribers. Each Add returns a remove function, so consumers never
// overwrite each other's handlers.
type listenerRegistry struct {
	mu       sync.Mutex
	nextID   int
	statuses map[int]StatusListener
	frames   map[int]FrameListener
	errors   map[int]ServerErrorListener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{
		statuses: make(map[int]StatusListener),
		frames:   make(map[int]FrameListener),
		errors:   make(map[int]ServerErrorListener),
	}
}

func (r *listenerRegistry) addStatus(fn StatusListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.statuses[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.statuses, id)
	}
}

func (r *listenerRegistry) addFrame(fn FrameListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.frames[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.frames, id)
	}
}

func (r *listenerRegistry) addServerError(fn ServerErrorListener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.errors[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.errors, id)
	}
}

func (r *listenerRegistry) notifyStatus(old, new Status, err error) {
	for _, fn := range r.statusSnapshot() {
		fn(old, new, err)
	}
}

func (r *listenerRegistry) notifyFrame(msg *wire.Message) {
	r.mu.Lock()
	fns := make([]FrameListener, 0, len(r.frames))
	for _, fn := range r.frames {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (r *listenerRegistry) notifyServerError(code, message string) {
	r.mu.Lock()
	fns := make([]ServerErrorListener, 0, len(r.errors))
	for _, fn := range r.errors {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(code, message)
	}
}

func (r *listenerRegistry) statusSnapshot() []StatusListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	fns := make([]StatusListener, 0, len(r.statuses))
	for _, fn := range r.statuses {
		fns = append(fns, fn)
	}
	return fns
}
