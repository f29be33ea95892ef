package ircsession

import "sync"

// CTCPHandler receives every CTCP message the underlying IRC connection
// sees, regardless of sender or target; callers filter for the DCC traffic
// they care about.
type CTCPHandler func(sender, target, payload string)

// ctcpRouter fans a single library callback out to any number of
// subscribers, mirroring client/router.go's Register/Unregister/Dispatch
// shape but collapsed to the one event code this session actually routes.
type ctcpRouter struct {
	mu       sync.RWMutex
	handlers map[uint64]CTCPHandler
	nextID   uint64
}

func newCTCPRouter() *ctcpRouter {
	return &ctcpRouter{handlers: make(map[uint64]CTCPHandler)}
}

// Register adds handler and returns an id Unregister can later use to
// remove exactly this subscription.
func (r *ctcpRouter) Register(h CTCPHandler) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.handlers[id] = h
	return id
}

// Unregister removes the subscription with the given id. Safe to call more
// than once.
func (r *ctcpRouter) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

// Dispatch calls every registered handler with the given event,
// synchronously on the caller's goroutine (the IRC library's own read
// loop). Handlers are independent of one another and of call order: each
// filters for the sender/target/payload it owns.
func (r *ctcpRouter) Dispatch(sender, target, payload string) {
	r.mu.RLock()
	handlers := make([]CTCPHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(sender, target, payload)
	}
}
