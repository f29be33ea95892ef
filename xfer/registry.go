package xfer

import (
	"sync"
	"time"
)

// Entry is what the registry tracks per live request: the Transfer doing
// the work, the API socket it should forward events to (nilable once the
// client disconnects), and enough bookkeeping to GC it later.
type Entry struct {
	Transfer     *Transfer
	Socket       any // API connection; set by the supervisor, cleared by DetachSocket; opaque here
	BotNick      string
	PackNumber   string
	SendProgress bool
	StartTime    time.Time
}

// Registry maps registry keys ("filename|port") to live Entries, and holds
// a side list of pending entries keyed by bot nick until the bot's SEND
// promotes them. Modeled directly on client/transfer_registry.go: a
// sync.Map per index plus one mutex serializing the handful of operations
// that touch more than one index at once.
type Registry struct {
	byKey     sync.Map // string -> *Entry
	byBotNick sync.Map // string -> []*Entry (pending, pre-SEND)
	mu        sync.Mutex

	gcStop chan struct{}
	gcOnce sync.Once
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{gcStop: make(chan struct{})}
}

// InsertPending files entry under botNick before its SEND has arrived; a
// single bot may have more than one request pending at once.
func (r *Registry) InsertPending(botNick string, entry *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, _ := r.byBotNick.LoadOrStore(botNick, &[]*Entry{})
	list := v.(*[]*Entry)
	*list = append(*list, entry)
}

// Promote moves the oldest pending entry for botNick into the keyed index
// once its PackInfo is known, and returns the key it was filed under. If
// no pending entry exists for botNick, ok is false.
func (r *Registry) Promote(botNick string, pack PackInfo) (key string, entry *Entry, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, loaded := r.byBotNick.Load(botNick)
	if !loaded {
		return "", nil, false
	}
	list := v.(*[]*Entry)
	if len(*list) == 0 {
		return "", nil, false
	}

	entry = (*list)[0]
	*list = (*list)[1:]
	if len(*list) == 0 {
		r.byBotNick.Delete(botNick)
	}

	key = pack.RegistryKey()
	r.byKey.Store(key, entry)
	return key, entry, true
}

// Lookup returns the entry registered under key, if any.
func (r *Registry) Lookup(key string) (*Entry, bool) {
	v, ok := r.byKey.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}

// DetachSocket nils the Socket field of every entry currently pointing at
// socket. The owning Transfer is left running; only event delivery to that
// socket stops.
func (r *Registry) DetachSocket(socket any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byKey.Range(func(_, v any) bool {
		e := v.(*Entry)
		if e.Socket == socket {
			e.Socket = nil
		}
		return true
	})
	r.byBotNick.Range(func(_, v any) bool {
		list := v.(*[]*Entry)
		for _, e := range *list {
			if e.Socket == socket {
				e.Socket = nil
			}
		}
		return true
	})
}

// Remove deletes the entry filed under key immediately.
func (r *Registry) Remove(key string) {
	r.byKey.Delete(key)
}

// RemoveAfter deletes the entry filed under key after a grace delay, long
// enough to let a terminal API envelope flush before the entry (and its
// Transfer) become unreachable for lookups.
func (r *Registry) RemoveAfter(key string, grace time.Duration) {
	time.AfterFunc(grace, func() {
		r.Remove(key)
	})
}

// All returns every entry currently filed under the keyed index. Pending
// (pre-SEND) entries are not included.
func (r *Registry) All() []*Entry {
	var result []*Entry
	r.byKey.Range(func(_, v any) bool {
		result = append(result, v.(*Entry))
		return true
	})
	return result
}

// StartGC runs a periodic sweep dropping entries whose Socket is nil and
// whose StartTime is older than maxAge, matching the ticker-driven cleanup
// style of client/slots.go's cleanupLoop.
func (r *Registry) StartGC(interval, maxAge time.Duration) {
	go r.gcLoop(interval, maxAge)
}

func (r *Registry) gcLoop(interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(maxAge)
		case <-r.gcStop:
			return
		}
	}
}

func (r *Registry) sweep(maxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	r.byKey.Range(func(k, v any) bool {
		e := v.(*Entry)
		if e.Socket == nil && e.StartTime.Before(cutoff) {
			r.byKey.Delete(k)
		}
		return true
	})
}

// StopGC halts the background sweep. Safe to call more than once.
func (r *Registry) StopGC() {
	r.gcOnce.Do(func() {
		close(r.gcStop)
	})
}
