package eventlog

import "sync"

// Notifier wakes stream pollers when a run gets new events. It is an
// optimization only: a missed wake-up costs one poll interval, never an
// event, because readers always re-read from their cursor.
type Notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: map[string]map[chan struct{}]struct{}{}}
}

// Subscribe returns a channel that receives a signal after each publish for
// runID. Signals coalesce. The returned func must be called to unsubscribe.
func (n *Notifier) Subscribe(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	if n == nil {
		return ch, func() {}
	}
	n.mu.Lock()
	set, ok := n.subs[runID]
	if !ok {
		set = map[chan struct{}]struct{}{}
		n.subs[runID] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if set, ok := n.subs[runID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(n.subs, runID)
				}
			}
		})
	}
}

// Publish signals every subscriber of runID without blocking.
func (n *Notifier) Publish(runID string) {
	if n == nil || runID == "" {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *Notifier) SubscriberCount() int {
	if n == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, set := range n.subs {
		total += len(set)
	}
	return total
}
