package liveness

import "sync"

// Notifier fans a single writer's values out to many readers.
//
// Each subscriber holds at most the latest unread value: a slow reader
// misses intermediate values but always observes the newest one.
// Publish never blocks.
type Notifier struct {
	mutex       sync.Mutex
	subscribers map[uint64]chan bool
	next        uint64
}

func NewNotifier() *Notifier {
	return &Notifier{
		subscribers: make(map[uint64]chan bool),
	}
}

// Subscribe returns a channel of published values and a function to cancel
// the subscription. The channel is closed on cancel.
func (n *Notifier) Subscribe() (<-chan bool, func()) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	id := n.next
	n.next++
	ch := make(chan bool, 1)
	n.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mutex.Lock()
			defer n.mutex.Unlock()
			delete(n.subscribers, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (n *Notifier) Publish(value bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	for _, ch := range n.subscribers {
		// Replace any unread value
		select {
		case <-ch:
		default:
		}
		ch <- value
	}
}
