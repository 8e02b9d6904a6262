package synchronizer

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Prince-Choudhury/Decentralized-Voting-System/pkgs/election"
)

// subscriber delivers the newest pending snapshot to its handler from its
// own goroutine. Versions only increase; intermediate snapshots may be skipped.
type subscriber struct {
	handler Handler

	mu      sync.Mutex
	pending *election.Snapshot

	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func (sub *subscriber) offer(snapshot *election.Snapshot) {
	sub.mu.Lock()
	if sub.pending == nil || snapshot.Version > sub.pending.Version {
		sub.pending = snapshot
	}
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) run() {
	var delivered uint64
	for {
		select {
		case <-sub.wake:
			sub.mu.Lock()
			snapshot := sub.pending
			sub.pending = nil
			sub.mu.Unlock()

			if snapshot == nil || snapshot.Version <= delivered {
				continue
			}
			delivered = snapshot.Version
			sub.deliver(snapshot)
		case <-sub.quit:
			return
		}
	}
}

func (sub *subscriber) deliver(snapshot *election.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("error", r).Error("Panic in snapshot handler")
		}
	}()
	sub.handler(snapshot)
}

func (sub *subscriber) stop() {
	sub.once.Do(func() { close(sub.quit) })
}

// Subscribe registers handler for snapshot-changed notifications and returns
// a function removing it. The current snapshot, if any, is delivered first.
func (s *Synchronizer) Subscribe(handler Handler) func() {
	sub := &subscriber{
		handler: handler,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subMu.Unlock()

	go sub.run()
	if current := s.current.Load(); current != nil {
		sub.offer(current)
	}

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
		sub.stop()
	}
}

func (s *Synchronizer) notify(snapshot *election.Snapshot) {
	s.subMu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.offer(snapshot)
	}
}

// Close stops every subscriber goroutine
func (s *Synchronizer) Close() {
	s.subMu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]*subscriber)
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}
