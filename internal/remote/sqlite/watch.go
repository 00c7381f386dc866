package sqlite

import (
	"context"
	"fmt"
	"sync"

	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/model"
	"github.com/dart-technologies/storytime-sleep-sherpa-sub001/internal/remote"
)

// subscriber delivers change batches for one query. Delivery runs on its own
// goroutine with an unbounded pending queue so document writers never block
// on a slow listener; per-subscriber batch order is preserved.
type subscriber struct {
	q  remote.Query
	fn func([]remote.Change)

	mu      sync.Mutex
	pending [][]remote.Change
	known   map[string]struct{}
	stopped bool

	signal chan struct{}
	done   chan struct{}
	exited chan struct{}
}

func newSubscriber(q remote.Query, fn func([]remote.Change)) *subscriber {
	s := &subscriber{
		q:      q,
		fn:     fn,
		known:  make(map[string]struct{}),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go s.deliverLoop()
	return s
}

func (s *subscriber) enqueue(batch []remote.Change) {
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, batch)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) deliverLoop() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			// Queued batches are discarded once stopped: delivering them
			// would hand a torn-down consumer stale results.
			if s.stopped || len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			s.fn(batch)
		}
	}
}

// stop tears the subscription down and joins the delivery goroutine: when it
// returns, fn has been called for the last time.
func (s *subscriber) stop() {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()
	if !already {
		close(s.done)
	}
	<-s.exited
}

// Watch opens a live subscription for q. The current result set arrives as
// one Added batch; later writes arrive as they happen. The returned func
// tears the subscription down synchronously: once it returns, no further
// batches are delivered and queued batches are discarded.
func (b *Backend) Watch(ctx context.Context, q remote.Query, fn func([]remote.Change)) (func(), error) {
	if needsCompositeIndex(q) && !b.hasIndex(q) {
		return nil, fmt.Errorf("%w: %s", model.ErrIndexRequired, queryIndexKey(q))
	}

	b.mu.Lock()
	docs, err := b.fetchLocked(ctx, q)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	sub := newSubscriber(q, fn)
	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub

	initial := make([]remote.Change, 0, len(docs))
	for _, d := range docs {
		sub.known[d.ID] = struct{}{}
		initial = append(initial, remote.Change{Kind: remote.Added, ID: d.ID, Data: d.Data})
	}
	sub.enqueue(initial)
	b.mu.Unlock()

	stop := func() {
		b.mu.Lock()
		if cur, ok := b.subs[id]; ok && cur == sub {
			delete(b.subs, id)
		}
		b.mu.Unlock()
		sub.stop()
	}
	return stop, nil
}

// fanOutUpsert routes a written document to every subscription on the same
// collection. A document entering a query's result set is Added, one staying
// in is Modified, and one falling out of the filter is Removed. Caller holds
// b.mu.
func (b *Backend) fanOutUpsert(p remote.Path, data map[string]any) {
	for _, sub := range b.subs {
		if sub.q.Collection != p.Collection {
			continue
		}
		_, wasKnown := sub.known[p.ID]
		nowMatches := matches(sub.q, data)
		switch {
		case nowMatches && wasKnown:
			sub.enqueue([]remote.Change{{Kind: remote.Modified, ID: p.ID, Data: data}})
		case nowMatches:
			sub.known[p.ID] = struct{}{}
			sub.enqueue([]remote.Change{{Kind: remote.Added, ID: p.ID, Data: data}})
		case wasKnown:
			delete(sub.known, p.ID)
			sub.enqueue([]remote.Change{{Kind: remote.Removed, ID: p.ID}})
		}
	}
}

// fanOutDelete routes a deletion to subscriptions that had the document.
// Caller holds b.mu.
func (b *Backend) fanOutDelete(p remote.Path) {
	for _, sub := range b.subs {
		if sub.q.Collection != p.Collection {
			continue
		}
		if _, ok := sub.known[p.ID]; !ok {
			continue
		}
		delete(sub.known, p.ID)
		sub.enqueue([]remote.Change{{Kind: remote.Removed, ID: p.ID}})
	}
}
