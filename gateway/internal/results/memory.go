package results

import (
	"context"
	"sync"
)

// MemoryBroker delivers outcomes within one process.
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[string][]*memorySub
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string][]*memorySub)}
}

type memorySub struct {
	broker *MemoryBroker
	jobID  string
	ch     chan Outcome
	once   sync.Once
}

func (b *MemoryBroker) Subscribe(_ context.Context, jobID string) (Subscription, error) {
	s := &memorySub{broker: b, jobID: jobID, ch: make(chan Outcome, 1)}
	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], s)
	b.mu.Unlock()
	return s, nil
}

func (b *MemoryBroker) Publish(_ context.Context, o Outcome) error {
	b.mu.Lock()
	subs := b.subs[o.JobID]
	delete(b.subs, o.JobID)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- o:
		default:
		}
	}
	return nil
}

func (s *memorySub) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case o := <-s.ch:
		return &o, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySub) Close() error {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[s.jobID]
		for i, x := range subs {
			if x == s {
				b.subs[s.jobID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[s.jobID]) == 0 {
			delete(b.subs, s.jobID)
		}
	})
	return nil
}
