package services

import (
	"context"
	"sync"
)

// chatLocks serializes work per chat id so the messages of one conversation
// are stored and published in the order they were accepted. Semaphores are
// reference counted and dropped when idle.
type chatLocks struct {
	mu   sync.Mutex
	sems map[string]*chatSem
}

type chatSem struct {
	ch   chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{sems: make(map[string]*chatSem)}
}

// acquire blocks until the chat is free or ctx is done.
func (l *chatLocks) acquire(ctx context.Context, chatID string) (release func(), err error) {
	l.mu.Lock()
	s, ok := l.sems[chatID]
	if !ok {
		s = &chatSem{ch: make(chan struct{}, 1)}
		l.sems[chatID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(chatID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.drop(chatID, s)
		})
	}, nil
}

func (l *chatLocks) drop(chatID string, s *chatSem) {
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.sems, chatID)
	}
	l.mu.Unlock()
}

func (l *chatLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sems)
}
