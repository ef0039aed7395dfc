package realtime

import (
	"context"
	"sync"
)

// sessionLookup is the part of the Registry the channel manager consults.
type sessionLookup interface {
	Has(token SessionToken) bool
}

// Channels owns the per-session delivery channels.
//
// A channel is created by Open and destroyed by Stream.Cancel or Close, so a channel
// exists exactly while its session has a subscriber. Lock order is Channels.mu, then the
// registry lock (Open checks registration while holding mu).
type Channels struct {
	mu       sync.RWMutex
	sessions sessionLookup
	byToken  map[SessionToken]*channel
}

// NewChannels constructs a channel manager bound to sessions.
func NewChannels(sessions sessionLookup) *Channels {
	return &Channels{
		sessions: sessions,
		byToken:  make(map[SessionToken]*channel),
	}
}

// channel is an unbounded FIFO with a single consumer.
type channel struct {
	mu     sync.Mutex
	queue  []Message
	err    error // terminal reason, set once
	notify chan struct{}
	done   chan struct{}
}

func newChannel() *channel {
	return &channel{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *channel) push(m Message) bool {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, m)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

func (c *channel) close(reason error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = reason
	c.queue = nil
	c.mu.Unlock()
	close(c.done)
}

// Open creates the channel for token and returns its only subscriber handle.
func (cs *Channels) Open(token SessionToken) (*Stream, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.sessions != nil && !cs.sessions.Has(token) {
		return nil, ErrUnknownSession
	}
	if _, ok := cs.byToken[token]; ok {
		return nil, ErrAlreadyStreaming
	}

	ch := newChannel()
	cs.byToken[token] = ch
	return &Stream{token: token, ch: ch, owner: cs}, nil
}

// Enqueue appends m to token's channel. It never blocks; it reports false when the
// session has no open channel and the message is dropped.
func (cs *Channels) Enqueue(token SessionToken, m Message) bool {
	cs.mu.RLock()
	ch := cs.byToken[token]
	cs.mu.RUnlock()

	if ch == nil {
		return false
	}
	return ch.push(m)
}

// Close tears down token's channel and ends its subscriber with ErrSessionEvicted.
func (cs *Channels) Close(token SessionToken) bool {
	cs.mu.Lock()
	ch, ok := cs.byToken[token]
	if ok {
		delete(cs.byToken, token)
	}
	cs.mu.Unlock()

	if !ok {
		return false
	}
	ch.close(ErrSessionEvicted)
	return true
}

// Streaming reports whether token has an open channel.
func (cs *Channels) Streaming(token SessionToken) bool {
	cs.mu.RLock()
	_, ok := cs.byToken[token]
	cs.mu.RUnlock()
	return ok
}

// Len returns the number of open channels.
func (cs *Channels) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.byToken)
}

func (cs *Channels) release(token SessionToken, ch *channel) {
	cs.mu.Lock()
	if cur, ok := cs.byToken[token]; ok && cur == ch {
		delete(cs.byToken, token)
	}
	cs.mu.Unlock()
	ch.close(ErrStreamCancelled)
}

// Stream is the cancellable, ordered sequence of messages delivered to one session.
// Next must be called from a single goroutine.
type Stream struct {
	token SessionToken
	ch    *channel
	owner *Channels
	once  sync.Once
}

// Token returns the session the stream belongs to.
func (s *Stream) Token() SessionToken { return s.token }

// Done is closed when the stream has been cancelled or its session evicted.
func (s *Stream) Done() <-chan struct{} { return s.ch.done }

// Err returns the terminal reason once Done is closed, nil before.
func (s *Stream) Err() error {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	return s.ch.err
}

// Next blocks until the next message in enqueue order. It returns ErrStreamCancelled
// after Cancel, ErrSessionEvicted after eviction, or ctx.Err().
func (s *Stream) Next(ctx context.Context) (Message, error) {
	ch := s.ch
	for {
		ch.mu.Lock()
		if ch.err != nil {
			err := ch.err
			ch.mu.Unlock()
			return Message{}, err
		}
		if len(ch.queue) > 0 {
			m := ch.queue[0]
			ch.queue[0] = Message{}
			ch.queue = ch.queue[1:]
			ch.mu.Unlock()
			return m, nil
		}
		ch.mu.Unlock()

		select {
		case <-ch.notify:
		case <-ch.done:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Cancel ends the stream and destroys its channel. It is idempotent.
func (s *Stream) Cancel() {
	s.once.Do(func() { s.owner.release(s.token, s.ch) })
}
