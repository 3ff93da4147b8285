// Package keypool owns the credential pool. All mutation is serialized
// through a single actor goroutine: handlers lease keys with Request, give
// them back with Return, and the management API feeds Submit and Delete.
// Whenever membership or cooldown state actually changes, the actor persists
// a snapshot of the pool through its persist hook.
package keypool

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/PoolProxyAPI/internal/config"
)

// ErrNoKeyAvailable is returned by Request when the pool is empty or every
// key is cooling down.
var ErrNoKeyAvailable = errors.New("no key available")

// ErrKeyNotFound is returned by Delete when no pooled key matches.
var ErrKeyNotFound = errors.New("key not found in pool")

// PersistFunc receives a snapshot of the pool whenever it must be made
// durable. Implementations run on the actor goroutine and should hand off
// slow I/O to their own goroutine.
type PersistFunc func(keys []config.KeyStatus)

// message kinds processed by the actor. Each mutating operation carries the
// key it concerns; calls that need an answer carry a reply channel.
type message struct {
	kind        msgKind
	key         config.KeyStatus
	replyKey    chan keyReply
	replyErr    chan error
	replyStatus chan []config.KeyStatus
}

type msgKind int

const (
	msgRequest msgKind = iota
	msgReturn
	msgSubmit
	msgDelete
	msgStatus
)

type keyReply struct {
	key config.KeyStatus
	err error
}

// Pool is the handle to the key pool actor.
type Pool struct {
	inbox   chan message
	done    chan struct{}
	persist PersistFunc
}

// ConfigPersister persists pool snapshots into the live configuration: the
// gemini-keys list is replaced in the RCU snapshot synchronously, then the
// file write runs on its own goroutine. Write failures are logged and
// otherwise ignored; durability here is best effort.
func ConfigPersister(keys []config.KeyStatus) {
	cfg := config.Update(func(c *config.Config) {
		c.GeminiKeys = keys
	})
	go func() {
		if err := cfg.Save(); err != nil {
			log.Errorf("key pool: failed to save snapshot: %v", err)
			return
		}
		log.Debugf("key pool: snapshot saved with %d keys", len(keys))
	}()
}

// NewPool starts the actor with the given initial keys. Duplicate secrets in
// the input collapse to the first occurrence.
func NewPool(initial []config.KeyStatus, persist PersistFunc) *Pool {
	if persist == nil {
		persist = func([]config.KeyStatus) {}
	}
	p := &Pool{
		inbox:   make(chan message),
		done:    make(chan struct{}),
		persist: persist,
	}

	state := make([]config.KeyStatus, 0, len(initial))
	for _, k := range initial {
		if k.Key == "" || containsKey(state, k) {
			continue
		}
		state = append(state, k.Clone())
	}

	go p.run(state)
	return p
}

// run is the actor loop. It owns state exclusively; messages are processed
// FIFO and never reordered.
func (p *Pool) run(state []config.KeyStatus) {
	for msg := range p.inbox {
		switch msg.kind {
		case msgRequest:
			key, err := dispatch(&state)
			msg.replyKey <- keyReply{key: key, err: err}
		case msgReturn:
			state = p.collect(state, msg.key)
		case msgSubmit:
			state = p.accept(state, msg.key)
		case msgDelete:
			var err error
			state, err = p.remove(state, msg.key)
			msg.replyErr <- err
		case msgStatus:
			msg.replyStatus <- cloneKeys(state)
		}
	}
	// Final forced snapshot on shutdown.
	p.persist(cloneKeys(state))
	close(p.done)
}

// dispatch leases the first available key: it is moved to the tail and a
// clone is handed to the caller. Ordering-only changes are not persisted.
func dispatch(state *[]config.KeyStatus) (config.KeyStatus, error) {
	now := time.Now()
	for i := range *state {
		if (*state)[i].Available(now) {
			key := (*state)[i]
			*state = append(append((*state)[:i:i], (*state)[i+1:]...), key)
			return key.Clone(), nil
		}
	}
	return config.KeyStatus{}, ErrNoKeyAvailable
}

// collect takes a returned key back into the pool. The stored entry is
// replaced wholesale so an updated cooldown sticks; a cooldown change
// triggers a snapshot, a plain return does not. Unknown keys are dropped.
func (p *Pool) collect(state []config.KeyStatus, key config.KeyStatus) []config.KeyStatus {
	for i := range state {
		if state[i].SameKey(key) {
			cooldownChanged := !state[i].SameCooldown(key)
			state[i] = key.Clone()
			if cooldownChanged {
				log.Infof("key pool: cooldown changed for %s, saving snapshot", key.Ellipse())
				p.persist(cloneKeys(state))
			}
			return state
		}
	}
	log.Errorf("key pool: returned key not found in pool: %s", key.Ellipse())
	return state
}

// accept adds a newly submitted key unless its secret is already pooled.
func (p *Pool) accept(state []config.KeyStatus, key config.KeyStatus) []config.KeyStatus {
	if key.Key == "" || containsKey(state, key) {
		log.Infof("key pool: key already exists, ignoring submit")
		return state
	}
	state = append(state, key.Clone())
	log.Infof("key pool: key %s added, %d keys pooled", key.Ellipse(), len(state))
	p.persist(cloneKeys(state))
	return state
}

// remove deletes a key by secret.
func (p *Pool) remove(state []config.KeyStatus, key config.KeyStatus) ([]config.KeyStatus, error) {
	for i := range state {
		if state[i].SameKey(key) {
			state = append(state[:i], state[i+1:]...)
			log.Infof("key pool: key %s deleted, %d keys remaining", key.Ellipse(), len(state))
			p.persist(cloneKeys(state))
			return state, nil
		}
	}
	log.Errorf("key pool: delete did not find key %s", key.Ellipse())
	return state, ErrKeyNotFound
}

// Request leases a key. The first key not on cooldown is rotated to the tail
// of the queue and returned; ErrNoKeyAvailable if none qualifies.
func (p *Pool) Request(ctx context.Context) (config.KeyStatus, error) {
	if err := ctx.Err(); err != nil {
		return config.KeyStatus{}, err
	}
	reply := make(chan keyReply, 1)
	select {
	case p.inbox <- message{kind: msgRequest, replyKey: reply}:
	case <-ctx.Done():
		return config.KeyStatus{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.key, r.err
	case <-ctx.Done():
		return config.KeyStatus{}, ctx.Err()
	}
}

// Return gives a leased key back, carrying any cooldown update. Reports are
// fired on detached goroutines, so a return may arrive after Close; it is
// then dropped.
func (p *Pool) Return(key config.KeyStatus) {
	defer func() {
		if recover() != nil {
			log.Warnf("key pool: closed, dropping returned key %s", key.Ellipse())
		}
	}()
	p.inbox <- message{kind: msgReturn, key: key}
}

// Submit adds a new key to the pool. Duplicate secrets are ignored.
func (p *Pool) Submit(key config.KeyStatus) {
	p.inbox <- message{kind: msgSubmit, key: key}
}

// Delete removes a key from the pool by secret.
func (p *Pool) Delete(key config.KeyStatus) error {
	reply := make(chan error, 1)
	p.inbox <- message{kind: msgDelete, key: key, replyErr: reply}
	return <-reply
}

// Status returns a cloned view of the queue for admin display.
func (p *Pool) Status() []config.KeyStatus {
	reply := make(chan []config.KeyStatus, 1)
	p.inbox <- message{kind: msgStatus, replyStatus: reply}
	return <-reply
}

// Close stops the actor after a final forced snapshot. Blocks until the
// snapshot hook has run.
func (p *Pool) Close() {
	close(p.inbox)
	<-p.done
}

func containsKey(state []config.KeyStatus, key config.KeyStatus) bool {
	for i := range state {
		if state[i].SameKey(key) {
			return true
		}
	}
	return false
}

func cloneKeys(state []config.KeyStatus) []config.KeyStatus {
	out := make([]config.KeyStatus, len(state))
	for i := range state {
		out[i] = state[i].Clone()
	}
	return out
}
