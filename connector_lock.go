package zsock

import (
	"sync/atomic"
)

type who int32

const (
	none who = iota
	user
	poller
)

type key int32

/* State Diagram
+--------------+         +--------------+
|  processing  |-------->|   closing    |
+--------------+         +--------------+

- "processing" guards the inbound delivery task, at most one per connector.
- "closing" records who closed the connector first. The close notification
  runs while holding "processing", which is never released afterwards.
*/

const (
	closing key = iota
	processing
	// total must be at the bottom.
	total
)

type locker struct {
	// keychain use for lock/unlock operation by who.
	// 0 means unlock, 1 means locked.
	keychain [total]int32
}

func (l *locker) closeBy(w who) (success bool) {
	return atomic.CompareAndSwapInt32(&l.keychain[closing], 0, int32(w))
}

func (l *locker) isCloseBy(w who) (yes bool) {
	return atomic.LoadInt32(&l.keychain[closing]) == int32(w)
}

func (l *locker) lock(k key) (success bool) {
	return atomic.CompareAndSwapInt32(&l.keychain[k], 0, 1)
}

func (l *locker) unlock(k key) {
	atomic.StoreInt32(&l.keychain[k], 0)
}

func (l *locker) isUnlock(k key) bool {
	return atomic.LoadInt32(&l.keychain[k]) == 0
}
