package semaphore

import (
	"sync"
	"time"
)

// nameLock pairs a mutex with the condition variable semaphore operations
// wait on: one acquire attempt per name runs at a time within a process,
// and an in-process release or permit-count change broadcasts to wake any
// goroutine blocked on that name's condition.
type nameLock struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newNameLock() *nameLock {
	l := &nameLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// waitTimeout blocks on l.cond, as sync.Cond.Wait does (releasing mu and
// reacquiring it before returning), but wakes itself after d even without a
// Broadcast -- sync.Cond has no native timeout, so a goroutine races the
// clock against a real wakeup and broadcasts once d elapses. Must be called
// with l.mu held.
//
// The timer goroutine calls Broadcast without taking l.mu (Cond.Broadcast
// does not require the lock be held). Taking it there would deadlock: if a
// real Broadcast wakes Wait at the same instant the timer fires, the caller
// reacquires mu and proceeds to close(stop) and block on <-fired while the
// timer goroutine is stuck waiting for the same mu to call Broadcast.
func (l *nameLock) waitTimeout(d time.Duration) {
	stop := make(chan struct{})
	fired := make(chan struct{})
	go func() {
		defer close(fired)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			l.cond.Broadcast()
		case <-stop:
		}
	}()

	l.cond.Wait()

	close(stop)
	<-fired
}

// nameLocks is the process-wide intern table backing every Semaphore
// Instance: entries are created lazily on first use and never removed, so
// two *Semaphore values for the same name in one process always serialize
// through the same lock.
var nameLocks sync.Map // name -> *nameLock

func lockFor(name string) *nameLock {
	v, _ := nameLocks.LoadOrStore(name, newNameLock())
	return v.(*nameLock)
}
