package ticket

import "sync"

// ownerLocks выдаёт мьютекс на владельца. Запись удаляется, когда её никто не держит.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[string]*ownerLock)}
}

// lock захватывает мьютекс владельца и возвращает функцию освобождения.
func (o *ownerLocks) lock(owner string) func() {
	o.mu.Lock()
	l, ok := o.locks[owner]
	if !ok {
		l = &ownerLock{}
		o.locks[owner] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, owner)
		}
		o.mu.Unlock()
	}
}

func (o *ownerLocks) size() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.locks)
}
