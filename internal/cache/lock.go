package cache

import (
	"context"
	"sync"
)

type lockOwnerKey struct{}

type lockToken struct {
	mutex *reentrantMutex
}

// reentrantMutex lets the holder of the lock re-enter it through the context
// it was handed when it acquired the lock. Everyone else blocks.
type reentrantMutex struct {
	inner sync.Mutex

	state sync.Mutex
	owner *lockToken
	depth int
}

func (m *reentrantMutex) lock(ctx context.Context) (context.Context, func()) {
	if token, ok := ctx.Value(lockOwnerKey{}).(*lockToken); ok && token.mutex == m {
		m.state.Lock()
		if m.owner == token {
			m.depth++
			m.state.Unlock()
			return ctx, func() {
				m.state.Lock()
				m.depth--
				m.state.Unlock()
			}
		}
		m.state.Unlock()
	}

	m.inner.Lock()
	token := &lockToken{mutex: m}
	m.state.Lock()
	m.owner = token
	m.depth = 1
	m.state.Unlock()

	return context.WithValue(ctx, lockOwnerKey{}, token), func() {
		m.state.Lock()
		m.owner = nil
		m.depth = 0
		m.state.Unlock()
		m.inner.Unlock()
	}
}
