package meta

import (
	"strings"
	"sync"
)

// fence marks one remote fetch in flight. An invalidation of its key voids
// it, so the fetched value is returned to its callers but never stored.
type fence struct {
	voided bool
}

// fences tracks the fetches in flight per key.
type fences struct {
	mu       sync.Mutex
	inflight map[string]*fence
}

func (f *fences) begin(key string) *fence {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight == nil {
		f.inflight = make(map[string]*fence)
	}
	fe := &fence{}
	f.inflight[key] = fe
	return fe
}

// end retires fe and runs store when fe was not voided. store runs under the
// lock so it cannot interleave with void.
func (f *fences) end(key string, fe *fence, store func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[key] == fe {
		delete(f.inflight, key)
	}
	if !fe.voided && store != nil {
		store()
	}
}

func (f *fences) void(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fe, ok := f.inflight[key]; ok {
		fe.voided = true
		delete(f.inflight, key)
	}
}

// voidTree voids every fetch strictly below dir.
func (f *fences) voidTree(dir string) {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, fe := range f.inflight {
		if strings.HasPrefix(key, prefix) {
			fe.voided = true
			delete(f.inflight, key)
		}
	}
}
