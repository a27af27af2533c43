package browser

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

// TabRegistry keeps a session's tabs in the order they were opened.
type TabRegistry struct {
	mu      sync.RWMutex
	order   []target.ID
	tabs    map[target.ID]*chromeTab
	pending map[target.ID]struct{}
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[target.ID]*chromeTab), pending: make(map[target.ID]struct{})}
}

// MarkPending records a target that is being attached.
func (r *TabRegistry) MarkPending(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tabs[id]; !ok {
		r.pending[id] = struct{}{}
	}
}

// ClearPending forgets a target whose attach gave up.
func (r *TabRegistry) ClearPending(id target.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func (r *TabRegistry) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// Register adds tab and reports whether it was new.
func (r *TabRegistry) Register(id target.ID, tab *chromeTab) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	if _, ok := r.tabs[id]; ok {
		return false
	}
	r.tabs[id] = tab
	r.order = append(r.order, id)
	return true
}

func (r *TabRegistry) Has(id target.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tabs[id]
	return ok
}

func (r *TabRegistry) Get(id target.ID) (*chromeTab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[id]
	return tab, ok
}

func (r *TabRegistry) Remove(id target.ID) (*chromeTab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
	tab, ok := r.tabs[id]
	if !ok {
		return nil, false
	}
	delete(r.tabs, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return tab, true
}

// Open returns the tabs that are still open, in opening order.
func (r *TabRegistry) Open() []*chromeTab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*chromeTab, 0, len(r.order))
	for _, id := range r.order {
		if tab := r.tabs[id]; tab != nil && !tab.Closed() {
			out = append(out, tab)
		}
	}
	return out
}

// All returns every registered tab, including closed ones.
func (r *TabRegistry) All() []*chromeTab {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*chromeTab, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tabs[id])
	}
	return out
}

func (r *TabRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tabs)
}
