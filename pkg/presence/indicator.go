// Package presence tracks the "counterpart is typing" hint shown in the
// widget. It has no timeout: the hint stays up until a non-visitor message
// or an error arrives, or the widget closes.
package presence

import "sync"

type Indicator struct {
	mu        sync.Mutex
	visible   bool
	listeners []func(bool)
}

func New() *Indicator {
	return &Indicator{}
}

// OnChange registers f to be called on each visibility transition.
func (i *Indicator) OnChange(f func(bool)) {
	if i == nil || f == nil {
		return
	}
	i.mu.Lock()
	i.listeners = append(i.listeners, f)
	i.mu.Unlock()
}

// Show makes the hint visible and reports whether that was a transition.
func (i *Indicator) Show() bool {
	return i.set(true)
}

// Hide clears the hint and reports whether that was a transition.
func (i *Indicator) Hide() bool {
	return i.set(false)
}

func (i *Indicator) Visible() bool {
	if i == nil {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.visible
}

func (i *Indicator) set(v bool) bool {
	if i == nil {
		return false
	}
	i.mu.Lock()
	if i.visible == v {
		i.mu.Unlock()
		return false
	}
	i.visible = v
	listeners := append([]func(bool){}, i.listeners...)
	i.mu.Unlock()
	for _, f := range listeners {
		f(v)
	}
	return true
}
