package app

import "sync"

// chatBindings records the chats each group may address. A chat is bound
// to a group when a message from it is admitted for that group or when a
// configured job names it.
type chatBindings struct {
	mu    sync.RWMutex
	chats map[string]map[string]bool
}

func (b *chatBindings) bind(group, chat string) {
	if group == "" || chat == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.chats == nil {
		b.chats = make(map[string]map[string]bool)
	}
	if b.chats[group] == nil {
		b.chats[group] = make(map[string]bool)
	}
	b.chats[group][chat] = true
}

func (b *chatBindings) bound(group, chat string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.chats[group][chat]
}
