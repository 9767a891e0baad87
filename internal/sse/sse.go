// Package sse — простой hub для SSE по runID
package sse

import "sync"

const bufferSize = 16

// Hub раздаёт сообщения запуска всем его подписчикам
type Hub struct {
	mu    sync.Mutex
	conns map[string][]chan string
}

func NewHub() *Hub {
	return &Hub{conns: map[string][]chan string{}}
}

// Subscribe подписывает клиента на id, возвращает канал и функцию-unsubscribe.
// Канал закрывается при Close(id).
func (h *Hub) Subscribe(id string) (<-chan string, func()) {
	ch := make(chan string, bufferSize)

	h.mu.Lock()
	h.conns[id] = append(h.conns[id], ch)
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		list := h.conns[id]
		for i, c := range list {
			if c == ch {
				h.conns[id] = append(list[:i], list[i+1:]...)
				close(ch)
				break
			}
		}
		if len(h.conns[id]) == 0 {
			delete(h.conns, id)
		}
	}

	return ch, cancel
}

// Publish отсылает сообщение всем подписчикам runID
func (h *Hub) Publish(id, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.conns[id] {
		select {
		case ch <- msg:
		default:
			// игнорируем, если канал забит
		}
	}
}

// Close закрывает каналы всех подписчиков id
func (h *Hub) Close(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.conns[id] {
		close(ch)
	}
	delete(h.conns, id)
}

// Subscribers — число активных подписчиков id
func (h *Hub) Subscribers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns[id])
}
