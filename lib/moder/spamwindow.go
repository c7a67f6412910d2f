package moder

import (
	"sync"

	"github.com/verchik/tg-moder/lib/similarity"
	"github.com/verchik/tg-moder/lib/textnorm"
)

// defaultWindowSize keeps the per-chat history small enough for the O(n)
// similarity scan to stay negligible.
const defaultWindowSize = 10

// spamWindow keeps a bounded FIFO of recent messages per chat and flags new
// messages too similar to any of them.
type spamWindow struct {
	threshold float64
	size      int

	lock  sync.RWMutex
	chats map[int64]*chatWindow
}

type chatWindow struct {
	lock     sync.Mutex
	messages []string
}

func newSpamWindow(threshold float64, size int) *spamWindow {
	if size <= 0 {
		size = defaultWindowSize
	}
	return &spamWindow{threshold: threshold, size: size, chats: map[int64]*chatWindow{}}
}

// check compares the message against the chat's window, case-insensitive.
// Returns the verdict, the maximal ratio seen and the entry it came from.
func (w *spamWindow) check(chatID int64, msg string) (isSpam bool, ratio float64, matched string) {
	cw := w.chat(chatID)
	cw.lock.Lock()
	defer cw.lock.Unlock()

	candidate := textnorm.Normalize(msg)
	for _, old := range cw.messages {
		r := similarity.Ratio(candidate, textnorm.Normalize(old))
		if r > ratio {
			ratio = r
			matched = old
		}
	}
	if ratio >= w.threshold {
		return true, ratio, matched
	}
	return false, ratio, ""
}

// observe appends the message to the chat's window, evicting the oldest entry
// when full. Called for every message regardless of the spam verdict, so a
// burst of near-duplicates is measured against its earliest member.
func (w *spamWindow) observe(chatID int64, msg string) {
	cw := w.chat(chatID)
	cw.lock.Lock()
	defer cw.lock.Unlock()

	if len(cw.messages) >= w.size {
		cw.messages = cw.messages[1:]
	}
	cw.messages = append(cw.messages, msg)
}

func (w *spamWindow) chat(chatID int64) *chatWindow {
	w.lock.RLock()
	cw, ok := w.chats[chatID]
	w.lock.RUnlock()
	if ok {
		return cw
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	if cw, ok = w.chats[chatID]; ok {
		return cw
	}
	cw = &chatWindow{}
	w.chats[chatID] = cw
	return cw
}
