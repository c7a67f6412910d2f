package moder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpamWindow_CheckAndObserve(t *testing.T) {
	w := newSpamWindow(0.85, 10)

	isSpam, ratio, _ := w.check(1, "купите слона недорого")
	assert.False(t, isSpam, "empty window never flags")
	assert.Zero(t, ratio)

	w.observe(1, "купите слона недорого")

	isSpam, ratio, matched := w.check(1, "КУПИТЕ СЛОНА НЕДОРОГО")
	assert.True(t, isSpam, "case-insensitive duplicate")
	assert.InDelta(t, 1.0, ratio, 1e-9)
	assert.Equal(t, "купите слона недорого", matched)

	isSpam, _, matched = w.check(1, "совсем другое сообщение")
	assert.False(t, isSpam)
	assert.Empty(t, matched, "matched text reported only on spam verdict")

	isSpam, ratio, _ = w.check(1, "ку​пите сло‍на недо​рого")
	assert.True(t, isSpam, "zero-width padding does not break the comparison")
	assert.InDelta(t, 1.0, ratio, 1e-9)
}

func TestSpamWindow_PerChatIsolation(t *testing.T) {
	w := newSpamWindow(0.85, 10)
	w.observe(1, "повторяющийся текст")

	isSpam, _, _ := w.check(2, "повторяющийся текст")
	assert.False(t, isSpam, "windows are per chat")

	isSpam, _, _ = w.check(1, "повторяющийся текст")
	assert.True(t, isSpam)
}

func TestSpamWindow_Eviction(t *testing.T) {
	w := newSpamWindow(0.85, 3)
	w.observe(1, "первое сообщение про оленей")
	for i := 0; i < 3; i++ {
		w.observe(1, fmt.Sprintf("наполнитель номер %d совсем другой", i))
	}

	isSpam, _, _ := w.check(1, "первое сообщение про оленей")
	assert.False(t, isSpam, "oldest entry evicted once the window is full")
}

func TestSpamWindow_BurstDetectedAgainstEarliest(t *testing.T) {
	w := newSpamWindow(0.85, 10)
	w.observe(1, "акция только сегодня, заходите")
	w.observe(1, "акция только сегодня, заходите!")

	isSpam, ratio, _ := w.check(1, "акция только сегодня, заходите")
	assert.True(t, isSpam)
	assert.InDelta(t, 1.0, ratio, 1e-9, "exact duplicate of the earliest entry wins")
}
