package moder

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_CheckReference(t *testing.T) {
	tr := newTracker(24*time.Hour, 100, 50)
	tr.track(1, "example.com", 42, "вот ссылка на example.com")

	tests := []struct {
		name string
		text string
		hits int
	}{
		{"back-reference with stem", "помните тот сайт, example, про который говорили", 1},
		{"stem without back-reference", "просто слово example в тексте", 0},
		{"back-reference without stem", "помните тот сайт, про который говорили", 0},
		{"blocked phrasing", "заблокировали же сайт example недавно", 1},
		{"unrelated", "обычное сообщение", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			violations := tr.checkReference(tt.text, 1)
			assert.Len(t, violations, tt.hits)
			if tt.hits > 0 {
				assert.Equal(t, "example.com", violations[0].Domain)
			}
		})
	}
}

func TestTracker_ShortStemIgnored(t *testing.T) {
	tr := newTracker(24*time.Hour, 100, 50)
	tr.track(1, "abc.com", 42, "ссылка abc.com")

	violations := tr.checkReference("помните тот сайт abc", 1)
	assert.Empty(t, violations, "stems of three characters or less never flag")
}

func TestTracker_PerChatIsolation(t *testing.T) {
	tr := newTracker(24*time.Hour, 100, 50)
	tr.track(1, "example.com", 42, "ссылка")

	violations := tr.checkReference("помните тот сайт example", 2)
	assert.Empty(t, violations)
}

func TestTracker_HistoryBounds(t *testing.T) {
	tr := newTracker(24*time.Hour, 100, 5)
	for i := 0; i < 10; i++ {
		tr.track(1, fmt.Sprintf("domain%d.com", i), 42, "сообщение")
	}

	mentions := tr.recentMentions(1)
	require.Len(t, mentions, 5, "history capped")
	assert.Equal(t, "domain9.com", mentions[4].domain, "newest entries kept")
}

func TestTracker_HorizonPurge(t *testing.T) {
	tr := newTracker(24*time.Hour, 100, 50)

	past := time.Now().Add(-48 * time.Hour)
	tr.now = func() time.Time { return past }
	tr.track(1, "old.com", 42, "старое сообщение")

	tr.now = time.Now
	tr.track(1, "fresh.com", 42, "новое сообщение")

	mentions := tr.recentMentions(1)
	require.Len(t, mentions, 1, "stale entries purged on append")
	assert.Equal(t, "fresh.com", mentions[0].domain)
}

func TestTracker_ExcerptCapped(t *testing.T) {
	tr := newTracker(24*time.Hour, 100, 50)
	long := ""
	for i := 0; i < 120; i++ {
		long += "а"
	}
	tr.track(1, "example.com", 42, long)

	mentions := tr.recentMentions(1)
	require.Len(t, mentions, 1)
	assert.Len(t, []rune(mentions[0].excerpt), 100)
}

func TestTracker_ConcurrentTrackAndCheck(t *testing.T) {
	tr := newTracker(24*time.Hour, 100, 50)
	tr.track(1, "example.com", 42, "вот ссылка на example.com")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tr.track(1, fmt.Sprintf("domain%d.com", n), 42, "ссылка")
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tr.checkReference("помните тот сайт, example, про который говорили", 1)
		}()
	}
	wg.Wait()

	violations := tr.checkReference("помните тот сайт, example, про который говорили", 1)
	require.Len(t, violations, 1)
	assert.Equal(t, "example.com", violations[0].Domain)
}

func TestTracker_CheckReferenceDeterministicOrder(t *testing.T) {
	tr := newTracker(24*time.Hour, 100, 50)
	tr.track(1, "zebra.com", 42, "ссылка zebra.com")
	tr.track(1, "alpha.com", 42, "ссылка alpha.com")

	first := tr.checkReference("помните тот сайт zebra или alpha, про который говорили", 1)
	require.Len(t, first, 2)
	for i := 0; i < 10; i++ {
		again := tr.checkReference("помните тот сайт zebra или alpha, про который говорили", 1)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "alpha.com", first[0].Domain, "domains reported in sorted order")
}
