package modcheck

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResult_String(t *testing.T) {
	r := Result{Category: CategorySevere, Score: 0.8, Reason: "угрозы"}
	assert.Equal(t, "severe (0.80): угрозы", r.String())
}

func TestChecksToString(t *testing.T) {
	checks := []Response{
		{Name: "registry", Flagged: false, Details: "no match"},
		{Name: "heuristic", Flagged: true, Details: "score 0.70"},
	}
	assert.Equal(t, "[{registry: ok, no match}, {heuristic: flagged, score 0.70}]", ChecksToString(checks))
	assert.Equal(t, "[]", ChecksToString(nil))
}

func TestLastRequests_PushAndLast(t *testing.T) {
	h := NewLastRequests(3)
	assert.Equal(t, 3, h.Size())

	for i := 1; i <= 5; i++ {
		h.Push(Request{Msg: fmt.Sprintf("msg %d", i)})
	}

	last := h.Last(3)
	assert.Equal(t, []Request{{Msg: "msg 3"}, {Msg: "msg 4"}, {Msg: "msg 5"}}, last, "oldest to newest, overflow evicted")

	assert.Len(t, h.Last(2), 2)
	assert.Equal(t, "msg 5", h.Last(2)[1].Msg)
	assert.Empty(t, h.Last(0))
	assert.Len(t, h.Last(100), 3, "capped by size")
}

func TestLastRequests_MinSize(t *testing.T) {
	h := NewLastRequests(0)
	assert.Equal(t, 1, h.Size())
	h.Push(Request{Msg: "a"})
	h.Push(Request{Msg: "b"})
	assert.Equal(t, []Request{{Msg: "b"}}, h.Last(1))
}

func TestLastRequests_Concurrent(t *testing.T) {
	h := NewLastRequests(10)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Push(Request{Msg: "msg"})
			_ = h.Last(5)
		}()
	}
	wg.Wait()
	assert.Len(t, h.Last(10), 10)
}
