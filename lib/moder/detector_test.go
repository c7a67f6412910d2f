package moder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verchik/tg-moder/lib/modcheck"
	"github.com/verchik/tg-moder/lib/registry"
)

func testRegistry(t *testing.T) *registry.Matcher {
	t.Helper()
	data := `Иванов Петр Сергеевич (псевдоним Странник)
Медузов Аркадий «Meduza»
`
	s, _, err := registry.Load(strings.NewReader(data))
	require.NoError(t, err)
	return registry.NewMatcher(s, 0)
}

func TestDetector_EmptyMessage(t *testing.T) {
	d := NewDetector(Config{})
	res := d.Check(context.Background(), modcheck.Request{Msg: "   ", ChatID: 1})
	assert.Equal(t, modcheck.CategoryClean, res.Category)
	assert.Zero(t, res.Score)
}

func TestDetector_StopTokenFastPath(t *testing.T) {
	client := &fakeLLMClient{response: "КАТЕГОРИЯ: CATEGORY_C"}
	d := NewDetector(Config{}).WithRegistry(testRegistry(t)).WithLLM(client, LLMConfig{})

	res := d.Check(context.Background(), modcheck.Request{Msg: "агент", ChatID: 1})
	assert.Equal(t, modcheck.CategoryClean, res.Category)
	assert.Zero(t, client.calls, "stop-listed single token never reaches the model")

	res = d.Check(context.Background(), modcheck.Request{Msg: "мат", ChatID: 1})
	assert.Equal(t, modcheck.CategoryMinor, res.Category, "profanity marker is a minor violation")
	assert.Zero(t, client.calls)
}

func TestDetector_RegistryMention(t *testing.T) {
	d := NewDetector(Config{}).WithRegistry(testRegistry(t))

	res := d.Check(context.Background(), modcheck.Request{Msg: "вчера Иванов Петр опять выступал", ChatID: 1})
	assert.Equal(t, modcheck.CategoryRegistry, res.Category)
	assert.InDelta(t, 1.0, res.Score, 1e-9)
	assert.Contains(t, res.Reason, "иванов петр сергеевич")

	res = d.Check(context.Background(), modcheck.Request{Msg: "читали странник сегодня?", ChatID: 1})
	assert.Equal(t, modcheck.CategoryRegistry, res.Category)
}

func TestDetector_SpamWindow(t *testing.T) {
	d := NewDetector(Config{})
	req := modcheck.Request{Msg: "налетай, скидки на все подряд сегодня", ChatID: 1}

	res := d.Check(context.Background(), req)
	assert.Equal(t, modcheck.CategoryClean, res.Category, "first occurrence is clean")

	res = d.Check(context.Background(), req)
	assert.Equal(t, modcheck.CategorySpam, res.Category)
	assert.GreaterOrEqual(t, res.Score, 0.85)
	assert.Contains(t, res.Reason, "сходство")

	// other chats unaffected
	req.ChatID = 2
	res = d.Check(context.Background(), req)
	assert.Equal(t, modcheck.CategoryClean, res.Category)
}

func TestDetector_ContextualReference(t *testing.T) {
	d := NewDetector(Config{})
	d.TrackDomain(1, "example.com", 42, "вот example.com")

	res := d.Check(context.Background(), modcheck.Request{Msg: "помните тот сайт example, который заблокировали", ChatID: 1})
	assert.Equal(t, modcheck.CategorySevere, res.Category)
	assert.InDelta(t, 0.8, res.Score, 1e-9)

	res = d.Check(context.Background(), modcheck.Request{Msg: "просто example упомяну", ChatID: 1})
	assert.Equal(t, modcheck.CategoryClean, res.Category, "stem without back-reference phrase")
}

func TestDetector_HeuristicLowRisk(t *testing.T) {
	client := &fakeLLMClient{response: "КАТЕГОРИЯ: CATEGORY_A"}
	d := NewDetector(Config{}).WithLLM(client, LLMConfig{})

	res := d.Check(context.Background(), modcheck.Request{Msg: "добрый день, как ваши дела", ChatID: 1})
	assert.Equal(t, modcheck.CategoryClean, res.Category)
	assert.Zero(t, client.calls, "low risk never escalates")
}

func TestDetector_EscalationToLLM(t *testing.T) {
	client := &fakeLLMClient{response: "КАТЕГОРИЯ: CATEGORY_A\nПРИЧИНА: угрозы"}
	d := NewDetector(Config{}).WithLLM(client, LLMConfig{})

	// seven danger hits push the heuristic above the high threshold
	msg := "убить уничтожить смерть ненавижу взорвать стрелять война"
	res := d.Check(context.Background(), modcheck.Request{Msg: msg, ChatID: 1})
	assert.Equal(t, modcheck.CategorySevere, res.Category)
	assert.Equal(t, "угрозы", res.Reason)
	assert.Equal(t, 1, client.calls)
	assert.InDelta(t, 0.7, res.Score, 1e-9, "final score is the max of heuristic and model scores")
}

func TestDetector_LLMFailureFallsBack(t *testing.T) {
	client := &fakeLLMClient{err: fmt.Errorf("timeout")}
	d := NewDetector(Config{}).WithLLM(client, LLMConfig{})

	res := d.Check(context.Background(), modcheck.Request{Msg: "убить уничтожить смерть ненавижу взорвать стрелять война", ChatID: 1})
	assert.Equal(t, modcheck.CategorySevere, res.Category, "threat keyword fallback")
	assert.Contains(t, res.Reason, "угроз")

	client2 := &fakeLLMClient{err: fmt.Errorf("timeout")}
	d2 := NewDetector(Config{}).WithLLM(client2, LLMConfig{})
	res = d2.Check(context.Background(), modcheck.Request{Msg: "смерть ненавижу терроризм стрелять война мудак тварь сволочь сука", ChatID: 1})
	assert.Equal(t, modcheck.CategoryMinor, res.Category, "rude word fallback without threat markers")
}

func TestDetector_ConsistencyDowngrade(t *testing.T) {
	client := &fakeLLMClient{response: "КАТЕГОРИЯ: CATEGORY_C\nПРИЧИНА: упоминание"}
	d := NewDetector(Config{}).WithRegistry(testRegistry(t)).WithLLM(client, LLMConfig{})

	// high heuristic score but no name-like evidence in the message
	msg := "убить уничтожить смерть ненавижу взорвать стрелять война ты иноагент"
	res := d.Check(context.Background(), modcheck.Request{Msg: msg, ChatID: 1})
	assert.Equal(t, modcheck.CategoryClean, res.Category, "registry verdict without local evidence downgraded")
}

func TestDetector_MiddleBand(t *testing.T) {
	client := &fakeLLMClient{response: "КАТЕГОРИЯ: CATEGORY_A"}
	d := NewDetector(Config{}).WithLLM(client, LLMConfig{})

	// four danger words: score 0.4, between the thresholds
	res := d.Check(context.Background(), modcheck.Request{Msg: "убить уничтожить смерть ненавижу", ChatID: 1})
	assert.Equal(t, modcheck.CategoryClean, res.Category)
	assert.InDelta(t, 0.4, res.Score, 1e-9)
	assert.Contains(t, res.Reason, "повышенный риск")
	assert.Zero(t, client.calls)
}

func TestDetector_LinksReported(t *testing.T) {
	d := NewDetector(Config{})
	res := d.Check(context.Background(), modcheck.Request{Msg: "смотри https://example.com/offer", ChatID: 1})
	assert.True(t, res.HasLinks)
	require.Len(t, res.Links, 1)
	assert.Equal(t, "https://example.com/offer", res.Links[0])
}

func TestDetector_AuditTrail(t *testing.T) {
	d := NewDetector(Config{}).WithRegistry(testRegistry(t))

	res := d.Check(context.Background(), modcheck.Request{Msg: "обычное сообщение без нарушений", ChatID: 1})
	require.NotEmpty(t, res.Checks)
	names := make([]string, 0, len(res.Checks))
	for _, c := range res.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"registry", "spam", "context", "heuristic"}, names)
}

func TestDetector_LoadWordLists(t *testing.T) {
	d := NewDetector(Config{})

	require.NoError(t, d.LoadDangerWords(strings.NewReader("опасность\nтерро*\n")))
	require.NoError(t, d.LoadRudeWords(strings.NewReader("грубиян\n")))
	require.NoError(t, d.LoadThreatWords(strings.NewReader("расправа\n")))

	assert.InDelta(t, 0.1, d.heuristic.score("какая опасность"), 1e-9)
	assert.InDelta(t, 0.1, d.heuristic.score("терроризирует всех"), 1e-9, "starred entry matches as prefix")
	assert.InDelta(t, 0.05, d.heuristic.score("ну ты грубиян"), 1e-9)
}

func TestDetector_ConcurrentReloadAndCheck(t *testing.T) {
	d := NewDetector(Config{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			require.NoError(t, d.LoadDangerWords(strings.NewReader("опасность\nугроза\n")))
			require.NoError(t, d.LoadRudeWords(strings.NewReader("грубиян\n")))
			require.NoError(t, d.LoadThreatWords(strings.NewReader("расправа\n")))
		}()
		go func() {
			defer wg.Done()
			d.Check(context.Background(), modcheck.Request{Msg: "какая опасность, ты грубиян", ChatID: 7})
		}()
	}
	wg.Wait()

	res := d.Check(context.Background(), modcheck.Request{Msg: "обычное сообщение", ChatID: 7})
	assert.Equal(t, modcheck.CategoryClean, res.Category)
}

func TestDetector_CheckAll(t *testing.T) {
	d := NewDetector(Config{MaxBatchConcurrent: 2}).WithRegistry(testRegistry(t))

	reqs := []modcheck.Request{
		{Msg: "обычное сообщение", ChatID: 10},
		{Msg: "вчера Иванов Петр выступал", ChatID: 11},
		{Msg: "", ChatID: 12},
	}
	results := d.CheckAll(context.Background(), reqs)
	require.Len(t, results, 3)
	assert.Equal(t, modcheck.CategoryClean, results[0].Category)
	assert.Equal(t, modcheck.CategoryRegistry, results[1].Category)
	assert.Equal(t, modcheck.CategoryClean, results[2].Category)
}

func TestDetector_ResolveNamesStage(t *testing.T) {
	client := &fakeLLMClient{response: "Медузов Аркадий"}
	d := NewDetector(Config{}).WithRegistry(testRegistry(t)).
		WithLLM(client, LLMConfig{ResolveNames: true})

	res := d.Check(context.Background(), modcheck.Request{Msg: "слушал вчера одного исполнителя", ChatID: 1})
	assert.Equal(t, modcheck.CategoryRegistry, res.Category)
	assert.Contains(t, res.Reason, "медузов аркадий")
}
