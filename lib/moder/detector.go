// Package moder implements the layered moderation pipeline: cheap local
// checks first (registry matching, spam window, contextual back-references,
// heuristic scoring) and a language-model classification only when the local
// signals land in the ambiguous band. Each stage outcome is recorded in the
// result's audit trail.
package moder

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/verchik/tg-moder/lib/modcheck"
	"github.com/verchik/tg-moder/lib/registry"
	"github.com/verchik/tg-moder/lib/textnorm"
)

// Config defines the detector's tunables. Zero values mean defaults.
type Config struct {
	SpamThreshold      float64       // similarity ratio to call a message spam, default 0.85
	SpamWindowSize     int           // per-chat spam window capacity, default 10
	LowRiskThreshold   float64       // heuristic score below it is clean, default 0.3
	HighRiskThreshold  float64       // heuristic score above it escalates to the LLM, default 0.6
	FuzzyThreshold     float64       // registry fuzzy alias threshold, default 0.80
	ContextHorizon     time.Duration // how long flagged domain mentions stay relevant, default 24h
	MaxTrackedChats    int           // bound for the contextual tracker, default 1000
	MaxMentionHistory  int           // per-chat mention history bound, default 50
	HistorySize        int           // per-chat recent request history for LLM context, default 10
	MaxBatchConcurrent int           // bound for CheckAll, default 4
}

// Detector runs the pipeline. Safe for concurrent use.
type Detector struct {
	Config

	matcher   *registry.Matcher
	spam      *spamWindow
	heuristic *heuristic
	tracker   *tracker
	llm       *llmChecker

	threatWords []string
	rudeWords   []string

	lock    sync.RWMutex
	history map[int64]*modcheck.LastRequests
}

// tokens never treated as meaningful single-word messages
var singleTokenStopList = map[string]struct{}{
	"агент": {}, "мат": {}, "чел": {}, "тут": {}, "здесь": {}, "кто": {},
	"что": {}, "новости": {},
}

// profanityMarker is the one stop-list token that still counts as a minor
// violation when sent alone.
const profanityMarker = "мат"

const cleanReason = "сообщение соответствует правилам"

// NewDetector makes a detector with the given config.
func NewDetector(cfg Config) *Detector {
	if cfg.SpamThreshold == 0 {
		cfg.SpamThreshold = 0.85
	}
	if cfg.SpamWindowSize == 0 {
		cfg.SpamWindowSize = defaultWindowSize
	}
	if cfg.LowRiskThreshold == 0 {
		cfg.LowRiskThreshold = 0.3
	}
	if cfg.HighRiskThreshold == 0 {
		cfg.HighRiskThreshold = 0.6
	}
	if cfg.ContextHorizon == 0 {
		cfg.ContextHorizon = 24 * time.Hour
	}
	if cfg.MaxTrackedChats == 0 {
		cfg.MaxTrackedChats = 1000
	}
	if cfg.MaxMentionHistory == 0 {
		cfg.MaxMentionHistory = 50
	}
	if cfg.HistorySize == 0 {
		cfg.HistorySize = 10
	}
	if cfg.MaxBatchConcurrent == 0 {
		cfg.MaxBatchConcurrent = 4
	}

	return &Detector{
		Config:      cfg,
		spam:        newSpamWindow(cfg.SpamThreshold, cfg.SpamWindowSize),
		heuristic:   defaultHeuristic(),
		tracker:     newTracker(cfg.ContextHorizon, cfg.MaxTrackedChats, cfg.MaxMentionHistory),
		threatWords: []string{"убью", "порв", "убь", "поджог", "взорв", "уничтож", "расстрел"},
		rudeWords:   []string{"дурак", "тупой", "идиот", "сволочь", "мерзавец", "ублюдок"},
		history:     map[int64]*modcheck.LastRequests{},
	}
}

// WithRegistry attaches the restricted-persons matcher.
func (d *Detector) WithRegistry(m *registry.Matcher) *Detector {
	d.matcher = m
	return d
}

// WithLLM attaches the language-model classifier. Without it the detector
// runs local stages only and the escalation band falls back to keywords.
func (d *Detector) WithLLM(client llmClient, params LLMConfig) *Detector {
	d.llm = newLLMChecker(client, params)
	return d
}

// LoadDangerWords replaces the danger-term list. One term per line, a term
// ending with "*" matches as a prefix.
func (d *Detector) LoadDangerWords(reader io.Reader) error {
	words, err := loadWords(reader)
	if err != nil {
		return fmt.Errorf("failed to load danger words: %w", err)
	}
	terms := make([]dangerTerm, 0, len(words))
	for _, w := range words {
		if strings.HasSuffix(w, "*") {
			terms = append(terms, dangerTerm{word: strings.TrimSuffix(w, "*"), prefix: true})
			continue
		}
		terms = append(terms, dangerTerm{word: w})
	}
	d.lock.Lock()
	d.heuristic.dangerTerms = terms
	d.lock.Unlock()
	log.Printf("[INFO] loaded %d danger terms", len(terms))
	return nil
}

// LoadRudeWords replaces the aggressive-word list shared by the heuristic
// scorer and the offline fallback classifier.
func (d *Detector) LoadRudeWords(reader io.Reader) error {
	words, err := loadWords(reader)
	if err != nil {
		return fmt.Errorf("failed to load rude words: %w", err)
	}
	d.lock.Lock()
	d.heuristic.aggressiveWords = words
	d.rudeWords = words
	d.lock.Unlock()
	log.Printf("[INFO] loaded %d rude words", len(words))
	return nil
}

// LoadThreatWords replaces the threat-marker list of the offline fallback.
func (d *Detector) LoadThreatWords(reader io.Reader) error {
	words, err := loadWords(reader)
	if err != nil {
		return fmt.Errorf("failed to load threat words: %w", err)
	}
	d.lock.Lock()
	d.threatWords = words
	d.lock.Unlock()
	log.Printf("[INFO] loaded %d threat words", len(words))
	return nil
}

// Check classifies a single message. Always returns a verdict; a programming
// fault inside any stage degrades to an error-category result instead of
// taking the caller down.
func (d *Detector) Check(ctx context.Context, req modcheck.Request) (result modcheck.Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] check panic for %s: %v", req.String(), r)
			result = modcheck.Result{
				Category: modcheck.CategoryError,
				Reason:   fmt.Sprintf("внутренняя ошибка анализа: %v", r),
			}
		}
	}()

	links := extractLinks(req.Msg)
	checks := []modcheck.Response{}
	mkResult := func(cat modcheck.Category, reason string, score float64) modcheck.Result {
		return modcheck.Result{
			Category: cat,
			Reason:   reason,
			Score:    score,
			HasLinks: len(links) > 0,
			Links:    links,
			Checks:   checks,
		}
	}

	// stage 1: trivial input
	if strings.TrimSpace(req.Msg) == "" {
		return mkResult(modcheck.CategoryClean, cleanReason, 0)
	}

	// stage 2: single-token stop list, deliberately before the matcher and
	// the LLM to keep trivial messages from producing false positives
	if resp, done := d.checkStopToken(req.Msg); done {
		checks = append(checks, resp)
		if resp.Flagged {
			return mkResult(modcheck.CategoryMinor, resp.Details, 0.4)
		}
		return mkResult(modcheck.CategoryClean, cleanReason, 0)
	}

	// stage 3: restricted-persons registry
	if d.matcher != nil {
		if hit, ok := d.matcher.Match(req.Msg); ok {
			reason := "упоминание лица из реестра: " + hit.Entry.Name
			checks = append(checks, modcheck.Response{Name: "registry", Flagged: true, Details: reason})
			d.trackDomains(req)
			return mkResult(modcheck.CategoryRegistry, reason, 1.0)
		}
		checks = append(checks, modcheck.Response{Name: "registry", Details: "no registry match"})
	}

	// stage 4: near-duplicate spam, the message enters the window either way
	isSpam, ratio, matched := d.spam.check(req.ChatID, req.Msg)
	d.spam.observe(req.ChatID, req.Msg)
	d.pushHistory(req)
	if isSpam {
		reason := fmt.Sprintf("повтор недавнего сообщения, сходство %.2f", ratio)
		checks = append(checks, modcheck.Response{Name: "spam", Flagged: true,
			Details: fmt.Sprintf("similarity %.2f to %q", ratio, matched)})
		d.trackDomains(req)
		return mkResult(modcheck.CategorySpam, reason, ratio)
	}
	checks = append(checks, modcheck.Response{Name: "spam", Details: fmt.Sprintf("max similarity %.2f", ratio)})

	// stage 5: contextual back-references to previously flagged domains
	if violations := d.tracker.checkReference(req.Msg, req.ChatID); len(violations) > 0 {
		reason := violations[0].Reason
		checks = append(checks, modcheck.Response{Name: "context", Flagged: true, Details: reason})
		d.trackDomains(req)
		return mkResult(modcheck.CategorySevere, reason, 0.8)
	}
	checks = append(checks, modcheck.Response{Name: "context", Details: "no back-references"})

	// stage 6: optional LLM alias resolution cross-checked with the registry
	if d.llm != nil && d.matcher != nil && d.llm.params.ResolveNames {
		names, err := d.llm.resolveNames(ctx, req.Msg)
		if err != nil {
			checks = append(checks, modcheck.Response{Name: "resolve", Details: "resolution unavailable", Error: err})
		}
		for _, name := range names {
			if e, ok := d.matcher.ResolveName(name); ok {
				reason := "упоминание лица из реестра: " + e.Name
				checks = append(checks, modcheck.Response{Name: "resolve", Flagged: true, Details: reason})
				d.trackDomains(req)
				return mkResult(modcheck.CategoryRegistry, reason, 1.0)
			}
		}
	}

	// stage 7: heuristic risk score gates the expensive path,
	// the word lists can be swapped by Load* while we read them
	d.lock.RLock()
	score := d.heuristic.score(req.Msg)
	d.lock.RUnlock()
	checks = append(checks, modcheck.Response{Name: "heuristic", Flagged: score >= d.LowRiskThreshold,
		Details: fmt.Sprintf("risk score %.2f", score)})

	if score < d.LowRiskThreshold {
		return mkResult(modcheck.CategoryClean, cleanReason, score)
	}

	// stage 8: escalation to the language model
	if score > d.HighRiskThreshold {
		res := d.classifyLLM(ctx, req, score, &checks)
		res.HasLinks = len(links) > 0
		res.Links = links
		res.Checks = checks
		if res.Category != modcheck.CategoryClean {
			d.trackDomains(req)
		}
		return res
	}

	// stage 9: middle band, suspicious but not actionable
	return mkResult(modcheck.CategoryClean, fmt.Sprintf("повышенный риск без подтверждения, оценка %.2f", score), score)
}

// checkStopToken handles the single short token fast path. done is true when
// the verdict is final and no further stage should run.
func (d *Detector) checkStopToken(msg string) (resp modcheck.Response, done bool) {
	tokens := textnorm.Tokens(msg)
	if len(tokens) != 1 {
		return modcheck.Response{}, false
	}
	t := tokens[0]
	_, stopped := singleTokenStopList[t]
	if !stopped && len([]rune(t)) >= 3 {
		return modcheck.Response{}, false
	}
	if t == profanityMarker {
		return modcheck.Response{Name: "stop-token", Flagged: true,
			Details: "ненормативная лексика для выразительности"}, true
	}
	return modcheck.Response{Name: "stop-token", Details: "single stop-listed token"}, true
}

// classifyLLM asks the model and merges its verdict with the heuristic
// score. Failures fall back to offline keyword classification, a verdict is
// always produced.
func (d *Detector) classifyLLM(ctx context.Context, req modcheck.Request, score float64, checks *[]modcheck.Response) modcheck.Result {
	if d.llm == nil {
		return d.classifyOffline(req.Msg, score, checks)
	}

	verdict, err := d.llm.classify(ctx, req.Msg, d.lastMessages(req.ChatID, 3))
	if err != nil {
		log.Printf("[WARN] llm classification failed for %s: %v", req.String(), err)
		*checks = append(*checks, modcheck.Response{Name: "llm", Details: "llm unavailable, offline fallback", Error: err})
		return d.classifyOffline(req.Msg, score, checks)
	}

	final := verdict.Score
	if score > final {
		final = score
	}

	// the model is not authoritative on registry membership: without local
	// name evidence its registry verdict downgrades to clean
	if verdict.Category == modcheck.CategoryRegistry &&
		(d.matcher == nil || !d.matcher.HasNameEvidence(req.Msg)) {
		*checks = append(*checks, modcheck.Response{Name: "llm",
			Details: "registry verdict without local evidence, downgraded"})
		return modcheck.Result{Category: modcheck.CategoryClean, Reason: cleanReason, Score: final}
	}

	reason := verdict.Reason
	if reason == "" {
		reason = cleanReason
	}
	*checks = append(*checks, modcheck.Response{Name: "llm", Flagged: verdict.Category != modcheck.CategoryClean,
		Details: fmt.Sprintf("category %s, score %.2f", verdict.Category, verdict.Score)})
	return modcheck.Result{Category: verdict.Category, Reason: reason, Score: final}
}

// classifyOffline is the keyword fallback used when the model is not
// available: threat markers mean severe, rude words minor, otherwise clean.
func (d *Detector) classifyOffline(msg string, score float64, checks *[]modcheck.Response) modcheck.Result {
	low := textnorm.Normalize(msg)

	d.lock.RLock()
	defer d.lock.RUnlock()
	for _, w := range d.threatWords {
		if strings.Contains(low, w) {
			*checks = append(*checks, modcheck.Response{Name: "keywords", Flagged: true, Details: "threat marker " + w})
			return modcheck.Result{Category: modcheck.CategorySevere, Reason: "признак угроз или насилия", Score: max(score, 0.8)}
		}
	}
	for _, w := range d.rudeWords {
		if strings.Contains(low, w) {
			*checks = append(*checks, modcheck.Response{Name: "keywords", Flagged: true, Details: "rude word " + w})
			return modcheck.Result{Category: modcheck.CategoryMinor, Reason: "грубость или оскорбление", Score: max(score, 0.4)}
		}
	}
	*checks = append(*checks, modcheck.Response{Name: "keywords", Details: "no keyword markers"})
	return modcheck.Result{Category: modcheck.CategoryClean, Reason: cleanReason, Score: score}
}

// CheckAll classifies a batch with bounded concurrency. Every request yields
// a result in the matching position; a panic in one item does not affect the
// others.
func (d *Detector) CheckAll(ctx context.Context, reqs []modcheck.Request) []modcheck.Result {
	results := make([]modcheck.Result, len(reqs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.MaxBatchConcurrent)
	for i, req := range reqs {
		g.Go(func() error {
			results[i] = d.Check(ctx, req)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors, Check degrades internally
	return results
}

// TrackDomain records a flagged domain mention for the contextual tracker,
// exposed for the handling layer to call on externally flagged resources.
func (d *Detector) TrackDomain(chatID int64, domain string, userID int64, msg string) {
	d.tracker.track(chatID, domain, userID, msg)
}

// trackDomains remembers every domain in a non-clean message so later
// allusions to it can be caught.
func (d *Detector) trackDomains(req modcheck.Request) {
	var uid int64
	fmt.Sscanf(req.UserID, "%d", &uid) //nolint:errcheck // zero uid is fine for tracking
	for _, domain := range extractDomains(req.Msg) {
		d.tracker.track(req.ChatID, domain, uid, req.Msg)
	}
}

// pushHistory appends to the per-chat recent request ring.
func (d *Detector) pushHistory(req modcheck.Request) {
	d.lock.Lock()
	h, ok := d.history[req.ChatID]
	if !ok {
		h = modcheck.NewLastRequests(d.HistorySize)
		d.history[req.ChatID] = h
	}
	d.lock.Unlock()
	h.Push(req)
}

// lastMessages returns up to n recent message texts for the chat, excluding
// the current one which is pushed before classification.
func (d *Detector) lastMessages(chatID int64, n int) []string {
	d.lock.RLock()
	h, ok := d.history[chatID]
	d.lock.RUnlock()
	if !ok {
		return nil
	}
	reqs := h.Last(n + 1)
	if len(reqs) > 0 {
		reqs = reqs[:len(reqs)-1] // drop the current message
	}
	res := make([]string, 0, len(reqs))
	for _, r := range reqs {
		res = append(res, r.Msg)
	}
	return res
}
