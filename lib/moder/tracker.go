package moder

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
)

// tracker remembers which flagged domains were mentioned in each chat and
// catches later allusions to them that avoid repeating the literal name.
type tracker struct {
	horizon    time.Duration
	maxHistory int

	lock  sync.Mutex
	chats cache.Cache[int64, *chatMentions]

	now func() time.Time // replaceable in tests
}

type chatMentions struct {
	domains map[string]struct{}
	history []mention
}

type mention struct {
	domain  string
	userID  int64
	ts      time.Time
	excerpt string
}

// contextualViolation is one flagged back-reference.
type contextualViolation struct {
	Domain string
	Reason string
}

// phrases referring back to earlier conversation about a resource
var backRefRes = []*regexp.Regexp{
	regexp.MustCompile(`(помните|помнишь|а помните|а помнишь).*?(сайт|ресурс|ссылк[ау])`),
	regexp.MustCompile(`(тот|тот самый).*?(сайт|ресурс)`),
	regexp.MustCompile(`(заблокировали|запретили).*?(сайт|ресурс)`),
	regexp.MustCompile(`(ранее|раньше).*?(упоминал|ссылался)`),
	regexp.MustCompile(`(который|которую).*?(заблокировали|удалили)`),
}

func newTracker(horizon time.Duration, maxChats, maxHistory int) *tracker {
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	if maxHistory <= 0 {
		maxHistory = 50
	}
	return &tracker{
		horizon:    horizon,
		maxHistory: maxHistory,
		chats:      cache.NewCache[int64, *chatMentions]().WithTTL(horizon).WithMaxKeys(maxChats),
		now:        time.Now,
	}
}

// track records a flagged domain mention. The message excerpt is capped so
// the history stays small.
func (t *tracker) track(chatID int64, domain string, userID int64, msg string) {
	t.lock.Lock()
	defer t.lock.Unlock()

	cm, ok := t.chats.Get(chatID)
	if !ok {
		cm = &chatMentions{domains: map[string]struct{}{}}
	}
	cm.domains[domain] = struct{}{}

	excerpt := msg
	if runes := []rune(msg); len(runes) > 100 {
		excerpt = string(runes[:100])
	}
	cm.history = append(cm.history, mention{domain: domain, userID: userID, ts: t.now(), excerpt: excerpt})
	cm.history = t.prune(cm.history)

	t.chats.Set(chatID, cm, t.horizon)
}

// prune drops entries older than the horizon and keeps the history bounded.
func (t *tracker) prune(history []mention) []mention {
	cutoff := t.now().Add(-t.horizon)
	trimmed := history[:0]
	for _, m := range history {
		if m.ts.After(cutoff) {
			trimmed = append(trimmed, m)
		}
	}
	if len(trimmed) > t.maxHistory {
		trimmed = trimmed[len(trimmed)-t.maxHistory:]
	}
	return trimmed
}

// checkReference reports each known flagged domain the text alludes to. The
// negative path is cheap: no back-reference phrase means no domain scan.
func (t *tracker) checkReference(text string, chatID int64) []contextualViolation {
	low := strings.ToLower(text)

	hasContext := false
	for _, re := range backRefRes {
		if re.MatchString(low) {
			hasContext = true
			break
		}
	}
	if !hasContext {
		return nil
	}

	// copy the domain set out, track() mutates it under the same lock
	t.lock.Lock()
	cm, ok := t.chats.Get(chatID)
	var domains []string
	if ok {
		domains = make([]string, 0, len(cm.domains))
		for domain := range cm.domains {
			domains = append(domains, domain)
		}
	}
	t.lock.Unlock()
	if !ok {
		return nil
	}
	sort.Strings(domains)

	var res []contextualViolation
	for _, domain := range domains {
		stem := strings.SplitN(domain, ".", 2)[0]
		if len(stem) > 3 && strings.Contains(low, strings.ToLower(stem)) {
			res = append(res, contextualViolation{
				Domain: domain,
				Reason: "контекстное упоминание запрещенного ресурса " + domain,
			})
		}
	}
	return res
}

// recentMentions returns history entries within the horizon, for diagnostics.
func (t *tracker) recentMentions(chatID int64) []mention {
	t.lock.Lock()
	defer t.lock.Unlock()

	cm, ok := t.chats.Get(chatID)
	if !ok {
		return nil
	}
	cutoff := t.now().Add(-t.horizon)
	var res []mention
	for _, m := range cm.history {
		if m.ts.After(cutoff) {
			res = append(res, m)
		}
	}
	return res
}
