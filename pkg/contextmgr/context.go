// Package contextmgr builds a bounded, relevance-ranked conversation
// context suitable for an LLM call, evicting stale per-session state on a
// TTL janitor sweep. Older turns are ranked by per-turn relevance score and
// trimmed one at a time, lowest score first, to fit the token budget; no
// LLM summarization is involved.
package contextmgr

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// MaxMessagesPerContext caps the number of turns handed to the LLM.
	MaxMessagesPerContext = 15
	// AlwaysKeepRecent is always retained regardless of relevance score.
	AlwaysKeepRecent = 5
	// MaxContextTokens bounds the chars/4 token estimate of the built context.
	MaxContextTokens = 3000
	// MinRelevance is the score floor below which a non-recent turn is dropped.
	MinRelevance = 0.3
	// TTL evicts a session's context after this long without activity.
	TTL = 30 * time.Minute

	charsPerToken = 4
)

// Turn is one message in a conversation's history.
type Turn struct {
	Role       string
	Content    string
	Timestamp  time.Time
	Confidence float64
}

// Extractor pulls entities and topics out of text. The default
// implementation (capitalized-word entities, stop-word-filtered token
// frequency topics) is a placeholder behind this interface and may be
// swapped for a real NLP component without touching the Manager.
type Extractor interface {
	Entities(text string) []string
	Topics(texts []string) []string
}

type heuristicExtractor struct{}

var capitalizedWordRe = regexp.MustCompile(`\b[A-Z][a-zA-Z]{2,}\b`)

// Entities returns capitalized words longer than two characters, the
// placeholder entity-extraction rule used until a real NLP component is
// wired in.
func (heuristicExtractor) Entities(text string) []string {
	matches := capitalizedWordRe.FindAllString(text, -1)
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "is": {}, "are": {},
	"was": {}, "were": {}, "be": {}, "been": {}, "to": {}, "of": {}, "in": {}, "on": {},
	"for": {}, "with": {}, "that": {}, "this": {}, "it": {}, "as": {}, "at": {}, "by": {},
	"i": {}, "you": {}, "he": {}, "she": {}, "we": {}, "they": {}, "my": {}, "your": {},
	"do": {}, "does": {}, "did": {}, "have": {}, "has": {}, "had": {}, "so": {}, "not": {},
}

var wordRe = regexp.MustCompile(`[a-zA-Z']+`)

// Topics returns the top 5 stop-word-filtered token frequencies with count
// >= 2 across texts, the placeholder topic-extraction rule used until a
// real NLP component is wired in.
func (heuristicExtractor) Topics(texts []string) []string {
	counts := make(map[string]int)
	for _, text := range texts {
		for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
			if len(w) <= 2 {
				continue
			}
			if _, stop := stopWords[w]; stop {
				continue
			}
			counts[w]++
		}
	}
	type kv struct {
		word  string
		count int
	}
	ranked := make([]kv, 0, len(counts))
	for w, c := range counts {
		if c >= 2 {
			ranked = append(ranked, kv{w, c})
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})
	if len(ranked) > 5 {
		ranked = ranked[:5]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.word
	}
	return out
}

type sessionContextData struct {
	turns      []Turn
	lastAccess time.Time
}

// Built is the result of BuildContext: the trimmed, ranked turns ready to
// send to an LLM plus an adaptive system prompt.
type Built struct {
	Turns        []Turn
	SystemPrompt string
}

// Manager builds bounded per-session contexts and evicts idle sessions.
type Manager struct {
	extractor Extractor

	mu       sync.Mutex
	sessions map[string]*sessionContextData

	stopJanitor chan struct{}
}

// New creates a Manager. extractor may be nil to use the default
// heuristic implementation.
func New(extractor Extractor) *Manager {
	if extractor == nil {
		extractor = heuristicExtractor{}
	}
	return &Manager{extractor: extractor, sessions: make(map[string]*sessionContextData)}
}

// AddTurns appends new turns to a session's history, deduplicated against
// existing turns with the same role/content/timestamp.
func (m *Manager) AddTurns(sessionID string, turns ...Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessionFor(sessionID)
	for _, t := range turns {
		if !containsTurn(s.turns, t) {
			s.turns = append(s.turns, t)
		}
	}
	sort.Slice(s.turns, func(i, j int) bool { return s.turns[i].Timestamp.Before(s.turns[j].Timestamp) })
	s.lastAccess = time.Now()
}

func containsTurn(turns []Turn, t Turn) bool {
	for _, existing := range turns {
		if existing.Role == t.Role && existing.Content == t.Content && existing.Timestamp.Equal(t.Timestamp) {
			return true
		}
	}
	return false
}

func (m *Manager) sessionFor(sessionID string) *sessionContextData {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionContextData{lastAccess: time.Now()}
		m.sessions[sessionID] = s
	}
	return s
}

// BuildContext ranks and trims a session's history into a bounded set of
// turns plus an adaptive system prompt, per the policy in the package doc.
func (m *Manager) BuildContext(sessionID string) Built {
	m.mu.Lock()
	s := m.sessionFor(sessionID)
	s.lastAccess = time.Now()
	turns := append([]Turn(nil), s.turns...)
	m.mu.Unlock()

	if len(turns) == 0 {
		return Built{SystemPrompt: m.systemPrompt(nil)}
	}

	recentCount := AlwaysKeepRecent
	if recentCount > len(turns) {
		recentCount = len(turns)
	}
	recent := turns[len(turns)-recentCount:]
	older := turns[:len(turns)-recentCount]

	texts := make([]string, len(turns))
	for i, t := range turns {
		texts[i] = t.Content
	}
	recentEntities := entitySet(m.extractor, recent)
	recentTopics := toSet(m.extractor.Topics(texts))

	scored := make([]scoredTurn, 0, len(older))
	now := time.Now()
	for _, t := range older {
		score := relevance(m.extractor, t, recentEntities, recentTopics, now)
		if score < MinRelevance {
			continue
		}
		scored = append(scored, scoredTurn{Turn: t, score: score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })

	budget := MaxMessagesPerContext - len(recent)
	if budget < 0 {
		budget = 0
	}
	if len(scored) > budget {
		scored = scored[:budget]
	}
	scored = trimToTokenBudget(scored, recent)
	// Restore chronological order among the kept older turns.
	sort.Slice(scored, func(i, j int) bool { return scored[i].Timestamp.Before(scored[j].Timestamp) })

	kept := make([]Turn, 0, len(scored)+len(recent))
	for _, st := range scored {
		kept = append(kept, st.Turn)
	}
	kept = append(kept, recent...)

	return Built{Turns: kept, SystemPrompt: m.systemPrompt(kept)}
}

type scoredTurn struct {
	Turn
	score float64
}

func entitySet(ex Extractor, turns []Turn) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range turns {
		for _, e := range ex.Entities(t.Content) {
			set[e] = struct{}{}
		}
	}
	return set
}

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// relevance combines recency decay, entity overlap with the recent window,
// topic overlap with the recent window, and the turn's own STT confidence.
func relevance(ex Extractor, t Turn, recentEntities, recentTopics map[string]struct{}, now time.Time) float64 {
	age := now.Sub(t.Timestamp)
	recencyScore := 1.0 / (1.0 + age.Minutes()/10.0)

	entities := ex.Entities(t.Content)
	entityOverlap := overlapRatio(entities, recentEntities)

	topicWords := ex.Topics([]string{t.Content})
	topicOverlap := overlapRatio(topicWords, recentTopics)

	confidence := t.Confidence
	if confidence <= 0 {
		confidence = 0.5
	}

	return 0.35*recencyScore + 0.25*entityOverlap + 0.25*topicOverlap + 0.15*confidence
}

func overlapRatio(items []string, set map[string]struct{}) float64 {
	if len(items) == 0 || len(set) == 0 {
		return 0
	}
	hits := 0
	for _, it := range items {
		if _, ok := set[it]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(items))
}

// trimToTokenBudget drops the lowest-scored non-recent turns (the trailing
// ones in scored, which is sorted by descending score) until the chars/4
// estimate of scored plus recent fits MaxContextTokens or only the recent
// window remains.
func trimToTokenBudget(scored []scoredTurn, recent []Turn) []scoredTurn {
	kept := make([]Turn, 0, len(scored)+len(recent))
	for _, st := range scored {
		kept = append(kept, st.Turn)
	}
	kept = append(kept, recent...)
	for len(scored) > 0 && estimateTokens(kept) > MaxContextTokens {
		scored = scored[:len(scored)-1]
		kept = append(kept[:len(scored)], recent...)
	}
	return scored
}

func estimateTokens(turns []Turn) int {
	chars := 0
	for _, t := range turns {
		chars += len(t.Content) + len(t.Role)
	}
	return chars / charsPerToken
}

func (m *Manager) systemPrompt(turns []Turn) string {
	if len(turns) == 0 {
		return "You are a helpful voice assistant. Respond concisely; this is a spoken conversation."
	}

	var sumConf float64
	texts := make([]string, len(turns))
	for i, t := range turns {
		sumConf += t.Confidence
		texts[i] = t.Content
	}
	avgConf := sumConf / float64(len(turns))
	topics := m.extractor.Topics(texts)

	var b strings.Builder
	b.WriteString("You are a helpful voice assistant. Respond concisely; this is a spoken conversation.")
	if len(topics) > 0 {
		b.WriteString(" Recent topics: ")
		b.WriteString(strings.Join(topics, ", "))
		b.WriteString(".")
	}
	if avgConf < MinConfidenceHint {
		b.WriteString(" Transcript confidence has been low; ask for clarification if the user's intent is unclear.")
	}
	if len(turns) > 10 {
		b.WriteString(" This has been a long conversation; keep responses grounded in the most recent exchange.")
	}
	return b.String()
}

// MinConfidenceHint is the average-confidence floor below which the
// adaptive system prompt nudges the model to ask for clarification.
const MinConfidenceHint = 0.6

// Reset drops a session's accumulated history.
func (m *Manager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// StartJanitor evicts sessions idle longer than TTL, checking every
// interval until stopped. Call the returned function to stop it.
func (m *Manager) StartJanitor(interval time.Duration) func() {
	stop := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, s := range m.sessions {
		if now.Sub(s.lastAccess) > TTL {
			delete(m.sessions, id)
		}
	}
}
