package aml

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/payments-core/pkg/audit"
)

// WatchlistEntry is one sanctioned or monitored identity.
type WatchlistEntry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	DOB     string `json:"dob,omitempty"`
	Program string `json:"program"`
	Active  bool   `json:"active"`
}

// Identity is the subject of a screening request.
type Identity struct {
	Name string `json:"name"`
	DOB  string `json:"dob,omitempty"`
}

// Match is one watchlist entry that matched a screening.
type Match struct {
	Entry      *WatchlistEntry `json:"entry"`
	Similarity float64         `json:"similarity"`
	DOBMatched bool            `json:"dob_matched"`
}

// ScreeningResult records one screening attempt. Clean screens are recorded
// too; the absence of a match is itself evidence.
type ScreeningResult struct {
	ID        string    `json:"id"`
	Identity  Identity  `json:"identity"`
	Matches   []*Match  `json:"matches,omitempty"`
	Clean     bool      `json:"clean"`
	CreatedAt time.Time `json:"created_at"`
}

// Screener performs fuzzy watchlist screening and chain-logs every attempt.
type Screener struct {
	mu        sync.Mutex
	entries   []*WatchlistEntry
	results   []*ScreeningResult
	trail     *audit.ChainLogger
	threshold float64
}

// NewScreener creates a screener over the audit trail. threshold is the
// minimum name similarity in (0,1] that counts as a match.
func NewScreener(trail *audit.ChainLogger, threshold float64) *Screener {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.85
	}
	return &Screener{trail: trail, threshold: threshold}
}

// AddEntry registers a watchlist entry.
func (s *Screener) AddEntry(e *WatchlistEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	s.entries = append(s.entries, &cp)
}

// Screen fuzzy-matches an identity against active watchlist entries. Every
// attempt is chain-logged regardless of outcome.
func (s *Screener) Screen(_ context.Context, identity Identity) (*ScreeningResult, error) {
	if strings.TrimSpace(identity.Name) == "" {
		return nil, fmt.Errorf("screening requires a name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result := &ScreeningResult{
		ID:        uuid.New().String(),
		Identity:  identity,
		CreatedAt: time.Now().UTC(),
	}
	for _, entry := range s.entries {
		if !entry.Active {
			continue
		}
		sim := nameSimilarity(identity.Name, entry.Name)
		if sim < s.threshold {
			continue
		}
		result.Matches = append(result.Matches, &Match{
			Entry:      entry,
			Similarity: sim,
			DOBMatched: identity.DOB != "" && identity.DOB == entry.DOB,
		})
	}
	result.Clean = len(result.Matches) == 0
	s.results = append(s.results, result)

	outcome := "match"
	if result.Clean {
		outcome = "clean"
	}
	s.trail.Append(audit.Record{
		Operation: "watchlist.screen",
		Actor:     "compliance-engine",
		Entity:    "screening:" + result.ID,
		Result:    outcome,
		Detail:    fmt.Sprintf("name=%s matches=%d", identity.Name, len(result.Matches)),
	})
	return result, nil
}

// Results returns all recorded screening attempts in order.
func (s *Screener) Results() []*ScreeningResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ScreeningResult, len(s.results))
	copy(out, s.results)
	return out
}

// nameSimilarity is 1 − normalized Levenshtein distance over folded names.
func nameSimilarity(a, b string) float64 {
	a, b = foldName(a), foldName(b)
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

func foldName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
