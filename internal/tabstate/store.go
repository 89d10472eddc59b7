// Package tabstate owns the per-tab verdict map. All mutation goes
// through one mutex so the last-navigation-wins rule can be enforced in
// a single place instead of being spread across event callbacks.
package tabstate

import (
	"sort"
	"sync"
	"time"

	"github.com/urlwarden/urlwarden/internal/classifier"
)

// Record is the last applied classification for a tab.
type Record struct {
	TabID      string             `json:"tab_id"`
	URL        string             `json:"url"`
	Verdict    classifier.Verdict `json:"-"`
	VerdictStr string             `json:"verdict"`
	RawResult  string             `json:"raw_result"`
	NavSeq     uint64             `json:"nav_seq"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

type entry struct {
	navSeq  uint64 // per-tab monotonic navigation counter
	navURL  string // URL of the tab's current navigation
	applied *Record
}

// Store maps tab IDs to their navigation state and last applied verdict.
type Store struct {
	mu   sync.RWMutex
	tabs map[string]*entry
}

func NewStore() *Store {
	return &Store{tabs: make(map[string]*entry)}
}

// Begin registers a new top-level navigation for a tab and returns the
// sequence number that tags the outgoing classification request. Any
// response carrying an older sequence (or a different URL) is rejected
// by Apply.
func (s *Store) Begin(tabID, url string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tabs[tabID]
	if !ok {
		e = &entry{}
		s.tabs[tabID] = e
	}
	e.navSeq++
	e.navURL = url
	return e.navSeq
}

// Supersede invalidates any in-flight classification for a tab without
// starting a new one. Navigations that are observed but never
// classified, such as browser-internal pages, still advance the tab so
// a late response for the previous URL cannot apply.
func (s *Store) Supersede(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tabs[tabID]
	if !ok {
		return
	}
	e.navSeq++
	e.navURL = ""
}

// Apply records a classification response for the navigation identified
// by (tabID, url, seq). It reports false — and leaves the record
// untouched — when that navigation has been superseded, when the tab is
// gone, or when the URL no longer matches. A response for a superseded
// navigation must never clobber the verdict of the current one.
func (s *Store) Apply(tabID, url string, seq uint64, verdict classifier.Verdict, rawResult string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tabs[tabID]
	if !ok {
		return Record{}, false
	}
	if seq != e.navSeq || url != e.navURL {
		return Record{}, false
	}

	rec := Record{
		TabID:      tabID,
		URL:        url,
		Verdict:    verdict,
		VerdictStr: verdict.String(),
		RawResult:  rawResult,
		NavSeq:     seq,
		UpdatedAt:  time.Now().UTC(),
	}
	e.applied = &rec
	return rec, true
}

// Get returns the tab's last applied record. A tab that has navigated
// but never received a response has no record yet.
func (s *Store) Get(tabID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tabs[tabID]
	if !ok || e.applied == nil {
		return Record{}, false
	}
	return *e.applied, true
}

// CurrentNavigation returns the URL of the tab's most recent navigation,
// whether or not a verdict has been applied for it.
func (s *Store) CurrentNavigation(tabID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tabs[tabID]
	if !ok {
		return "", false
	}
	return e.navURL, true
}

// Remove drops all state for a tab. Called when the browser destroys
// the target; a reused tab ID later starts from a fresh entry.
func (s *Store) Remove(tabID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, tabID)
}

// List returns all applied records sorted by tab ID.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.tabs))
	for _, e := range s.tabs {
		if e.applied != nil {
			out = append(out, *e.applied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// Count returns the number of tracked tabs, applied or not.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tabs)
}
