package intent

// MatchKind classifies a structural counterparty.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExact
	MatchPartial
)

func (k MatchKind) String() string {
	switch k {
	case MatchExact:
		return "exact"
	case MatchPartial:
		return "partial"
	default:
		return "none"
	}
}

// Scope restricts which stored intents are eligible counterparties.
type Scope struct {
	// Owner limits candidates to intents posted by this peer. Empty means any
	// poster other than the candidate's own.
	Owner string
}

// ScopeOwn restricts matching to intents posted by self.
func ScopeOwn(self string) Scope { return Scope{Owner: self} }

// ScopeAny is discovery mode: every open intent from another poster.
func ScopeAny() Scope { return Scope{} }

func (sc Scope) admits(candidate, stored Intent) bool {
	if sc.Owner != "" {
		return stored.Poster == sc.Owner
	}
	return stored.Poster != candidate.Poster
}

// Match is the matcher's verdict for a candidate.
type Match struct {
	Kind         MatchKind
	Counterparty Intent
}

// FindMatch scans open intents in insertion order for a counterparty to
// candidate. Exact matches take priority: the first exact counterparty wins
// even when a partial one was posted earlier. Failing that, the first
// partial one is returned. The candidate itself is never returned.
func FindMatch(store *Store, candidate Intent, scope Scope) (Match, bool) {
	var partial *Intent
	for _, id := range store.order {
		rec := store.records[id]
		if rec.Status != StatusOpen || rec.ID == candidate.ID {
			continue
		}
		if !scope.admits(candidate, *rec) || !rec.Mirrors(candidate) {
			continue
		}
		if AmountsEqual(rec.FromAmount, candidate.FromAmount) {
			return Match{Kind: MatchExact, Counterparty: *rec}, true
		}
		if partial == nil {
			partial = rec
		}
	}
	if partial != nil {
		return Match{Kind: MatchPartial, Counterparty: *partial}, true
	}
	return Match{}, false
}
