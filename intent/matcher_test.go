package intent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func open(id, amount, from, to, poster string) Intent {
	return Intent{ID: id, FromAmount: amount, FromToken: from, ToToken: to, Poster: poster, PostedAt: 1, Status: StatusOpen}
}

func TestStorePutIsInsertOnly(t *testing.T) {
	s := NewStore()
	require.True(t, s.Put(open("a", "1", "ETH", "USDC", "p1")))
	require.False(t, s.Put(open("a", "9", "BTC", "DAI", "p2")))

	got, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "ETH", got.FromToken)
	require.Equal(t, 1, s.Len())
}

func TestStoreStatusIsForwardOnly(t *testing.T) {
	s := NewStore()
	s.Put(open("a", "1", "ETH", "USDC", "p1"))

	prev, changed := s.SetStatus("a", StatusMatched)
	require.True(t, changed)
	require.Equal(t, StatusOpen, prev)

	_, changed = s.SetStatus("a", StatusCancelled)
	require.False(t, changed)
	_, changed = s.SetStatus("a", StatusOpen)
	require.False(t, changed)

	got, _ := s.Get("a")
	require.Equal(t, StatusMatched, got.Status)

	_, changed = s.SetStatus("missing", StatusCancelled)
	require.False(t, changed)
}

func TestListOpenKeepsInsertionOrder(t *testing.T) {
	s := NewStore()
	s.Put(open("c", "1", "ETH", "USDC", "p1"))
	s.Put(open("a", "1", "ETH", "USDC", "p1"))
	s.Put(open("b", "1", "ETH", "USDC", "p1"))
	s.SetStatus("a", StatusCancelled)

	ids := []string{}
	for _, rec := range s.ListOpen() {
		ids = append(ids, rec.ID)
	}
	require.Equal(t, []string{"c", "b"}, ids)
}

func TestFindMatchPrefersFirstExact(t *testing.T) {
	s := NewStore()
	s.Put(open("p", "50", "USDC", "ETH", "me"))
	s.Put(open("x0", "100.0", "USDC", "ETH", "me"))
	s.Put(open("x1", "100", "USDC", "ETH", "me"))
	s.Put(open("x2", "100", "USDC", "ETH", "me"))

	cand := open("c", "100", "eth", "usdc", "them")
	m, ok := FindMatch(s, cand, ScopeOwn("me"))
	require.True(t, ok)
	require.Equal(t, MatchExact, m.Kind)
	require.Equal(t, "x1", m.Counterparty.ID)
}

func TestFindMatchFallsBackToFirstPartial(t *testing.T) {
	s := NewStore()
	s.Put(open("p1", "50", "USDC", "ETH", "me"))
	s.Put(open("p2", "70", "USDC", "ETH", "me"))

	m, ok := FindMatch(s, open("c", "100", "ETH", "USDC", "them"), ScopeOwn("me"))
	require.True(t, ok)
	require.Equal(t, MatchPartial, m.Kind)
	require.Equal(t, "p1", m.Counterparty.ID)
}

func TestFindMatchHonoursScopeAndStatus(t *testing.T) {
	s := NewStore()
	s.Put(open("other", "100", "USDC", "ETH", "someone"))
	s.Put(open("closed", "100", "USDC", "ETH", "me"))
	s.SetStatus("closed", StatusCancelled)
	s.Put(open("same-dir", "100", "ETH", "USDC", "me"))

	cand := open("c", "100", "ETH", "USDC", "them")
	_, ok := FindMatch(s, cand, ScopeOwn("me"))
	require.False(t, ok)

	m, ok := FindMatch(s, cand, ScopeAny())
	require.True(t, ok)
	require.Equal(t, "other", m.Counterparty.ID)

	// discovery mode never pairs a poster with itself
	s.Put(open("mine", "100", "USDC", "ETH", "them"))
	m, ok = FindMatch(s, open("c2", "100", "ETH", "USDC", "them"), ScopeAny())
	require.True(t, ok)
	require.Equal(t, "other", m.Counterparty.ID)
}

func TestFindMatchSkipsCandidateItself(t *testing.T) {
	s := NewStore()
	c := open("self", "1", "ETH", "ETH", "me")
	s.Put(c)
	_, ok := FindMatch(s, c, ScopeOwn("me"))
	require.False(t, ok)
}

func TestAmountsEqual(t *testing.T) {
	require.True(t, AmountsEqual("100", " 100 "))
	require.False(t, AmountsEqual("100", "100.0"))
	require.False(t, AmountsEqual("100", "100.01"))
	require.True(t, AmountsEqual("lots", "lots"))
}

func TestParseAmountAndValidate(t *testing.T) {
	_, err := ParseAmount("0")
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = ParseAmount("abc")
	require.ErrorIs(t, err, ErrInvalidAmount)
	v, err := ParseAmount(" 12.5 ")
	require.NoError(t, err)
	require.Equal(t, "12.5", v)

	require.ErrorIs(t, Intent{ID: "a", Poster: "p", FromToken: "eth", ToToken: "ETH"}.Validate(), ErrSameToken)
	require.ErrorIs(t, Intent{ID: "a", Poster: "p", FromToken: "", ToToken: "ETH"}.Validate(), ErrEmptyToken)
	require.ErrorIs(t, Intent{Poster: "p"}.Validate(), ErrMissingID)
	require.Equal(t, "USDC", NormalizeToken(" usdc "))
}
