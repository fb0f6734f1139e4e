package intent

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Status is the lifecycle state of an intent. Transitions are forward-only:
// open may become matched or cancelled, terminal states never move.
type Status string

const (
	StatusOpen      Status = "open"
	StatusMatched   Status = "matched"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusMatched || s == StatusCancelled
}

// CanTransition reports whether a record in state s may move to next.
func (s Status) CanTransition(next Status) bool {
	return s == StatusOpen && next.Terminal()
}

// Intent is a standing offer to trade FromAmount of FromToken for ToToken.
type Intent struct {
	ID         string `json:"intentId"`
	FromAmount string `json:"fromAmount"`
	FromToken  string `json:"fromToken"`
	ToToken    string `json:"toToken"`
	Poster     string `json:"poster"`
	PostedAt   int64  `json:"postedAt"`
	Status     Status `json:"status"`
}

var (
	ErrEmptyToken    = errors.New("intent: empty token symbol")
	ErrSameToken     = errors.New("intent: from and to token are identical")
	ErrInvalidAmount = errors.New("intent: amount must be a positive decimal")
	ErrMissingID     = errors.New("intent: missing id")
	ErrMissingPoster = errors.New("intent: missing poster")
)

// NormalizeToken trims and upper-cases a token symbol. A Caser carries state,
// so one is built per call.
func NormalizeToken(symbol string) string {
	return cases.Upper(language.Und).String(strings.TrimSpace(symbol))
}

// ParseAmount validates a locally entered amount and returns its canonical
// text. Remote amounts are never rejected, only compared.
func ParseAmount(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	r, ok := new(big.Rat).SetString(trimmed)
	if !ok || r.Sign() <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return trimmed, nil
}

// AmountsEqual compares two amounts by their trimmed literal text. "100" and
// "100.0" are different quantities on the wire.
func AmountsEqual(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// Validate checks the fields a well-formed intent must carry.
func (i Intent) Validate() error {
	switch {
	case strings.TrimSpace(i.ID) == "":
		return ErrMissingID
	case strings.TrimSpace(i.Poster) == "":
		return ErrMissingPoster
	case NormalizeToken(i.FromToken) == "" || NormalizeToken(i.ToToken) == "":
		return ErrEmptyToken
	case NormalizeToken(i.FromToken) == NormalizeToken(i.ToToken):
		return ErrSameToken
	}
	return nil
}

// Mirrors reports whether other offers what i wants and wants what i offers.
func (i Intent) Mirrors(other Intent) bool {
	return NormalizeToken(i.FromToken) == NormalizeToken(other.ToToken) &&
		NormalizeToken(i.ToToken) == NormalizeToken(other.FromToken)
}

// Pair renders the trade direction, e.g. "100 USDC -> ETH".
func (i Intent) Pair() string {
	return fmt.Sprintf("%s %s -> %s", i.FromAmount, i.FromToken, i.ToToken)
}
