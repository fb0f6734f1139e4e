package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ghostswap/intent"
)

// Kind tags each wire message.
type Kind string

const (
	KindPost   Kind = "intent.post"
	KindCancel Kind = "intent.cancel"
	KindMatch  Kind = "intent.match"
)

var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownKind = errors.New("protocol: unknown message kind")
)

// Message is one of Post, Cancel or Match.
type Message interface {
	Kind() Kind
	IntentID() string
	validate() error
}

// Post announces a new intent.
type Post struct {
	ID         string `json:"intentId"`
	FromAmount string `json:"fromAmount"`
	FromToken  string `json:"fromToken"`
	ToToken    string `json:"toToken"`
	Poster     string `json:"poster"`
	PostedAt   int64  `json:"postedAt"`
}

// Cancel withdraws an intent.
type Cancel struct {
	ID          string `json:"intentId"`
	CancelledBy string `json:"cancelledBy,omitempty"`
}

// Match pairs two intents and names the follow-up channel.
type Match struct {
	ID           string `json:"intentId"`
	MatchedWith  string `json:"matchedWith"`
	Counterparty string `json:"counterparty"`
	Channel      string `json:"channel"`
	TradeID      string `json:"tradeId"`
}

func (Post) Kind() Kind   { return KindPost }
func (Cancel) Kind() Kind { return KindCancel }
func (Match) Kind() Kind  { return KindMatch }

func (m Post) IntentID() string   { return m.ID }
func (m Cancel) IntentID() string { return m.ID }
func (m Match) IntentID() string  { return m.ID }

// PostFromIntent builds the announcement for rec.
func PostFromIntent(rec intent.Intent) Post {
	return Post{
		ID:         rec.ID,
		FromAmount: rec.FromAmount,
		FromToken:  rec.FromToken,
		ToToken:    rec.ToToken,
		Poster:     rec.Poster,
		PostedAt:   rec.PostedAt,
	}
}

// Intent converts the announcement into an open record with normalised tokens.
func (m Post) Intent() intent.Intent {
	return intent.Intent{
		ID:         m.ID,
		FromAmount: strings.TrimSpace(m.FromAmount),
		FromToken:  intent.NormalizeToken(m.FromToken),
		ToToken:    intent.NormalizeToken(m.ToToken),
		Poster:     m.Poster,
		PostedAt:   m.PostedAt,
		Status:     intent.StatusOpen,
	}
}

func (m Post) validate() error {
	if m.ID == "" || m.Poster == "" || m.FromAmount == "" || m.FromToken == "" || m.ToToken == "" {
		return fmt.Errorf("%w: post missing required field", ErrMalformed)
	}
	return nil
}

func (m Cancel) validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: cancel missing intent id", ErrMalformed)
	}
	return nil
}

func (m Match) validate() error {
	if m.ID == "" || m.MatchedWith == "" || m.TradeID == "" {
		return fmt.Errorf("%w: match missing required field", ErrMalformed)
	}
	if m.ID == m.MatchedWith {
		return fmt.Errorf("%w: match pairs an intent with itself", ErrMalformed)
	}
	return nil
}

type envelope struct {
	Kind Kind `json:"kind"`
}

// Encode renders msg as a single JSON object with its kind tag, without a
// trailing newline.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case Post:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			Post
		}{KindPost, m})
	case Cancel:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			Cancel
		}{KindCancel, m})
	case Match:
		return json.Marshal(struct {
			Kind Kind `json:"kind"`
			Match
		}{KindMatch, m})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
}

// Decode parses one frame. Surrounding whitespace is ignored. Unknown kinds
// return ErrUnknownKind; everything else unusable returns ErrMalformed.
func Decode(frame []byte) (Message, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var (
		msg Message
		err error
	)
	switch env.Kind {
	case KindPost:
		var m Post
		err = json.Unmarshal(frame, &m)
		msg = m
	case KindCancel:
		var m Cancel
		err = json.Unmarshal(frame, &m)
		msg = m
	case KindMatch:
		var m Match
		err = json.Unmarshal(frame, &m)
		msg = m
	case "":
		return nil, fmt.Errorf("%w: missing kind", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// IsNoise reports whether err marks a frame that should be dropped silently.
func IsNoise(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownKind)
}
