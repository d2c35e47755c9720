package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AlertState is aggregated alert lifecycle state reported to actions.
// Params: firing/resolved state constants.
// Returns: state tag for notification payloads.
type AlertState string

const (
	// AlertStateFiring indicates at least one instance started missing data.
	AlertStateFiring AlertState = "firing"
	// AlertStateResolved indicates previously missing instances report again.
	AlertStateResolved AlertState = "resolved"
)

// Severity is UI severity of an alert instance state.
type Severity string

// SeverityDanger is the only severity used by missing data alerts.
const SeverityDanger Severity = "danger"

// InstanceState is persisted alert state for one stack product instance.
// Params: cluster reference, product identity, latest gap and UI block.
// Returns: one entry of the per-cluster state snapshot.
type InstanceState struct {
	Cluster          Cluster      `json:"cluster"`
	CCS              *string      `json:"ccs"`
	StackProduct     StackProduct `json:"stackProduct"`
	StackProductUUID string       `json:"stackProductUuid"`
	StackProductName string       `json:"stackProductName"`
	GapDuration      int64        `json:"gapDuration"`
	UI               UIState      `json:"ui"`
}

// Key returns identity of the state entry.
func (s InstanceState) Key() InstanceKey {
	return InstanceKey{
		ClusterUUID:      s.Cluster.ClusterUUID,
		StackProduct:     s.StackProduct,
		StackProductUUID: s.StackProductUUID,
	}
}

// UIState is the UI-facing part of instance state.
// Params: firing flag, optional message, severity, and transition timestamps in unix ms.
// Returns: rendering input for monitoring UI.
type UIState struct {
	IsFiring      bool     `json:"isFiring"`
	Message       *Message `json:"message"`
	Severity      Severity `json:"severity"`
	ResolvedMS    int64    `json:"resolvedMS"`
	TriggeredMS   int64    `json:"triggeredMS"`
	LastCheckedMS int64    `json:"lastCheckedMS"`
}

// InstanceSnapshot is the whole state document of one alert instance (one cluster).
// Params: per stack product states.
// Returns: value round-tripped through GetState/ReplaceState.
type InstanceSnapshot struct {
	AlertStates []InstanceState `json:"alertStates"`
}

// Message is text with embedded placeholder tokens and optional follow-up steps.
// Params: text, tokens in placeholder order, and next steps.
// Returns: formatted message for UI rendering.
type Message struct {
	Text      string    `json:"text"`
	Tokens    []Token   `json:"tokens,omitempty"`
	NextSteps []Message `json:"nextSteps,omitempty"`
}

// TokenType selects token variant.
type TokenType string

const (
	// TokenTypeTime renders a timestamp.
	TokenTypeTime TokenType = "time"
	// TokenTypeLink renders a link between start and end markers.
	TokenTypeLink TokenType = "link"
)

// Token is one placeholder embedded in message text.
// Params: variant tag, start marker, and exactly one variant payload.
// Returns: tagged union over time and link tokens.
type Token struct {
	Type       TokenType
	StartToken string
	Time       *TimeDetail
	Link       *LinkDetail
}

// TimeDetail is payload of time tokens.
type TimeDetail struct {
	IsAbsolute bool
	IsRelative bool
	Timestamp  int64
}

// LinkDetail is payload of link tokens.
type LinkDetail struct {
	EndToken string
	URL      string
}

// TimeToken builds absolute time token.
// Params: placeholder marker and unix ms timestamp.
// Returns: time token.
func TimeToken(startToken string, timestampMS int64) Token {
	return Token{
		Type:       TokenTypeTime,
		StartToken: startToken,
		Time:       &TimeDetail{IsAbsolute: true, IsRelative: false, Timestamp: timestampMS},
	}
}

// LinkToken builds link token wrapping text between start and end markers.
// Params: start/end markers and destination URL fragment.
// Returns: link token.
func LinkToken(startToken, endToken, url string) Token {
	return Token{
		Type:       TokenTypeLink,
		StartToken: startToken,
		Link:       &LinkDetail{EndToken: endToken, URL: url},
	}
}

type tokenJSON struct {
	StartToken string    `json:"startToken"`
	EndToken   string    `json:"endToken,omitempty"`
	Type       TokenType `json:"type"`
	IsAbsolute *bool     `json:"isAbsolute,omitempty"`
	IsRelative *bool     `json:"isRelative,omitempty"`
	Timestamp  *int64    `json:"timestamp,omitempty"`
	URL        string    `json:"url,omitempty"`
}

// MarshalJSON flattens token variant into UI token document.
// Params: token.
// Returns: JSON bytes or error for unknown/incomplete variants.
func (t Token) MarshalJSON() ([]byte, error) {
	out := tokenJSON{StartToken: t.StartToken, Type: t.Type}
	switch t.Type {
	case TokenTypeTime:
		if t.Time == nil {
			return nil, fmt.Errorf("time token %q has no time detail", t.StartToken)
		}
		isAbsolute, isRelative, timestamp := t.Time.IsAbsolute, t.Time.IsRelative, t.Time.Timestamp
		out.IsAbsolute = &isAbsolute
		out.IsRelative = &isRelative
		out.Timestamp = &timestamp
	case TokenTypeLink:
		if t.Link == nil {
			return nil, fmt.Errorf("link token %q has no link detail", t.StartToken)
		}
		out.EndToken = t.Link.EndToken
		out.URL = t.Link.URL
	default:
		return nil, fmt.Errorf("unsupported token type %q", t.Type)
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores token variant from UI token document.
// Params: JSON bytes.
// Returns: decode error for unknown variants.
func (t *Token) UnmarshalJSON(raw []byte) error {
	var in tokenJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	next := Token{Type: in.Type, StartToken: in.StartToken}
	switch in.Type {
	case TokenTypeTime:
		detail := &TimeDetail{}
		if in.IsAbsolute != nil {
			detail.IsAbsolute = *in.IsAbsolute
		}
		if in.IsRelative != nil {
			detail.IsRelative = *in.IsRelative
		}
		if in.Timestamp != nil {
			detail.Timestamp = *in.Timestamp
		}
		next.Time = detail
	case TokenTypeLink:
		next.Link = &LinkDetail{EndToken: in.EndToken, URL: in.URL}
	default:
		return fmt.Errorf("unsupported token type %q", in.Type)
	}
	*t = next
	return nil
}

// Payload is the aggregated action context for one cluster and one execution.
// Params: messages, counts, labels, and state tag.
// Returns: variables exposed to action templates.
type Payload struct {
	InternalFullMessage  string     `json:"internalFullMessage"`
	InternalShortMessage string     `json:"internalShortMessage"`
	Action               string     `json:"action,omitempty"`
	ActionPlain          string     `json:"actionPlain,omitempty"`
	ClusterName          string     `json:"clusterName"`
	Count                int        `json:"count"`
	StackProducts        string     `json:"stackProducts"`
	State                AlertState `json:"state"`
}

// Notification is one scheduled action handed to delivery channels.
// Params: alert/instance identity, action group, payload, and rendered text.
// Returns: delivery unit for notify layer.
type Notification struct {
	Channel     string    `json:"channel,omitempty"`
	AlertType   string    `json:"alert_type"`
	InstanceID  string    `json:"instance_id"`
	ActionGroup string    `json:"action_group"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Payload     Payload   `json:"payload"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
}

// InstanceRecord is what the host persists per alert instance.
// Params: state snapshot, last delivered action marker, and update time.
// Returns: storage document.
type InstanceRecord struct {
	State      InstanceSnapshot `json:"state"`
	LastAction *ActionRecord    `json:"lastAction,omitempty"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// ActionRecord remembers last scheduled action for throttling.
type ActionRecord struct {
	Group  string     `json:"group"`
	State  AlertState `json:"state"`
	Digest string     `json:"digest"`
	At     time.Time  `json:"at"`
}
