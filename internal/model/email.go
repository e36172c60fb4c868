package model

import (
	"sort"
	"strings"
	"time"
)

// Well-known labels. Provider label IDs pass through unchanged; these are the
// ones the engine itself reads or writes.
const (
	LabelInbox   = "INBOX"
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
	LabelTrash   = "TRASH"
	// LabelDeleted marks a message the provider reported as deleted. Messages
	// are never removed from the store.
	LabelDeleted = "DELETED"
)

// Message is a raw message as ingested from the provider. ID is the
// provider's message ID and is unique across the store.
type Message struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	ThreadID     string    `json:"thread_id"`
	Subject      string    `json:"subject"`
	FromName     string    `json:"from_name"`
	FromAddress  string    `json:"from_address"`
	To           []string  `json:"to"`
	Cc           []string  `json:"cc"`
	Bcc          []string  `json:"bcc"`
	BodyText     string    `json:"body_text"`
	BodyHTML     string    `json:"body_html"`
	ReceivedAt   time.Time `json:"received_at"`
	Labels       []string  `json:"labels"`
	SizeEstimate int64     `json:"size_estimate"`
	IsProcessed  bool      `json:"is_processed"`
	RawPayload   []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`

	// TriageAttempts counts failed rule evaluations. Once it reaches the
	// configured limit the message is parked and triage skips it.
	TriageAttempts int  `json:"triage_attempts"`
	TriageParked   bool `json:"triage_parked"`
}

// Content is the text rules are matched against.
func (m *Message) Content() string {
	body := m.BodyText
	if strings.TrimSpace(body) == "" {
		body = m.BodyHTML
	}
	return m.Subject + "\n" + body
}

// HasLabel reports whether label is set on the message.
func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so stores never share slices with callers.
func (m *Message) Clone() *Message {
	c := *m
	c.To = append([]string(nil), m.To...)
	c.Cc = append([]string(nil), m.Cc...)
	c.Bcc = append([]string(nil), m.Bcc...)
	c.Labels = append([]string(nil), m.Labels...)
	c.RawPayload = append([]byte(nil), m.RawPayload...)
	return &c
}

// NormalizeLabels returns labels de-duplicated and sorted. Labels are a set;
// a stable order keeps stored rows comparable.
func NormalizeLabels(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// ApplyLabelDelta adds and removes labels, returning the normalized result.
func ApplyLabelDelta(labels, add, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, l := range remove {
		drop[l] = struct{}{}
	}
	out := make([]string, 0, len(labels)+len(add))
	for _, l := range labels {
		if _, ok := drop[l]; !ok {
			out = append(out, l)
		}
	}
	out = append(out, add...)
	return NormalizeLabels(out)
}
