package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentFallsBackToHTML(t *testing.T) {
	m := &Message{Subject: "Invoice", BodyText: "  ", BodyHTML: "<p>due</p>"}
	assert.Equal(t, "Invoice\n<p>due</p>", m.Content())

	m.BodyText = "plain"
	assert.Equal(t, "Invoice\nplain", m.Content())
}

func TestNormalizeLabels(t *testing.T) {
	got := NormalizeLabels([]string{"UNREAD", "INBOX", " ", "UNREAD", "Work"})
	assert.Equal(t, []string{"INBOX", "UNREAD", "Work"}, got)
}

func TestApplyLabelDelta(t *testing.T) {
	got := ApplyLabelDelta([]string{LabelInbox, LabelUnread}, []string{LabelStarred}, []string{LabelUnread})
	assert.Equal(t, []string{LabelInbox, LabelStarred}, got)
}

func TestCloneDoesNotShareSlices(t *testing.T) {
	m := &Message{ID: "m1", Labels: []string{LabelInbox}, To: []string{"a@example.com"}}
	c := m.Clone()
	c.Labels[0] = LabelTrash
	c.To[0] = "b@example.com"

	assert.True(t, m.HasLabel(LabelInbox))
	assert.Equal(t, "a@example.com", m.To[0])
}

func TestIsKnownAction(t *testing.T) {
	assert.True(t, IsKnownAction(ActionArchive))
	assert.False(t, IsKnownAction("explode"))
}
