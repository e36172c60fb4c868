package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatementVerb(t *testing.T) {
	assert.Equal(t, "select", statementVerb("SELECT id FROM messages"))
	assert.Equal(t, "insert", statementVerb("\n\tINSERT INTO rules VALUES ($1)"))
	assert.Equal(t, "unknown", statementVerb("   "))
}
