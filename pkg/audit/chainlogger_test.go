package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainLinksEntries(t *testing.T) {
	logger := NewChainLogger()

	first := logger.Append(Record{Operation: "tokenize", Actor: "auth-service", Entity: "tok_abc", Result: "success"})
	second := logger.Append(Record{Operation: "detokenize", Actor: "auth-service", Entity: "tok_abc", Result: "denied"})

	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.True(t, VerifyChain(logger.Entries()))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	logger := NewChainLogger()
	logger.Append(Record{Operation: "tokenize", Actor: "a", Entity: "tok_1", Result: "success"})
	logger.Append(Record{Operation: "tokenize", Actor: "a", Entity: "tok_2", Result: "success"})

	entries := logger.Entries()
	require.Len(t, entries, 2)

	entries[0].Record.Result = "denied"
	assert.False(t, VerifyChain(entries))
}

func TestVerifyChainEmpty(t *testing.T) {
	assert.True(t, VerifyChain(nil))
}
