// Package audit provides a tamper-evident audit trail using hash chaining.
// Every entry carries the hash of its predecessor, so any mutation or
// reordering of the recorded history is detectable after the fact.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Record describes one audited operation.
type Record struct {
	Operation string `json:"operation"`
	Actor     string `json:"actor"`
	Entity    string `json:"entity"`
	Result    string `json:"result"`
	Detail    string `json:"detail,omitempty"`
}

// Entry is a chained audit log entry.
type Entry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Record       Record `json:"record"`
	Hash         string `json:"hash"`
}

// ChainLogger appends audit records into a hash chain.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	entries      []*Entry
}

// NewChainLogger creates a chain logger seeded with a zero hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{
		previousHash: strings.Repeat("0", 64),
	}
}

// Append adds a record to the chain and returns the sealed entry.
func (c *ChainLogger) Append(rec Record) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &Entry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Record:       rec,
	}
	entry.Hash = hashEntry(entry.PreviousHash, entry.Timestamp, rec)

	c.previousHash = entry.Hash
	c.entries = append(c.entries, entry)
	return entry
}

// Entries returns a copy of the chain in append order.
func (c *ChainLogger) Entries() []*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Entry, len(c.entries))
	copy(out, c.entries)
	return out
}

func hashEntry(prevHash, timestamp string, rec Record) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		prevHash, timestamp, rec.Operation, rec.Actor, rec.Entity, rec.Result, rec.Detail)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that entries form an unbroken, unmodified hash chain.
func VerifyChain(entries []*Entry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if hashEntry(entry.PreviousHash, entry.Timestamp, entry.Record) != entry.Hash {
			return false
		}
	}
	return true
}
