// Package ids generates the prefixed, sortable identifiers used across
// the runtime (job_, task_, mem_, chunk_).
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for each entity family. Keeping them here avoids typo'd
// prefixes scattered across packages.
const (
	PrefixJob    = "job"
	PrefixTask   = "task"
	PrefixMemory = "mem"
	PrefixChunk  = "chunk"
)

// New returns "<prefix>_<32 hex chars>". The payload is a UUIDv7, so ids
// created later sort lexicographically after ids created earlier. Falls
// back to a random UUIDv4 if v7 generation fails (entropy exhaustion),
// which keeps uniqueness at the cost of ordering.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + strings.ReplaceAll(id.String(), "-", "")
}

// NewJob returns a scheduled-job id.
func NewJob() string { return New(PrefixJob) }

// NewTask returns a subagent-task or todo-task id.
func NewTask() string { return New(PrefixTask) }

// NewMemory returns a persistent-memory id.
func NewMemory() string { return New(PrefixMemory) }

// NewChunk returns a memory-chunk id.
func NewChunk() string { return New(PrefixChunk) }

// HasPrefix reports whether id carries the given entity prefix.
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}
