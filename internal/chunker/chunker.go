// Package chunker groups an ordered sequence of session messages into
// overlapping token-window chunks suitable for embedding. Chunks prefer to
// end on an assistant message so a user/assistant turn stays together, and a
// message is never split internally, which keeps code fences intact.
package chunker

import (
	"strings"

	"github.com/smartfork/smartfork/internal/session"
)

// Chunk is a window over contiguous messages treated as an atomic retrieval
// unit.
type Chunk struct {
	Content           string
	FirstMessageIndex int
	LastMessageIndex  int
	TokenCount        int
	IsOverlap         bool
	MemoryKinds       []MemoryKind
}

// Options controls chunking behaviour. Zero value is invalid; use
// DefaultOptions.
type Options struct {
	TargetTokens  int
	MaxTokens     int
	OverlapTokens int
}

// DefaultOptions returns the standard window: target 750, max 1000, overlap
// 150 tokens.
func DefaultOptions() Options {
	return Options{TargetTokens: 750, MaxTokens: 1000, OverlapTokens: 150}
}

// countTokens approximates token count as ceil(len(bytes)/4), minimum 1.
func countTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 1
	}
	tokens := (n + 3) / 4
	if tokens < 1 {
		return 1
	}
	return tokens
}

// ChunkMessages walks messages in order and emits overlapping chunks.
//
// While a chunk is below TargetTokens, a message that would push it past
// MaxTokens forces a split before that message. Once TargetTokens is reached
// the chunk closes at the first turn boundary: on the current message if it
// is from the assistant, after the next message if that one is (the reply is
// pulled in even when it overshoots MaxTokens, since an answer cut off from
// its question embeds poorly), or immediately when the next message would
// exceed MaxTokens. A single message larger than MaxTokens becomes its own
// chunk rather than being split mid-content.
func ChunkMessages(messages []session.Message, opts Options) []Chunk {
	if opts.MaxTokens <= 0 {
		opts = DefaultOptions()
	}
	if len(messages) == 0 {
		return nil
	}

	msgTokens := make([]int, len(messages))
	for i, m := range messages {
		msgTokens[i] = countTokens(m.Content)
	}

	var chunks []Chunk
	start := 0
	prevStart := -1
	for start < len(messages) {
		end := scanChunk(messages, msgTokens, start, opts)
		content := joinMessages(messages[start : end+1])
		// IsOverlap holds only when a whole tail message fit the overlap
		// budget; chunks made of messages larger than OverlapTokens simply
		// abut, with no shared tail.
		chunks = append(chunks, Chunk{
			Content:           content,
			FirstMessageIndex: start,
			LastMessageIndex:  end,
			TokenCount:        countTokens(content),
			IsOverlap:         prevStart >= 0 && start <= chunks[len(chunks)-1].LastMessageIndex,
			MemoryKinds:       detectMemoryKinds(content),
		})

		if end == len(messages)-1 {
			break
		}

		prevStart = start
		start = overlapStart(msgTokens, prevStart, end, opts)
	}

	return chunks
}

// scanChunk walks forward from start and returns the index of the last
// message the chunk should include.
func scanChunk(messages []session.Message, msgTokens []int, start int, opts Options) int {
	total := msgTokens[start]

	for i := start; ; i++ {
		if i > start {
			total += msgTokens[i]
		}

		if total >= opts.TargetTokens {
			if messages[i].Role == session.RoleAssistant {
				return i
			}
			if i+1 < len(messages) {
				if messages[i+1].Role == session.RoleAssistant {
					// Complete the turn: include the reply even past MaxTokens.
					return i + 1
				}
				if total+msgTokens[i+1] > opts.MaxTokens {
					return i
				}
			}
		} else if i+1 < len(messages) && total+msgTokens[i+1] > opts.MaxTokens {
			return i
		}

		if i+1 >= len(messages) {
			return i
		}
	}
}

// overlapStart walks backward from the just-emitted chunk's end, including a
// trailing message in the overlap only when it fits entirely within
// OverlapTokens, and returns the index the next chunk resumes from. The
// result always strictly exceeds the previous chunk's start and never skips
// past emittedEnd+1, so every message is covered and progress is guaranteed.
func overlapStart(msgTokens []int, prevStart, emittedEnd int, opts Options) int {
	acc := 0
	next := emittedEnd + 1
	for idx := emittedEnd; idx > prevStart; idx-- {
		if acc+msgTokens[idx] > opts.OverlapTokens {
			break
		}
		acc += msgTokens[idx]
		next = idx
	}

	if next <= prevStart {
		next = prevStart + 1
	}
	if next > emittedEnd+1 {
		next = emittedEnd + 1
	}
	return next
}

func joinMessages(messages []session.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
