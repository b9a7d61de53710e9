package contextbuilder

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

const DefaultMaxInputTokens = 50000

type BuildInput struct {
	SubjectID string
	// Marker identifies the transcript prefix in Lines; it keys the cache.
	Marker         int64
	Lines          []string
	MaxInputTokens int
}

type BuildOutput struct {
	ContextText string
	Chunks      []Chunk
	TokenCount  int
	Omitted     int
}

type cachedBuild struct {
	output    BuildOutput
	expiresAt time.Time
}

// Builder selects transcript turns under a token budget and renders them in
// transcript order. Outputs are cached per (subject, marker, budget) so a
// retried generation does not re-parse the transcript.
type Builder struct {
	retriever Retriever

	cacheMu    sync.RWMutex
	cache      map[uint64]cachedBuild
	cacheTTL   time.Duration
	cacheLimit int
}

func NewBuilder(retriever Retriever) *Builder {
	return &Builder{
		retriever:  retriever,
		cache:      make(map[uint64]cachedBuild),
		cacheTTL:   5 * time.Minute,
		cacheLimit: 256,
	}
}

func (b *Builder) Build(ctx context.Context, input BuildInput) (BuildOutput, error) {
	if b.retriever == nil {
		return BuildOutput{}, fmt.Errorf("retriever is required")
	}
	if input.MaxInputTokens <= 0 {
		input.MaxInputTokens = DefaultMaxInputTokens
	}

	cacheKey := buildCacheKey(input)
	if cached, ok := b.cacheGet(cacheKey); ok {
		return cloneBuildOutput(cached), nil
	}

	chunks, err := b.retriever.Retrieve(ctx, RetrievalInput{
		SubjectID: input.SubjectID,
		Lines:     input.Lines,
	})
	if err != nil {
		return BuildOutput{}, err
	}
	chunks = dedupeChunks(chunks)

	ranked := append([]Chunk(nil), chunks...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score == ranked[j].Score {
			return ranked[i].ID > ranked[j].ID
		}
		return ranked[i].Score > ranked[j].Score
	})

	selected := make([]Chunk, 0, len(ranked))
	totalTokens := 0
	for _, chunk := range ranked {
		estimated := estimateTokens(chunk.Text)
		if estimated <= 0 {
			continue
		}
		if totalTokens+estimated > input.MaxInputTokens {
			continue
		}
		selected = append(selected, chunk)
		totalTokens += estimated
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].ID < selected[j].ID })

	output := BuildOutput{
		ContextText: render(selected),
		Chunks:      selected,
		TokenCount:  totalTokens,
		Omitted:     len(chunks) - len(selected),
	}
	b.cachePut(cacheKey, output)
	return cloneBuildOutput(output), nil
}

func render(selected []Chunk) string {
	builder := strings.Builder{}
	builder.WriteString("<transcript>\n")
	previous := 0
	for _, chunk := range selected {
		if gap := chunk.ID - previous - 1; gap > 0 {
			builder.WriteString(fmt.Sprintf("<omitted turns=\"%d\"/>\n", gap))
		}
		builder.WriteString(fmt.Sprintf("<%s id=\"%d\">%s</%s>\n", chunk.Role, chunk.ID, chunk.Text, chunk.Role))
		previous = chunk.ID
	}
	builder.WriteString("</transcript>")
	return builder.String()
}

func buildCacheKey(input BuildInput) uint64 {
	hash := fnv.New64a()
	_, _ = hash.Write([]byte(strings.TrimSpace(input.SubjectID)))
	_, _ = hash.Write([]byte{0})
	_, _ = hash.Write([]byte(fmt.Sprintf("%d|%d|%d", input.Marker, len(input.Lines), input.MaxInputTokens)))
	return hash.Sum64()
}

func (b *Builder) cacheGet(key uint64) (BuildOutput, bool) {
	b.cacheMu.RLock()
	entry, exists := b.cache[key]
	b.cacheMu.RUnlock()
	if !exists {
		return BuildOutput{}, false
	}
	if time.Now().After(entry.expiresAt) {
		b.cacheMu.Lock()
		delete(b.cache, key)
		b.cacheMu.Unlock()
		return BuildOutput{}, false
	}
	return entry.output, true
}

func (b *Builder) cachePut(key uint64, output BuildOutput) {
	if b.cacheLimit <= 0 {
		return
	}

	now := time.Now()
	entry := cachedBuild{
		output:    cloneBuildOutput(output),
		expiresAt: now.Add(b.cacheTTL),
	}

	b.cacheMu.Lock()
	defer b.cacheMu.Unlock()

	if len(b.cache) >= b.cacheLimit {
		for cacheKey, cacheEntry := range b.cache {
			if now.After(cacheEntry.expiresAt) {
				delete(b.cache, cacheKey)
			}
		}
	}
	if len(b.cache) >= b.cacheLimit {
		var (
			oldestKey uint64
			oldestTS  time.Time
			first     = true
		)
		for cacheKey, cacheEntry := range b.cache {
			if first || cacheEntry.expiresAt.Before(oldestTS) {
				first = false
				oldestKey = cacheKey
				oldestTS = cacheEntry.expiresAt
			}
		}
		if !first {
			delete(b.cache, oldestKey)
		}
	}
	b.cache[key] = entry
}

func cloneBuildOutput(value BuildOutput) BuildOutput {
	return BuildOutput{
		ContextText: value.ContextText,
		TokenCount:  value.TokenCount,
		Omitted:     value.Omitted,
		Chunks:      append([]Chunk(nil), value.Chunks...),
	}
}

// dedupeChunks drops a turn that repeats the previous turn of the same role.
func dedupeChunks(chunks []Chunk) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	result := make([]Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if len(result) > 0 {
			last := result[len(result)-1]
			if last.Role == chunk.Role && fingerprint(last.Text) == fingerprint(chunk.Text) {
				if chunk.Score > last.Score {
					result[len(result)-1].Score = chunk.Score
				}
				continue
			}
		}
		result = append(result, chunk)
	}
	return result
}

func estimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	count := len([]rune(trimmed)) / 4
	if count < 1 {
		count = 1
	}
	return count
}
