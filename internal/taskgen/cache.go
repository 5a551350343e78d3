package taskgen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/halcyard/runloom/internal/store"
	"github.com/halcyard/runloom/pkg/schema"
)

// DefaultCacheWindow bounds how old a prior generation may be and still
// serve a cache hit for the same prompt.
const DefaultCacheWindow = 24 * time.Hour

// GeneratedTask is the structured output of one reasoning call: the task
// specification derived from a free-form user prompt.
type GeneratedTask struct {
	URL                        string          `json:"url,omitempty"`
	NavigationGoal             string          `json:"navigation_goal,omitempty"`
	NavigationPayload          json.RawMessage `json:"navigation_payload,omitempty"`
	DataExtractionGoal         string          `json:"data_extraction_goal,omitempty"`
	ExtractedInformationSchema json.RawMessage `json:"extracted_information_schema,omitempty"`
	SuggestedTitle             string          `json:"suggested_title,omitempty"`
	LLM                        string          `json:"llm,omitempty"`
	LLMPrompt                  string          `json:"llm_prompt,omitempty"`
	LLMResponse                string          `json:"llm_response,omitempty"`
}

// ReasoningClient turns a user prompt into a task specification.
type ReasoningClient interface {
	GenerateTask(ctx context.Context, userPrompt string) (*GeneratedTask, error)
}

// GenerationStore is the persistence surface the cache needs.
// Satisfied by store.Store.
type GenerationStore interface {
	CreateTaskGeneration(ctx context.Context, gen *store.TaskGeneration) error
	GetTaskGenerationByPromptHash(ctx context.Context, hash string, window time.Duration) (*store.TaskGeneration, error)
}

// PromptHash computes the org-scoped cache key for a user prompt. The
// organization ID is folded into the digest so identical prompts from
// different organizations never share cache entries.
func PromptHash(organizationID, userPrompt string) string {
	h := sha256.New()
	h.Write([]byte(organizationID))
	h.Write([]byte("\n"))
	h.Write([]byte(userPrompt))
	return hex.EncodeToString(h.Sum(nil))
}

// Cache deduplicates reasoning calls for task generation. A repeated prompt
// within the window copies the earlier generation's derived fields instead
// of paying for another reasoning round trip; the copy records where it
// came from via SourceTaskGenerationID.
type Cache struct {
	store     GenerationStore
	reasoning ReasoningClient
	window    time.Duration
	logger    *slog.Logger
}

// NewCache creates a Cache. window <= 0 selects DefaultCacheWindow.
func NewCache(s GenerationStore, rc ReasoningClient, window time.Duration, logger *slog.Logger) *Cache {
	if window <= 0 {
		window = DefaultCacheWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: s, reasoning: rc, window: window, logger: logger}
}

// Generate returns a task generation for the prompt, from cache when a
// recent identical prompt exists, otherwise via the reasoning client.
// Every call persists a record: hits are stored too, so the provenance
// chain and usage history stay complete.
func (c *Cache) Generate(ctx context.Context, organizationID, userPrompt string) (*store.TaskGeneration, error) {
	if userPrompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "user prompt is empty")
	}

	hash := PromptHash(organizationID, userPrompt)

	cached, err := c.store.GetTaskGenerationByPromptHash(ctx, hash, c.window)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		gen := &store.TaskGeneration{
			ID:                         store.NewID(store.PrefixTaskGeneration),
			OrganizationID:             organizationID,
			UserPrompt:                 userPrompt,
			UserPromptHash:             hash,
			URL:                        cached.URL,
			NavigationGoal:             cached.NavigationGoal,
			NavigationPayload:          cached.NavigationPayload,
			DataExtractionGoal:         cached.DataExtractionGoal,
			ExtractedInformationSchema: cached.ExtractedInformationSchema,
			SuggestedTitle:             cached.SuggestedTitle,
			LLM:                        cached.LLM,
			SourceTaskGenerationID:     cached.ID,
		}
		if err := c.store.CreateTaskGeneration(ctx, gen); err != nil {
			return nil, err
		}
		c.logger.InfoContext(ctx, "task generation cache hit",
			slog.String("task_generation_id", gen.ID),
			slog.String("source_task_generation_id", cached.ID))
		return gen, nil
	}

	result, err := c.reasoning.GenerateTask(ctx, userPrompt)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeReasoning, "task generation failed").WithCause(err)
	}

	gen := &store.TaskGeneration{
		ID:                         store.NewID(store.PrefixTaskGeneration),
		OrganizationID:             organizationID,
		UserPrompt:                 userPrompt,
		UserPromptHash:             hash,
		URL:                        result.URL,
		NavigationGoal:             result.NavigationGoal,
		NavigationPayload:          result.NavigationPayload,
		DataExtractionGoal:         result.DataExtractionGoal,
		ExtractedInformationSchema: result.ExtractedInformationSchema,
		SuggestedTitle:             result.SuggestedTitle,
		LLM:                        result.LLM,
		LLMPrompt:                  result.LLMPrompt,
		LLMResponse:                result.LLMResponse,
	}
	if err := c.store.CreateTaskGeneration(ctx, gen); err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "task generation cache miss",
		slog.String("task_generation_id", gen.ID),
		slog.String("llm", gen.LLM))
	return gen, nil
}
