package hybrid

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"

	"google.golang.org/genai"

	"lexhound/internal/config"
	"lexhound/internal/legaltext"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// Embedding task profiles. Queries and documents embed differently on the
// hosted backend; the local backend ignores the profile.
const (
	TaskQuery    = "RETRIEVAL_QUERY"
	TaskDocument = "RETRIEVAL_DOCUMENT"
)

// NewEmbedder builds the configured backend. "genai" needs an API key;
// "local" (and empty) is the hashed bag-of-tokens encoder, which works
// offline and keeps the semantic lane deterministic in tests.
func NewEmbedder(cfg config.HybridConfig, task string) (Embedder, error) {
	switch cfg.EmbedProvider {
	case "genai":
		return newGenAIEmbedder(cfg.GenAIAPIKey, cfg.EmbedModel, task)
	case "local", "":
		return newLocalEmbedder(cfg.LocalDims), nil
	default:
		return nil, fmt.Errorf("hybrid: unknown embed provider %q", cfg.EmbedProvider)
	}
}

// ===== GENAI BACKEND =====

type genaiEmbedder struct {
	client *genai.Client
	model  string
	task   string
}

func newGenAIEmbedder(apiKey, model, task string) (*genaiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("hybrid: genai api key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("hybrid: genai client: %w", err)
	}
	taskType := TaskQuery
	if task == TaskDocument {
		taskType = TaskDocument
	}
	return &genaiEmbedder{client: client, model: model, task: taskType}, nil
}

func (e *genaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *genaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents,
		&genai.EmbedContentConfig{TaskType: e.task})
	if err != nil {
		return nil, fmt.Errorf("hybrid: genai embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("hybrid: genai returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	out := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		out[i] = emb.Values
	}
	return out, nil
}

// Dimensions reports the gemini-embedding-001 vector size.
func (e *genaiEmbedder) Dimensions() int { return 768 }

func (e *genaiEmbedder) Name() string { return "genai:" + e.model }

// ===== LOCAL BACKEND =====

// localEmbedder hashes tokens into a signed bag-of-tokens vector. Two
// texts sharing vocabulary land near each other; that is enough for the
// fusion lane to contribute recall without any hosted dependency.
type localEmbedder struct {
	dims int
}

func newLocalEmbedder(dims int) *localEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &localEmbedder{dims: dims}
}

func (e *localEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range legaltext.Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		val := float32(1)
		if sum&0x80000000 != 0 {
			val = -1
		}
		vec[int(sum%uint32(e.dims))] += val
	}
	normalize(vec)
	return vec, nil
}

func (e *localEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *localEmbedder) Dimensions() int { return e.dims }

func (e *localEmbedder) Name() string { return fmt.Sprintf("local:%d", e.dims) }

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
