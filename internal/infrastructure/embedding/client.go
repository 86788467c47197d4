package embedding

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/drammen94/mira-OSS/internal/infrastructure/kv"
	apperrors "github.com/drammen94/mira-OSS/pkg/errors"
)

const (
	// FastDimensions is the dimensionality of the low-latency encoder used
	// for queries, classification, and memory storage.
	FastDimensions = 384

	// DeepDimensions is the dimensionality of the long-form encoder.
	DeepDimensions = 1024

	defaultCacheTTL = 15 * time.Minute
)

// Config configures the embedding client.
type Config struct {
	BaseURL       string
	FastModel     string
	DeepModel     string
	RerankModel   string
	RerankEnabled bool
	CacheTTL      time.Duration
	Timeout       time.Duration
}

// RankedPassage is one cross-encoder result, ordered by descending score.
type RankedPassage struct {
	Index   int     `json:"index"`
	Score   float64 `json:"score"`
	Passage string  `json:"passage"`
}

// Client wraps the external encoder/reranker service. Single-text
// embeddings are cached in KV as fp16 bytes keyed by content hash.
type Client struct {
	cfg        Config
	httpClient *http.Client
	cache      kv.Store
	logger     *zap.Logger
}

// NewClient creates the embedding client.
func NewClient(cfg Config, cache kv.Store, logger *zap.Logger) *Client {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cache,
		logger:     logger,
	}
}

// RerankerAvailable reports whether Rerank may be called.
func (c *Client) RerankerAvailable() bool {
	return c.cfg.RerankEnabled && c.cfg.RerankModel != ""
}

// EncodeFast returns the 384-dim normalized embedding of a single text.
func (c *Client) EncodeFast(ctx context.Context, text string) ([]float32, error) {
	return c.encodeCached(ctx, c.cfg.FastModel, text, FastDimensions)
}

// EncodeFastBatch embeds multiple texts in one call. Batches bypass the cache.
func (c *Client) EncodeFastBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.encodeBatch(ctx, c.cfg.FastModel, texts, FastDimensions)
}

// EncodeDeep returns the 1024-dim normalized embedding of a single text.
func (c *Client) EncodeDeep(ctx context.Context, text string) ([]float32, error) {
	return c.encodeCached(ctx, c.cfg.DeepModel, text, DeepDimensions)
}

// EncodeDeepBatch embeds multiple texts with the deep encoder.
func (c *Client) EncodeDeepBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.encodeBatch(ctx, c.cfg.DeepModel, texts, DeepDimensions)
}

// Rerank scores passages against the query with the cross-encoder and
// returns them ordered by descending score.
func (c *Client) Rerank(ctx context.Context, query string, passages []string) ([]RankedPassage, error) {
	if !c.RerankerAvailable() {
		return nil, apperrors.NewInvalidInputError("reranker not available")
	}
	if len(passages) == 0 {
		return nil, nil
	}

	reqBody := rerankRequest{Model: c.cfg.RerankModel, Query: query, Texts: passages}
	var resp rerankResponse
	if err := c.post(ctx, "/rerank", reqBody, &resp); err != nil {
		return nil, err
	}

	ranked := make([]RankedPassage, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.Index < 0 || r.Index >= len(passages) {
			continue
		}
		ranked = append(ranked, RankedPassage{Index: r.Index, Score: r.Score, Passage: passages[r.Index]})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	return ranked, nil
}

func (c *Client) encodeCached(ctx context.Context, model, text string, dims int) ([]float32, error) {
	key := cacheKey(dims, text)

	if data, err := c.cache.Get(ctx, key); err == nil {
		vec := decodeHalfVector(data)
		if len(vec) == dims {
			normalize(vec)
			return vec, nil
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		// Cache trouble is not fatal; fall through to the encoder.
		c.logger.Warn("Embedding cache read failed", zap.Error(err))
	}

	vecs, err := c.encodeBatch(ctx, model, []string{text}, dims)
	if err != nil {
		return nil, err
	}
	vec := vecs[0]

	if err := c.cache.Set(ctx, key, encodeHalfVector(vec), c.cfg.CacheTTL); err != nil {
		c.logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vec, nil
}

func (c *Client) encodeBatch(ctx context.Context, model string, texts []string, dims int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperrors.NewInvalidInputError("no texts to encode")
	}

	reqBody := embedRequest{Model: model, Input: texts}
	var resp embedResponse
	if err := c.post(ctx, "/embed", reqBody, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, apperrors.NewInternalError(fmt.Sprintf(
			"encoder returned %d embeddings for %d texts", len(resp.Embeddings), len(texts)))
	}

	for i, vec := range resp.Embeddings {
		if len(vec) != dims {
			return nil, apperrors.NewInternalError(fmt.Sprintf(
				"encoder returned %d dims, expected %d", len(vec), dims))
		}
		normalize(resp.Embeddings[i])
	}
	return resp.Embeddings, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, out any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("marshal encoder request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewInternalErrorWithCause("build encoder request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("embedding service unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewInternalErrorWithCause("read encoder response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return apperrors.NewUpstreamError(
			fmt.Sprintf("embedding service returned %d: %s", resp.StatusCode, truncate(string(body), 200)), nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewInternalErrorWithCause("decode encoder response", err)
	}
	return nil
}

func cacheKey(dims int, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embedding_%d:%x", dims, sum)
}

func normalize(vec []float32) {
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type rerankRequest struct {
	Model string   `json:"model"`
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	} `json:"results"`
}
