package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hermesdev0131/scene-weaver/keys"
)

// GeminiClient implements Service on the Gemini API, drawing its credential
// for every call from a key rotator. Clients are cached per key so rotation
// does not redial.
type GeminiClient struct {
	model   string
	rotator *keys.Rotator
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiClient creates a client for the named model.
func NewGeminiClient(model string, rotator *keys.Rotator, logger *zap.Logger) *GeminiClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiClient{
		model:   model,
		rotator: rotator,
		logger:  logger,
		clients: make(map[string]*genai.Client),
	}
}

// Generate runs one prompt through the rotator and returns the raw text blob.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return c.rotator.Do(ctx, func(ctx context.Context, apiKey string) (string, error) {
		client, err := c.clientFor(ctx, apiKey)
		if err != nil {
			return "", err
		}

		model := client.GenerativeModel(c.model)
		model.SetMaxOutputTokens(int32(maxTokens))

		resp, err := model.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return "", classify(err)
		}
		return extractText(resp)
	})
}

// Close releases all cached clients.
func (c *GeminiClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.clients {
		cl.Close()
	}
	c.clients = make(map[string]*genai.Client)
}

func (c *GeminiClient) clientFor(ctx context.Context, apiKey string) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[apiKey]; ok {
		return cl, nil
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	c.clients[apiKey] = cl
	return cl, nil
}

// quotaError wraps a provider error so the rotator knows to advance keys.
type quotaError struct{ err error }

func (q *quotaError) Error() string { return q.err.Error() }
func (q *quotaError) Unwrap() error { return q.err }
func (q *quotaError) Quota() bool   { return true }

// classify maps provider errors onto the rotator's and pipeline's taxonomy:
// 429/403 become quota errors, everything else passes through.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == 429 || gerr.Code == 403) {
		return &quotaError{err: err}
	}
	// Some transports only expose the status in the message text.
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "quota") {
		return &quotaError{err: err}
	}
	return err
}

// extractText pulls the text out of a response, translating safety filtering
// into ErrBlocked and missing candidates into ErrEmptyResponse.
func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return "", fmt.Errorf("%w: %s", ErrBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return "", ErrEmptyResponse
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: candidate stopped for safety", ErrBlocked)
	}
	if cand.Content == nil {
		return "", ErrEmptyResponse
	}

	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	if sb.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
