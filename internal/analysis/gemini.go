package analysis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/tidyimg/internal/domain"
	"google.golang.org/genai"
)

const (
	DefaultEndpoint   = "https://generativelanguage.googleapis.com/"
	DefaultAPIVersion = "v1beta"
	DefaultModel      = "gemini-3-flash-preview"
)

const prompt = `Analyze this image for a file management system.
1. Provide a concise, descriptive Alt Text (max 20 words).
2. Provide 3-5 relevant keywords/tags.
3. Suggest a clean, SEO-friendly filename (in kebab-case, without extension).`

var (
	ErrMissingAPIKey = errors.New("analysis api key is not configured")
	ErrEmptyResponse = errors.New("no text in model response")
)

type Config struct {
	APIKey     string
	Model      string
	Endpoint   string
	APIVersion string
	Timeout    time.Duration
}

// APIError is a non-2xx reply from the generative language API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini: HTTP %d: %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client asks a Gemini model for alt text, tags and a filename. Calls are
// never retried.
type Client struct {
	genai    *genai.Client
	model    string
	endpoint string
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	version := strings.Trim(strings.TrimSpace(cfg.APIVersion), "/")
	if version == "" {
		version = DefaultAPIVersion
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    endpoint,
			APIVersion: version,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Client{genai: client, model: model, endpoint: endpoint}, nil
}

func (c *Client) Model() string {
	return c.model
}

// Analyze sends the image inline with the prompt and decodes the model's JSON
// answer. Every failure is a domain.ErrAnalysis.
func (c *Client) Analyze(ctx context.Context, base64Data, mimeType string) (domain.AnalysisResult, error) {
	const op = "analyze image"

	if strings.TrimSpace(base64Data) == "" {
		return domain.AnalysisResult{}, domain.AnalysisError(op, errors.New("image payload is empty"))
	}
	data, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return domain.AnalysisResult{}, domain.AnalysisError(op, fmt.Errorf("decode image payload: %w", err))
	}

	text, err := c.generate(ctx, data, mimeType)
	if err != nil {
		return domain.AnalysisResult{}, domain.AnalysisError(op, err)
	}

	result, err := parseResult(text)
	if err != nil {
		return domain.AnalysisResult{}, domain.AnalysisError(op, err)
	}
	return result, nil
}

func (c *Client) generate(ctx context.Context, data []byte, mimeType string) (string, error) {
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: data}},
			{Text: prompt},
		},
	}}

	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, generateConfig())
	if err != nil {
		return "", apiError(err)
	}

	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func generateConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"altText":           {Type: genai.TypeString},
				"tags":              {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
				"suggestedFilename": {Type: genai.TypeString},
			},
			Required: []string{"altText", "tags", "suggestedFilename"},
		},
	}
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// apiError keeps the upstream status of a rejected call so callers can tell
// quota from bad input.
func apiError(err error) error {
	var upstream genai.APIError
	if !errors.As(err, &upstream) {
		return fmt.Errorf("generate content: %w", err)
	}
	return &APIError{StatusCode: upstream.Code, Status: upstream.Status, Message: upstream.Message}
}

// parseResult tolerates the model wrapping its JSON in a markdown fence.
func parseResult(text string) (domain.AnalysisResult, error) {
	var result domain.AnalysisResult
	if err := json.Unmarshal([]byte(stripFences(text)), &result); err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("parse model answer: %w", err)
	}
	if strings.TrimSpace(result.AltText) == "" || strings.TrimSpace(result.SuggestedFilename) == "" {
		return domain.AnalysisResult{}, errors.New("model answer is missing altText or suggestedFilename")
	}
	if result.Tags == nil {
		result.Tags = []string{}
	}
	return result, nil
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
