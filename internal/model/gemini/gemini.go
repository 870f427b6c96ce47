// Package gemini implements the model provider boundary using the Google
// Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/choruslabs/chorus/internal/log"
	"github.com/choruslabs/chorus/internal/model"
	"github.com/choruslabs/chorus/internal/persona"
)

// Provider implements model.Provider using Gemini streaming generation.
type Provider struct {
	client *genai.Client
	models map[persona.Tier]string
	logger log.Logger
}

var _ model.Provider = (*Provider)(nil)

// New creates a Gemini provider. tierModels maps tier names to provider
// model IDs (see internal/config).
func New(ctx context.Context, apiKey string, tierModels map[string]string, logger log.Logger) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	if logger == nil {
		logger = log.NewNop()
	}
	models := make(map[persona.Tier]string, len(tierModels))
	for tier, id := range tierModels {
		models[persona.Tier(tier)] = id
	}
	return &Provider{client: client, models: models, logger: logger}, nil
}

// Stream issues a streaming generation request.
func (p *Provider) Stream(ctx context.Context, req model.Request) (model.Stream, error) {
	modelID, ok := p.models[req.Tier]
	if !ok {
		return nil, fmt.Errorf("no model configured for tier %q", req.Tier)
	}

	contents, system := convertEntries(req.Entries)

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(req.Params.Temperature)),
		TopP:             genai.Ptr(float32(req.Params.TopP)),
		PresencePenalty:  genai.Ptr(float32(req.Params.PresencePenalty)),
		FrequencyPenalty: genai.Ptr(float32(req.Params.FrequencyPenalty)),
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.EnableSearch {
		cfg.Tools = searchToolDeclaration()
	}

	p.logger.Debug("issuing stream request",
		"model", modelID,
		"entries", len(req.Entries),
		"search", req.EnableSearch,
	)

	streamCtx, cancel := context.WithCancel(ctx)
	it := p.client.Models.GenerateContentStream(streamCtx, modelID, contents, cfg)
	next, stop := iter.Pull2(it)

	return &stream{next: next, stop: stop, cancel: cancel}, nil
}

// convertEntries maps turn history entries to genai contents. System blocks
// fold into the system instruction; consecutive same-role contents merge
// because the provider expects strict role alternation on the wire.
func convertEntries(entries []persona.Entry) ([]*genai.Content, string) {
	var system []string
	var contents []*genai.Content

	appendPart := func(role string, part *genai.Part) {
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, part)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{part}})
	}

	for _, e := range entries {
		switch e.Role {
		case persona.RoleSystem:
			system = append(system, e.Content)
		case persona.RoleAssistant:
			appendPart("model", &genai.Part{Text: e.Content})
		case persona.RoleFunction:
			appendPart("user", &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     e.Name,
					Response: map[string]any{"result": e.Content},
				},
			})
		default:
			text := e.Content
			if e.Name != "" {
				text = e.Name + ": " + text
			}
			appendPart("user", &genai.Part{Text: text})
		}
	}
	return contents, strings.Join(system, "\n\n")
}

func searchToolDeclaration() []*genai.Tool {
	return []*genai.Tool{
		{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:        model.SearchToolName,
					Description: "Search the web for current information. Returns result text with sources.",
					Parameters: &genai.Schema{
						Type: genai.TypeObject,
						Properties: map[string]*genai.Schema{
							"query": {Type: genai.TypeString, Description: "The search query."},
						},
						Required: []string{"query"},
					},
				},
			},
		},
	}
}

// stream adapts the Gemini range-over-func iterator to the pull-based
// model.Stream contract.
type stream struct {
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	cancel  context.CancelFunc
	pending []model.Event
	closed  bool
}

func (s *stream) Next() (model.Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}

		resp, err, ok := s.next()
		if !ok {
			return model.Event{}, io.EOF
		}
		if err != nil {
			return model.Event{}, classify(err)
		}
		if resp == nil {
			continue
		}

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					s.pending = append(s.pending, model.Event{Text: part.Text})
				}
				if part.FunctionCall != nil {
					args, marshalErr := json.Marshal(part.FunctionCall.Args)
					if marshalErr != nil {
						args = []byte("{}")
					}
					s.pending = append(s.pending, model.Event{
						ToolName: part.FunctionCall.Name,
						ToolArgs: string(args),
					})
				}
			}
		}
	}
}

func (s *stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.stop()
	s.cancel()
	return nil
}

// classify maps SDK errors to machine-readable provider error codes.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := strings.ToLower(apiErr.Message)
		switch {
		case apiErr.Code == 400 && (strings.Contains(msg, "token") || strings.Contains(msg, "exceeds") || strings.Contains(msg, "too long")):
			return &model.ProviderError{Code: model.CodeContextLength, Message: apiErr.Message}
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return &model.ProviderError{Code: model.CodeServerError, Message: apiErr.Message}
		default:
			return &model.ProviderError{Code: model.CodeUnknown, Message: apiErr.Message}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &model.ProviderError{Code: model.CodeServerError, Message: err.Error()}
	}
	return &model.ProviderError{Code: model.CodeUnknown, Message: err.Error()}
}
