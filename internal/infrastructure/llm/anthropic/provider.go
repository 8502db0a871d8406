package anthropic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	pkgerrors "github.com/ngoclaw/swarmfabric/pkg/errors"
	"go.uber.org/zap"
)

const (
	anthropicVersion = "2023-06-01"
	// oauthTokenPrefix identifies an OAuth-style credential (vs. a plain
	// API key) by its leading characters, same convention Anthropic's own
	// CLI tooling uses for its stored credentials.
	oauthTokenPrefix = "sk-ant-oat"
	oauthBetaHeader  = "oauth-2025-04-20"

	maxResponseBytes = 2 << 20 // 2 MB, per the adapter's response size cap
)

// Adapter translates generic ChatRequests into the upstream Anthropic
// Messages API and back, both non-streaming and streaming.
type Adapter struct {
	baseURL        string
	credential     string
	client         *http.Client
	requestTimeout time.Duration
	logger         *zap.Logger
}

// Config configures an Adapter.
type Config struct {
	BaseURL        string
	Credential     string // API key or OAuth token
	RequestTimeout time.Duration
}

// New creates an Adapter for the Anthropic Messages API.
func New(cfg Config, logger *zap.Logger) *Adapter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   5,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	return &Adapter{
		baseURL:        baseURL,
		credential:     cfg.Credential,
		client:         &http.Client{Transport: transport},
		requestTimeout: timeout,
		logger:         logger.With(zap.String("component", "anthropic-adapter")),
	}
}

// Generate performs a non-streaming chat completion against the upstream
// Messages API.
func (a *Adapter) Generate(ctx context.Context, req *entity.ChatRequest) (*entity.ChatResponse, error) {
	apiReq := buildAPIRequest(req)

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	a.setHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pkgerrors.NewTransportError("timeout")
		}
		return nil, pkgerrors.NewTransportError(err.Error())
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, pkgerrors.NewTransportError(err.Error())
	}
	if len(respBody) > maxResponseBytes {
		return nil, pkgerrors.NewTransportError("response exceeds 2MB limit")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &pkgerrors.UpstreamError{Status: resp.StatusCode, Excerpt: excerpt(respBody)}
	}

	return parseAPIResponse(respBody)
}

// GenerateStream performs a streaming chat completion, writing StreamEvents
// to sink in order (ending with exactly one stop or error event) and
// returning the error that ended the stream, if any.
func (a *Adapter) GenerateStream(ctx context.Context, req *entity.ChatRequest, sink chan<- entity.StreamEvent) error {
	fail := func(err error) error {
		sink <- entity.StreamEvent{Kind: entity.StreamEventError, ErrorMessage: err.Error()}
		return err
	}

	apiReq := buildAPIRequest(req)
	apiReq.Stream = true

	body, err := json.Marshal(apiReq)
	if err != nil {
		return fail(fmt.Errorf("marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, a.requestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("create request: %w", err))
	}
	a.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fail(pkgerrors.NewTransportError("timeout"))
		}
		return fail(pkgerrors.NewTransportError(err.Error()))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		limited := io.LimitReader(resp.Body, maxResponseBytes)
		respBody, _ := io.ReadAll(limited)
		upstreamErr := &pkgerrors.UpstreamError{Status: resp.StatusCode, Excerpt: excerpt(respBody)}
		sink <- entity.StreamEvent{Kind: entity.StreamEventError, ErrorMessage: upstreamErr.Error()}
		return upstreamErr
	}

	streamDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			resp.Body.Close()
		case <-streamDone:
		}
	}()
	err = ParseSSEStream(ctx, resp.Body, sink, a.requestTimeout, a.logger)
	close(streamDone)
	return err
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", anthropicVersion)
	if strings.HasPrefix(a.credential, oauthTokenPrefix) {
		req.Header.Set("Authorization", "Bearer "+a.credential)
		req.Header.Set("anthropic-beta", oauthBetaHeader)
		return
	}
	req.Header.Set("x-api-key", a.credential)
}

func buildAPIRequest(req *entity.ChatRequest) *Request {
	apiReq := &Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if apiReq.MaxTokens == 0 {
		apiReq.MaxTokens = 8192
	}

	var systemParts []string
	var messages []Message
	for _, msg := range req.Messages {
		switch msg.Role {
		case entity.RoleSystem:
			systemParts = append(systemParts, msg.Content)
		case entity.RoleAssistant:
			messages = append(messages, Message{
				Role:    "assistant",
				Content: []ContentBlock{{Type: "text", Text: msg.Content}},
			})
		case entity.RoleTool:
			// Tool results in this system are folded back in as plain user
			// turns above the adapter layer — the adapter itself never sees
			// a structured tool role.
			messages = append(messages, Message{
				Role:    "user",
				Content: []ContentBlock{{Type: "text", Text: msg.Content}},
			})
		default:
			messages = append(messages, Message{
				Role:    "user",
				Content: []ContentBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}
	if len(systemParts) > 0 {
		apiReq.System = strings.Join(systemParts, "\n")
	}
	if len(messages) == 0 {
		messages = append(messages, Message{
			Role:    "user",
			Content: []ContentBlock{{Type: "text", Text: "Hello"}},
		})
	}
	apiReq.Messages = messages

	return apiReq
}

func parseAPIResponse(body []byte) (*entity.ChatResponse, error) {
	var apiResp Response
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parse Anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	finish := apiResp.StopReason
	if finish == "end_turn" {
		finish = "stop"
	}

	return &entity.ChatResponse{
		Model:        apiResp.Model,
		Content:      content.String(),
		FinishReason: finish,
		Usage: entity.Usage{
			InputTokens:            apiResp.Usage.InputTokens,
			OutputTokens:           apiResp.Usage.OutputTokens,
			CacheReadInputTokens:   apiResp.Usage.CacheReadInputTokens,
			CacheCreateInputTokens: apiResp.Usage.CacheCreationInputTokens,
		},
	}, nil
}

func excerpt(body []byte) string {
	const max = 500
	s := string(body)
	if len(s) > max {
		return s[:max]
	}
	return s
}
