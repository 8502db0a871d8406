package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	"github.com/ngoclaw/swarmfabric/pkg/safego"
	"go.uber.org/zap"
)

// --- OpenAI-compatible wire types, adapted from the teacher's
// interfaces/http/handlers/openai_handler.go to add the gateway's fallback
// and caching annotations. ---

// ChatMessage is one message in a completions request/response.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest mirrors OpenAI's request format.
type ChatCompletionRequest struct {
	Model       string        `json:"model" binding:"required"`
	Messages    []ChatMessage `json:"messages" binding:"required"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// ChatUsage reports token counts in the OpenAI shape plus the two
// Anthropic-specific cache fields spec §6 requires.
type ChatUsage struct {
	PromptTokens           int `json:"prompt_tokens"`
	CompletionTokens       int `json:"completion_tokens"`
	TotalTokens            int `json:"total_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// ChatChoice is one completion choice.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse mirrors OpenAI's response format plus the
// gateway's fallback annotations.
type ChatCompletionResponse struct {
	ID             string       `json:"id"`
	Object         string       `json:"object"`
	Created        int64        `json:"created"`
	Model          string       `json:"model"`
	Choices        []ChatChoice `json:"choices"`
	Usage          *ChatUsage   `json:"usage,omitempty"`
	UsedModel      string       `json:"_usedModel,omitempty"`
	Fallback       bool         `json:"_fallback,omitempty"`
	RequestedModel string       `json:"_requestedModel,omitempty"`
}

// ChatStreamDelta is the incremental content of one streaming choice.
type ChatStreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChatStreamChoice is one streaming choice delta.
type ChatStreamChoice struct {
	Index        int             `json:"index"`
	Delta        ChatStreamDelta `json:"delta"`
	FinishReason *string         `json:"finish_reason,omitempty"`
}

// ChatStreamChunk is one SSE data payload.
type ChatStreamChunk struct {
	ID        string             `json:"id"`
	Object    string             `json:"object"`
	Created   int64              `json:"created"`
	Model     string             `json:"model"`
	Choices   []ChatStreamChoice `json:"choices,omitempty"`
	Meta      bool               `json:"_meta,omitempty"`
	UsedModel string             `json:"_usedModel,omitempty"`
}

func errorJSON(message, errType string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": errType}}
}

// Router builds the gin engine exposing the gateway's HTTP surface.
func (g *Gateway) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(g.accessLog())
	router.Use(g.cors())

	router.GET("/health", g.handleHealth)
	router.GET("/usage", g.requireAuth(), g.handleUsage)
	router.GET("/requests", g.requireAuth(), g.handleRequests)

	v1 := router.Group("/v1")
	v1.Use(g.requireAuth())
	v1.POST("/chat/completions", g.handleChatCompletions)

	return router
}

func (g *Gateway) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		g.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (g *Gateway) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Header("Access-Control-Expose-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (g *Gateway) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authorize(c.Request, g.cfg.Token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorJSON("invalid or missing credentials", "auth_error"))
			return
		}
		c.Next()
	}
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"routeMode":        "gateway",
		"providers":        []string{"anthropic"},
		"activeConcurrent": atomic.LoadInt64(&g.active),
		"queueLength":      atomic.LoadInt64(&g.queueLength),
		"cacheSize":        g.cache.size(),
		"totalRequests":    g.usage.Snapshot().Totals.Requests,
	})
}

func (g *Gateway) handleUsage(c *gin.Context) {
	c.JSON(http.StatusOK, g.usage.Snapshot())
}

func (g *Gateway) handleRequests(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"requests": g.usage.Requests()})
}

func (g *Gateway) handleChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorJSON(err.Error(), "invalid_request_error"))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, errorJSON("messages array must not be empty", "invalid_request_error"))
		return
	}

	chatReq := toChatRequest(&req, g.resolveModel(req.Model))

	if req.Stream {
		g.handleStream(c, &req, chatReq)
		return
	}
	g.handleNonStream(c, &req, chatReq)
}

func toChatRequest(req *ChatCompletionRequest, model string) *entity.ChatRequest {
	messages := make([]entity.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = entity.Message{Role: m.Role, Content: m.Content}
	}
	out := &entity.ChatRequest{Model: model, Messages: messages}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	return out
}

func (g *Gateway) handleNonStream(c *gin.Context, orig *ChatCompletionRequest, chatReq *entity.ChatRequest) {
	fp := fingerprint(chatReq)
	if cached, ok := g.cache.get(fp); ok {
		g.usage.RecordCacheHit()
		c.JSON(http.StatusOK, toCompletionResponse(orig.Model, cached, orig.Model, false, true))
		return
	}
	g.usage.RecordCacheMiss()

	release, err := g.acquirePermit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusTooManyRequests, errorJSON(err.Error(), "rate_limit_error"))
		return
	}
	defer release()

	ctx, cancel := contextWithTimeout(c.Request.Context(), g.cfg.UpstreamTimeout)
	defer cancel()

	start := time.Now()
	// singleflight collapses concurrent requests sharing a cache
	// fingerprint into one upstream call; every caller gets the same
	// result and only the first records usage.
	result, shared, genErr := g.single.Do(fmt.Sprintf("%d", fp), func() (interface{}, error) {
		resp, usedModel, fallback, err := generateWithFallback(ctx, g.gen, g.chain, chatReq)
		if err != nil {
			return nil, err
		}
		g.usage.Record(usedModel, resp.Usage, g.pricingFor(usedModel), time.Since(start), false, "direct")
		g.cache.put(fp, *resp)
		return singleflightResult{resp: *resp, usedModel: usedModel, fallback: fallback}, nil
	})
	_ = shared
	if genErr != nil {
		c.JSON(http.StatusInternalServerError, errorJSON(genErr.Error(), "gateway_error"))
		return
	}
	sf := result.(singleflightResult)
	c.JSON(http.StatusOK, toCompletionResponse(orig.Model, sf.resp, sf.usedModel, sf.fallback, false))
}

type singleflightResult struct {
	resp      entity.ChatResponse
	usedModel string
	fallback  bool
}

func toCompletionResponse(requestedModel string, resp entity.ChatResponse, usedModel string, fallback, cached bool) ChatCompletionResponse {
	out := ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage: &ChatUsage{
			PromptTokens:             resp.Usage.InputTokens,
			CompletionTokens:         resp.Usage.OutputTokens,
			TotalTokens:              resp.Usage.Total(),
			CacheCreationInputTokens: resp.Usage.CacheCreateInputTokens,
			CacheReadInputTokens:     resp.Usage.CacheReadInputTokens,
		},
	}
	if fallback {
		out.UsedModel = usedModel
		out.Fallback = true
		out.RequestedModel = requestedModel
	}
	return out
}

func (g *Gateway) handleStream(c *gin.Context, orig *ChatCompletionRequest, chatReq *entity.ChatRequest) {
	release, err := g.acquirePermit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusTooManyRequests, errorJSON(err.Error(), "rate_limit_error"))
		return
	}
	defer release()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	completionID := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	ctx, cancel := contextWithTimeout(c.Request.Context(), g.cfg.UpstreamTimeout)
	defer cancel()

	candidates := g.chain.candidates(chatReq.Model)
	var started bool
	var genErr error

	for i, model := range candidates {
		if started {
			break
		}
		attempt := *chatReq
		attempt.Model = model
		sink := make(chan entity.StreamEvent, 16)
		done := make(chan error, 1)
		safego.Go(g.logger, "gateway-generate-stream", func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in GenerateStream: %v", r)
					panic(r) // re-panic so safego's own recover still logs it
				}
			}()
			done <- g.gen.GenerateStream(ctx, &attempt, sink)
		})

		var usage entity.Usage
		streamErr := g.pumpStream(c, sink, completionID, created, model, &started, &usage)
		err := <-done
		if err == nil && streamErr == nil {
			g.chain.markSuccess(model)
			g.usage.Record(model, usage, g.pricingFor(model), 0, false, "stream")
			break
		}
		g.chain.markFailure(model)
		genErr = err
		if started || !retryableError(err) || i == len(candidates)-1 {
			break
		}
	}

	if !started {
		c.SSEvent("error", gin.H{"error": errorJSON(errString(genErr), "gateway_error")})
		c.Writer.Flush()
	}
	io.WriteString(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// pumpStream relays StreamEvents from sink onto the SSE response, writing
// the synthetic _meta event once the first delta arrives (started flips to
// true on that first byte, per spec §4.2's "fallback allowed only before
// any bytes sent to the client").
func (g *Gateway) pumpStream(c *gin.Context, sink <-chan entity.StreamEvent, id string, created int64, model string, started *bool, usage *entity.Usage) error {
	for evt := range sink {
		switch evt.Kind {
		case entity.StreamEventDelta:
			if !*started {
				*started = true
				writeSSE(c.Writer, ChatStreamChunk{ID: id, Object: "chat.completion.chunk", Created: created, Model: model, Meta: true, UsedModel: model})
				c.Writer.Flush()
			}
			if evt.DeltaText != "" {
				writeSSE(c.Writer, ChatStreamChunk{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
					Choices: []ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{Content: evt.DeltaText}}},
				})
				c.Writer.Flush()
			}
			*usage = evt.Usage
		case entity.StreamEventStop:
			*usage = evt.Usage
			finish := evt.FinishReason
			writeSSE(c.Writer, ChatStreamChunk{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
				Choices: []ChatStreamChoice{{Index: 0, Delta: ChatStreamDelta{}, FinishReason: &finish}},
			})
			c.Writer.Flush()
			return nil
		case entity.StreamEventError:
			if *started {
				writeSSE(c.Writer, ChatStreamChunk{ID: id, Object: "error", Created: created, Model: model})
				c.Writer.Flush()
				return nil
			}
			return fmt.Errorf("%s", evt.ErrorMessage)
		}
	}
	return nil
}

func writeSSE(w io.Writer, chunk ChatStreamChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
