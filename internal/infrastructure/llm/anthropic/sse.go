package anthropic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ngoclaw/swarmfabric/internal/domain/entity"
	pkgerrors "github.com/ngoclaw/swarmfabric/pkg/errors"
	"go.uber.org/zap"
)

// ParseSSEStream reads Anthropic's event-based SSE format and writes
// entity.StreamEvents to sink in upstream order. Exactly one terminal
// StreamEventStop or StreamEventError is written before returning.
//
// Anthropic SSE events:
//   - message_start         → initial message metadata (usage so far)
//   - content_block_delta   → incremental text (ignored for any other type)
//   - message_delta         → final usage + stop_reason
//   - message_stop / ping   → no action
func ParseSSEStream(ctx context.Context, reader io.Reader, sink chan<- entity.StreamEvent, idleTimeout time.Duration, logger *zap.Logger) error {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	tReader := &timedReader{r: reader, timeout: idleTimeout}

	scanner := bufio.NewScanner(tReader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var usage entity.Usage
	var currentEventType string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			sink <- entity.StreamEvent{Kind: entity.StreamEventError, ErrorMessage: ctx.Err().Error()}
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			currentEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch currentEventType {
		case "message_start":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable message_start", zap.Error(err))
				continue
			}
			if evt.Message != nil {
				usage.InputTokens = evt.Message.Usage.InputTokens
				usage.CacheReadInputTokens = evt.Message.Usage.CacheReadInputTokens
				usage.CacheCreateInputTokens = evt.Message.Usage.CacheCreationInputTokens
			}

		case "content_block_delta":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable content_block_delta", zap.Error(err))
				continue
			}
			if evt.Delta == nil {
				continue
			}
			if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
				sink <- entity.StreamEvent{Kind: entity.StreamEventDelta, DeltaText: evt.Delta.Text}
			}
			// Any other delta type (e.g. thinking_delta) is ignored.

		case "message_delta":
			var evt StreamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				logger.Debug("skip unparseable message_delta", zap.Error(err))
				continue
			}
			if evt.Usage != nil {
				usage.OutputTokens = evt.Usage.OutputTokens
			}
			sink <- entity.StreamEvent{Kind: entity.StreamEventDelta, Usage: usage}

		case "message_stop", "ping":
			// No action.

		default:
			logger.Debug("unknown Anthropic SSE event type", zap.String("type", currentEventType))
		}

		currentEventType = ""
	}

	if err := scanner.Err(); err != nil {
		if isIdleTimeoutErr(err) {
			sink <- entity.StreamEvent{Kind: entity.StreamEventError, ErrorMessage: "timeout"}
			return pkgerrors.NewTransportError("timeout")
		}
		sink <- entity.StreamEvent{Kind: entity.StreamEventError, ErrorMessage: err.Error()}
		return fmt.Errorf("SSE scan error: %w", err)
	}

	sink <- entity.StreamEvent{Kind: entity.StreamEventStop, FinishReason: "stop", Usage: usage}
	return nil
}

// --- Idle-timeout reader: a Read that surfaces as an error once no data
// arrives for `timeout`, so a stalled upstream surfaces as TransportError
// instead of hanging forever. ---

var errIdleTimeout = fmt.Errorf("SSE read idle timeout")

type timedReader struct {
	r       io.Reader
	timeout time.Duration
}

func (t *timedReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.r.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.timeout):
		return 0, errIdleTimeout
	}
}

func isIdleTimeoutErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "SSE read idle timeout")
}
