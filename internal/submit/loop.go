package submit

import (
	"context"
	"fmt"

	"github.com/haasonsaas/chatsubmit/internal/llm"
	"github.com/haasonsaas/chatsubmit/internal/observability"
	"github.com/haasonsaas/chatsubmit/internal/stream"
	"github.com/haasonsaas/chatsubmit/internal/tools"
	"github.com/haasonsaas/chatsubmit/pkg/models"
)

// RequestBuiltPayload describes an assembled model request.
type RequestBuiltPayload struct {
	Iteration    int    `json:"iteration"`
	Model        string `json:"model"`
	MessageCount int    `json:"messageCount"`
	ToolCount    int    `json:"toolCount"`
}

// RequestSentPayload names the provider a request went to.
type RequestSentPayload struct {
	Iteration int    `json:"iteration"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
}

// StreamStartedPayload opens the stream phase.
type StreamStartedPayload struct {
	Stream bool `json:"stream"`
}

// ToolCallDetectedPayload announces a call seen for the first time.
type ToolCallDetectedPayload struct {
	ToolCall stream.ToolCall `json:"toolCall"`
}

// ToolCallFlushedPayload lists the calls about to run.
type ToolCallFlushedPayload struct {
	ToolCalls []models.ToolCall `json:"toolCalls"`
}

// AbortedPayload closes an aborted submission.
type AbortedPayload struct {
	Reason string `json:"reason"`
}

// FailedPayload closes a failed submission.
type FailedPayload struct {
	Error models.ErrorPayload `json:"error"`
}

// turnLoop drives request -> stream -> tools until the model answers
// without requesting a tool.
type turnLoop struct {
	run      *run
	provider llm.Provider
	executor *tools.Executor
	model    string
	tools    []llm.ToolDefinition
	build    func() ([]*models.Message, error)

	interp  *stream.Interpreter
	started bool
}

func (l *turnLoop) drive(ctx context.Context) (int, error) {
	l.interp = stream.NewInterpreter()
	limit := l.run.c.cfg.MaxIterations

	for iteration := 1; ; iteration++ {
		if iteration > limit {
			return iteration - 1, fmt.Errorf("%w: limit %d", ErrMaxIterations, limit)
		}
		if err := ctx.Err(); err != nil {
			return iteration - 1, err
		}

		calls, err := l.roundTrip(ctx, iteration)
		if err != nil {
			return iteration, err
		}
		if len(calls) == 0 {
			return iteration, nil
		}
		if err := l.runTools(ctx, calls); err != nil {
			return iteration, err
		}
		l.run.state.AddPlaceholder(ctx)
	}
}

// roundTrip sends one request and consumes its stream. It returns the tool
// calls the model asked for.
func (l *turnLoop) roundTrip(ctx context.Context, iteration int) ([]stream.ToolCall, error) {
	r := l.run
	messages, err := l.build()
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req := &llm.Request{
		Model:     l.model,
		Messages:  messages,
		Tools:     l.tools,
		MaxTokens: r.c.cfg.MaxTokens,
		Stream:    r.in.Stream,
	}
	r.journal.Emit(ctx, models.EventRequestBuilt, RequestBuiltPayload{
		Iteration:    iteration,
		Model:        l.model,
		MessageCount: len(messages),
		ToolCount:    len(l.tools),
	})

	llmCtx, span := r.c.cfg.Tracer.TraceLLMRequest(ctx, l.provider.Name(), l.model)
	defer span.End()

	chunks, err := l.provider.Stream(llmCtx, req)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("%s stream: %w", l.provider.Name(), err)
	}
	r.journal.Emit(ctx, models.EventRequestSent, RequestSentPayload{
		Iteration: iteration,
		Provider:  l.provider.Name(),
		Model:     l.model,
	})
	if !l.started {
		l.started = true
		r.journal.Emit(ctx, models.EventStreamStarted, StreamStartedPayload{Stream: r.in.Stream})
	}

	l.interp.BeginResponse()
	detected := make(map[string]bool)
	for {
		var (
			chunk *llm.RawChunk
			ok    bool
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case chunk, ok = <-chunks:
		}
		if !ok {
			break
		}
		if chunk.Err != nil {
			observability.RecordError(span, chunk.Err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s stream: %w", l.provider.Name(), chunk.Err)
		}

		res, err := l.interp.Interpret(chunk)
		if err != nil {
			// a malformed chunk is dropped; the stream goes on
			r.logger.Warn("skipping unparsable chunk", "error", err)
			continue
		}
		l.applyDelta(ctx, res)
		for _, call := range res.ToolCalls {
			if !detected[call.ID] {
				detected[call.ID] = true
				r.journal.Emit(ctx, models.EventToolCallDetected, ToolCallDetectedPayload{ToolCall: call})
			}
		}
		r.addUsage(chunk.Usage, l.provider.Name(), l.model)
		if chunk.Done {
			break
		}
	}

	l.applyDelta(ctx, l.interp.Flush())
	if l.interp.ThinkState() == stream.InThink {
		r.logger.Debug("response ended inside a think tag")
	}
	return l.interp.ToolCalls(), nil
}

func (l *turnLoop) applyDelta(ctx context.Context, res stream.Result) {
	if res.Empty() {
		return
	}
	l.run.state.AppendDelta(ctx, res.ContentDelta, res.ReasoningDelta)
	l.run.journal.Emit(ctx, models.EventStreamChunk, models.StreamChunkPayload{
		ContentDelta:   res.ContentDelta,
		ReasoningDelta: res.ReasoningDelta,
	})
}

// runTools flushes calls onto the assistant message, executes them and
// appends one tool message per result, failures included.
func (l *turnLoop) runTools(ctx context.Context, calls []stream.ToolCall) error {
	r := l.run
	msgCalls := make([]models.ToolCall, len(calls))
	execCalls := make([]tools.Call, len(calls))
	for i, call := range calls {
		msgCalls[i] = call.Message()
		index := i
		if call.Index != nil {
			index = *call.Index
		}
		execCalls[i] = tools.Call{ID: call.ID, Index: index, Name: call.Name, Args: call.Args}
	}

	r.journal.Emit(ctx, models.EventToolCallFlushed, ToolCallFlushedPayload{ToolCalls: msgCalls})
	r.state.AddToolCallMessage(ctx, msgCalls, "")

	results := l.executor.Execute(ctx, execCalls)

	now := r.c.cfg.Clock()
	for _, res := range results {
		seg := models.Segment{
			Type:      models.SegmentToolCall,
			Name:      res.Name,
			Result:    res.Content,
			Status:    string(res.Status),
			CostMs:    res.CostMs,
			Timestamp: now.UnixMilli(),
		}
		if res.Err != nil {
			seg.Content = res.Err.Error()
		}
		r.state.AppendSegmentToLastMessage(ctx, seg)
	}
	for _, res := range results {
		r.state.AddToolResultMessage(context.WithoutCancel(ctx), &models.Message{
			Role:       models.RoleTool,
			ToolCallID: res.ID,
			Name:       res.Name,
			Content:    res.ModelContent(),
			CreatedAt:  now,
		})
	}

	return ctx.Err()
}
