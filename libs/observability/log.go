package observability

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"
)

var logger = log.New(os.Stdout, "", 0)

func LogEvent(ctx context.Context, level string, event string, fields map[string]any) {
	payload := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"level": level,
		"event": event,
	}

	info := RunInfoFromContext(ctx)
	if info.FlowID != "" {
		payload["flow_id"] = info.FlowID
	}
	if info.RunID != "" {
		payload["run_id"] = info.RunID
	}
	if info.TaskID != "" {
		payload["task_id"] = info.TaskID
	}
	if info.Symbol != "" {
		payload["symbol"] = info.Symbol
	}

	for key, value := range normalizeFields(fields) {
		payload[key] = value
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Printf("{\"level\":\"error\",\"event\":\"log_marshal_failed\",\"error\":%q}", err.Error())
		return
	}
	logger.Print(string(raw))
}

// LogTaskStart records the dispatch of a single backtest task by the
// optimizer scheduler.
func LogTaskStart(ctx context.Context, taskKey string, params any) {
	LogEvent(ctx, "info", "task_start", map[string]any{
		"task_key": taskKey,
		"params":   params,
	})
}

// LogTaskEnd records the completion (success or failure) of a backtest task.
func LogTaskEnd(ctx context.Context, taskKey string, duration time.Duration, err error) {
	fields := map[string]any{
		"task_key":   taskKey,
		"latency_ms": duration.Milliseconds(),
		"success":    err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	LogEvent(ctx, "info", "task_end", fields)
}

// LogToolStart records the start of a tool invocation; input is logged
// under the "input" key and therefore passes through RedactValue.
func LogToolStart(ctx context.Context, tool string, action string, input any) {
	LogEvent(ctx, "info", "tool_start", map[string]any{
		"tool":   tool,
		"action": action,
		"input":  input,
	})
}

// LogIngestChunk records the outcome of a single ingest chunk download.
func LogIngestChunk(ctx context.Context, symbol string, records int, err error) {
	fields := map[string]any{
		"symbol":  symbol,
		"records": records,
		"success": err == nil,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	LogEvent(ctx, "info", "ingest_chunk", fields)
}

func normalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		switch key {
		case "input", "payload":
			out[key] = RedactValue(value)
			continue
		}
		if err, ok := value.(error); ok {
			out[key] = err.Error()
			continue
		}
		out[key] = value
	}
	return out
}
