package memoryservice

import (
	"context"
	"strings"
)

// RecallFunc adapts a Service into the Agent Runtime's memory-recall hook
// (runtime.MemoryRecallFunc): a hybrid-mode Recall limited to the top 5
// entries, each flattened to its content string.
func RecallFunc(svc *Service) func(ctx context.Context, agentID, situation string) ([]string, error) {
	return func(ctx context.Context, agentID, situation string) ([]string, error) {
		if svc == nil || strings.TrimSpace(situation) == "" {
			return nil, nil
		}
		entries, err := svc.Recall(ctx, agentID, situation, SearchHybrid, 5)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(entries))
		for i, e := range entries {
			out[i] = e.Content
		}
		return out, nil
	}
}
