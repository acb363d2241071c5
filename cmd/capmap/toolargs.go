package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/capmap/internal/analytics"
	"github.com/hurttlocker/capmap/internal/model"
	"github.com/hurttlocker/capmap/internal/store"
)

// parseToolArgs merges a JSON object with key=value pairs; pairs win.
// Pair values stay strings: the analytics argument bag parses numbers and
// comma-separated lists itself.
func parseToolArgs(rawJSON string, pairs []string) (analytics.Args, error) {
	args := analytics.Args{}
	if s := strings.TrimSpace(rawJSON); s != "" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			return nil, eris.Wrap(err, "parsing --json arguments")
		}
	}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, eris.Errorf("invalid --arg %q (want key=value)", p)
		}
		args[key] = strings.TrimSpace(value)
	}
	return args, nil
}

// recordToolTrace fills the JSON columns of t and persists it.
func recordToolTrace(ctx context.Context, st *store.SQLStore, t *store.ToolTrace, args analytics.Args, result any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return eris.Wrap(err, "encoding tool args")
	}
	t.Args = raw
	if result != nil {
		if t.Result, err = json.Marshal(result); err != nil {
			return eris.Wrap(err, "encoding tool result")
		}
	}
	if t.Citations == nil {
		t.Citations = []model.Citation{}
	}
	return st.AddToolTrace(ctx, t)
}
