package tools

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegistryExecuteMarshalsHandlerResult(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{
		Name:        "echo",
		Description: "echoes its input",
		Parameters:  ObjectSchema("echo args", nil),
		ReadOnly:    true,
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in map[string]any
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return in, nil
		},
	})

	out, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != `{"a":1}` {
		t.Errorf("got %q, want {\"a\":1}", out)
	}
}

func TestRegistryExecuteUnknownToolErrors(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Execute(context.Background(), "nope", nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestRegistryListReturnsAllRegistered(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{Name: "a", Handler: func(context.Context, json.RawMessage) (any, error) { return nil, nil }})
	r.Register(Tool{Name: "b", Handler: func(context.Context, json.RawMessage) (any, error) { return nil, nil }})

	names := map[string]bool{}
	for _, tool := range r.List() {
		names[tool.Name] = true
	}
	if !names["a"] || !names["b"] {
		t.Fatalf("expected both tools in list, got %v", names)
	}
}
