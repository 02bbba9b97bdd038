package handlers

import (
	"context"
	"encoding/json"
)

// Handler is the external collaborator a leaf step invokes: arbitrary domain
// or integration code behind a single-method contract. The engine resolves
// the step's params before calling Execute and never inspects what the
// handler does with them.
type Handler interface {
	Name() string
	Schema() HandlerSchema
	Execute(ctx context.Context, input Input) (*Output, error)
}

// HandlerRegistry manages the lifecycle and lookup of available handlers.
type HandlerRegistry interface {
	Register(h Handler) error
	Get(name string) (Handler, error)
	List() []HandlerInfo
}

// HandlerSchema describes the input/output contract of a handler.
type HandlerSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// Input is the data provided to a handler at execution time.
// Params holds the step's resolved parameters; Scope exposes a read-only
// view of the execution context (step outputs, workflow input, run metadata).
type Input struct {
	Params map[string]any `json:"params"`
	Scope  map[string]any `json:"scope,omitempty"`
}

// Output is the result of a handler execution.
type Output struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// HandlerInfo is a summary of a registered handler for listing.
type HandlerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Desc        string
	Fn          func(ctx context.Context, input Input) (*Output, error)
}

func (h HandlerFunc) Name() string { return h.HandlerName }

func (h HandlerFunc) Schema() HandlerSchema {
	return HandlerSchema{Description: h.Desc}
}

func (h HandlerFunc) Execute(ctx context.Context, input Input) (*Output, error) {
	return h.Fn(ctx, input)
}
