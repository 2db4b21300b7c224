package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/harun/aide/internal/observability"
	"github.com/harun/aide/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultOutputBudget = 16000
	DefaultTimeout      = 60 * time.Second
)

// Parameter describes one argument of a tool.
type Parameter struct {
	Name        string
	Type        string // string, number, integer, boolean, object, array
	Description string
	Required    bool
	Enum        []string
	Default     any
}

// Handler runs a tool. Returned errors become error outcomes.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Definition is a tool as registered.
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	Handler     Handler
	// Timeout overrides the registry default for this tool.
	Timeout time.Duration
}

// Descriptor is what providers need to advertise a tool.
type Descriptor struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Outcome is the result of one execution.
type Outcome struct {
	Output    string
	IsError   bool
	Truncated bool
	Duration  time.Duration
}

// Config configures a Registry.
type Config struct {
	OutputBudget int
	Timeout      time.Duration
	Logger       *zerolog.Logger
}

type entry struct {
	def       Definition
	schemaMap map[string]any
	validator *gojsonschema.Schema
}

// Registry holds the tool set.
type Registry struct {
	entries map[string]*entry
	order   []string
	budget  int
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRegistry validates defs and builds the registry.
func NewRegistry(cfg Config, defs ...Definition) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.OutputBudget <= 0 {
		cfg.OutputBudget = DefaultOutputBudget
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	r := &Registry{
		entries: make(map[string]*entry, len(defs)),
		budget:  cfg.OutputBudget,
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "tools").Logger(),
	}

	for _, def := range defs {
		if err := validateDefinition(def); err != nil {
			return nil, err
		}
		if _, dup := r.entries[def.Name]; dup {
			return nil, fmt.Errorf("tool %s registered twice", def.Name)
		}
		schemaMap := buildSchema(def)
		validator, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
		if err != nil {
			return nil, fmt.Errorf("tool %s: invalid schema: %w", def.Name, err)
		}
		r.entries[def.Name] = &entry{def: def, schemaMap: schemaMap, validator: validator}
		r.order = append(r.order, def.Name)
	}

	r.logger.Info().Strs("tools", r.order).Msg("Tool registry built")
	return r, nil
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool %s: description cannot be empty", def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler cannot be nil", def.Name)
	}
	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter name cannot be empty", def.Name)
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("tool %s: invalid parameter type %q for %s", def.Name, p.Type, p.Name)
		}
	}
	return nil
}

func buildSchema(def Definition) map[string]any {
	props := make(map[string]any, len(def.Parameters))
	required := []string{}
	for _, p := range def.Parameters {
		ps := map[string]any{"type": p.Type}
		if p.Description != "" {
			ps["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			ps["enum"] = enum
		}
		if p.Default != nil {
			ps["default"] = p.Default
		}
		props[p.Name] = ps
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Descriptors lists the tools in registration order.
func (r *Registry) Descriptors() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		e := r.entries[name]
		out = append(out, Descriptor{Name: name, Description: e.def.Description, Schema: e.schemaMap})
	}
	return out
}

// Names lists tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Execute runs the named tool with JSON arguments.
func (r *Registry) Execute(ctx context.Context, name string, rawArgs json.RawMessage) Outcome {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "aide.tools", "tools.execute", attribute.String("tool", name))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("tool", name).Logger()

	out := r.execute(ctx, name, rawArgs, logger)
	out.Duration = time.Since(start)
	out.Output, out.Truncated = truncate(out.Output, r.budget)
	if out.Truncated {
		logger.Debug().Int("budget", r.budget).Msg("Tool output truncated")
	}

	observability.RecordToolExecution(name, out.Duration, !out.IsError)
	span.SetAttributes(attribute.Bool("tool.error", out.IsError))
	return out
}

func (r *Registry) execute(ctx context.Context, name string, rawArgs json.RawMessage, logger zerolog.Logger) Outcome {
	e, ok := r.entries[name]
	if !ok {
		logger.Warn().Msg("Model requested an unknown tool")
		return Outcome{Output: "tool not available: " + name, IsError: true}
	}

	args := map[string]any{}
	if trimmed := strings.TrimSpace(string(rawArgs)); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
			return Outcome{Output: fmt.Sprintf("invalid arguments for %s: %v", name, err), IsError: true}
		}
	}

	result, err := e.validator.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return Outcome{Output: fmt.Sprintf("invalid arguments for %s: %v", name, err), IsError: true}
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return Outcome{Output: fmt.Sprintf("invalid arguments for %s: %s", name, strings.Join(msgs, "; ")), IsError: true}
	}

	timeout := r.timeout
	if e.def.Timeout > 0 {
		timeout = e.def.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type handlerResult struct {
		out string
		err error
	}
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error().Interface("panic", p).Bytes("stack", debug.Stack()).Msg("Tool panicked")
				done <- handlerResult{err: fmt.Errorf("tool %s panicked: %v", name, p)}
			}
		}()
		o, err := e.def.Handler(runCtx, args)
		done <- handlerResult{out: o, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			logger.Debug().Err(res.err).Msg("Tool returned an error")
			return Outcome{Output: "error: " + res.err.Error(), IsError: true}
		}
		return Outcome{Output: res.out}
	case <-runCtx.Done():
		logger.Warn().Dur("timeout", timeout).Msg("Tool execution timed out")
		return Outcome{Output: fmt.Sprintf("error: tool %s timed out after %s", name, timeout), IsError: true}
	}
}

// truncate cuts s to budget characters and appends a marker naming how
// many were dropped.
func truncate(s string, budget int) (string, bool) {
	n := utf8.RuneCountInString(s)
	if budget <= 0 || n <= budget {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:budget]) + fmt.Sprintf("\n...[truncated %d chars]", n-budget), true
}
