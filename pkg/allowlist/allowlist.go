// Package allowlist decides whether a tool may run under an operating mode
// and whether human confirmation is required first. Decisions combine a
// fixed (mode, category) rule matrix with per-tool overrides, optional
// JSON Schema argument validation and optional CEL guard expressions.
package allowlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrEmptyToolName is returned when registering a tool without a name.
var ErrEmptyToolName = errors.New("allowlist: tool name must not be empty")

// ToolConfig describes one tool's policy posture. Overrides are checked
// before the category-rule table.
type ToolConfig struct {
	Name                   string
	Category               Category
	Description            string
	RequiresConfirmationIn map[Mode]bool
	BlockedIn              map[Mode]bool
	// ArgsSchema, when set, is a JSON Schema (draft 2020-12) the tool's
	// arguments must satisfy before the call may be signed.
	ArgsSchema string
	// Guard, when set, is a CEL expression over {tool, mode, args} that
	// must evaluate to true for the call to proceed. Evaluation errors
	// fail closed.
	Guard string
}

// Decision is the outcome of a tool-call policy check. Reason is a
// human-readable justification for audit and UX, not for control flow.
type Decision struct {
	Allowed              bool   `json:"allowed"`
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Reason               string `json:"reason"`
}

type registeredTool struct {
	cfg    ToolConfig
	schema *jsonschema.Schema
	guard  cel.Program
}

// Allowlist is the policy engine. Safe for concurrent use; the current mode
// is mutable so a session can escalate or de-escalate at runtime.
type Allowlist struct {
	mu    sync.RWMutex
	mode  Mode
	tools map[string]*registeredTool
	env   *cel.Env
}

// New creates an allowlist in the given mode with the default tool registry.
func New(mode Mode) (*Allowlist, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("mode", cel.StringType),
		cel.Variable("args", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("allowlist: cel environment failed: %w", err)
	}
	a := &Allowlist{
		mode:  mode,
		tools: make(map[string]*registeredTool),
		env:   env,
	}
	for _, cfg := range defaultTools() {
		if err := a.RegisterTool(cfg); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Mode returns the current operating mode.
func (a *Allowlist) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

// SetMode changes the current operating mode. Subsequent decisions reflect
// the new mode immediately.
func (a *Allowlist) SetMode(mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = mode
}

// RegisterTool inserts or overwrites a tool's config, compiling its
// argument schema and guard expression. Takes effect immediately.
func (a *Allowlist) RegisterTool(cfg ToolConfig) error {
	if cfg.Name == "" {
		return ErrEmptyToolName
	}
	if cfg.RequiresConfirmationIn == nil {
		cfg.RequiresConfirmationIn = map[Mode]bool{}
	}
	if cfg.BlockedIn == nil {
		cfg.BlockedIn = map[Mode]bool{}
	}

	rt := &registeredTool{cfg: cfg}
	if cfg.ArgsSchema != "" {
		compiled, err := compileSchema(cfg.Name, cfg.ArgsSchema)
		if err != nil {
			return err
		}
		rt.schema = compiled
	}
	if cfg.Guard != "" {
		prg, err := a.compileGuard(cfg.Guard)
		if err != nil {
			return err
		}
		rt.guard = prg
	}

	a.mu.Lock()
	a.tools[cfg.Name] = rt
	a.mu.Unlock()
	return nil
}

// UnregisterTool removes a tool's config, reverting it to unknown-tool
// defaults. Reports whether a config was removed.
func (a *Allowlist) UnregisterTool(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tools[name]; !ok {
		return false
	}
	delete(a.tools, name)
	return true
}

// GetTool returns a registered tool's config.
func (a *Allowlist) GetTool(name string) (ToolConfig, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rt, ok := a.tools[name]
	if !ok {
		return ToolConfig{}, false
	}
	return rt.cfg, true
}

// IsAllowed reports whether the tool may run under the current mode.
func (a *Allowlist) IsAllowed(tool string) bool {
	return a.IsAllowedInMode(tool, a.Mode())
}

// IsAllowedInMode reports whether the tool may run under mode. Explicit
// BlockedIn overrides win over the category table. Unknown tools are
// blocked only in read-only mode: outside the strictest posture the
// subsystem fails open on registration gaps, trading safety for usability.
func (a *Allowlist) IsAllowedInMode(tool string, mode Mode) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rt, ok := a.tools[tool]
	if !ok {
		return mode != ModeReadOnly
	}
	if rt.cfg.BlockedIn[mode] {
		return false
	}
	return categoryRules[mode][rt.cfg.Category] != RuleBlock
}

// RequireConfirmation reports whether the tool needs human confirmation
// under the current mode.
func (a *Allowlist) RequireConfirmation(tool string) bool {
	return a.RequireConfirmationInMode(tool, a.Mode())
}

// RequireConfirmationInMode reports whether the tool needs confirmation
// under mode. Unrestricted mode never confirms. An explicit
// RequiresConfirmationIn entry wins; otherwise the category table decides.
// Unknown tools require confirmation everywhere except unrestricted.
func (a *Allowlist) RequireConfirmationInMode(tool string, mode Mode) bool {
	if mode == ModeUnrestricted {
		return false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	rt, ok := a.tools[tool]
	if !ok {
		return true
	}
	if rt.cfg.RequiresConfirmationIn[mode] {
		return true
	}
	return categoryRules[mode][rt.cfg.Category] == RuleConfirm
}

// ValidateToolCall composes the allow and confirmation checks under the
// current mode into one decision record.
func (a *Allowlist) ValidateToolCall(tool string) Decision {
	return a.ValidateToolCallInMode(tool, a.Mode())
}

// ValidateToolCallInMode composes the allow and confirmation checks under
// an explicit mode.
func (a *Allowlist) ValidateToolCallInMode(tool string, mode Mode) Decision {
	if !a.IsAllowedInMode(tool, mode) {
		return Decision{
			Reason: fmt.Sprintf("tool %q is blocked in mode %q", tool, mode),
		}
	}
	if a.RequireConfirmationInMode(tool, mode) {
		return Decision{
			Allowed:              true,
			RequiresConfirmation: true,
			Reason:               fmt.Sprintf("tool %q requires confirmation in mode %q", tool, mode),
		}
	}
	return Decision{
		Allowed: true,
		Reason:  fmt.Sprintf("tool %q is allowed in mode %q", tool, mode),
	}
}

// ValidateToolCallArgs runs the full decision: policy matrix, then argument
// schema, then guard expression. Schema and guard failures are policy
// denials carried in the decision, not errors.
func (a *Allowlist) ValidateToolCallArgs(tool string, mode Mode, args map[string]any) Decision {
	d := a.ValidateToolCallInMode(tool, mode)
	if !d.Allowed {
		return d
	}

	a.mu.RLock()
	rt := a.tools[tool]
	a.mu.RUnlock()
	if rt == nil {
		return d
	}

	if rt.schema != nil {
		normalized, err := normalizeArgs(args)
		if err != nil {
			return Decision{Reason: fmt.Sprintf("tool %q arguments are not serializable: %v", tool, err)}
		}
		if err := rt.schema.Validate(normalized); err != nil {
			return Decision{Reason: fmt.Sprintf("tool %q arguments failed schema validation: %v", tool, err)}
		}
	}

	if rt.guard != nil {
		out, _, err := rt.guard.Eval(map[string]any{
			"tool": tool,
			"mode": string(mode),
			"args": args,
		})
		if err != nil {
			// Fail closed: a guard that cannot be evaluated denies the call.
			return Decision{Reason: fmt.Sprintf("tool %q guard evaluation failed: %v", tool, err)}
		}
		ok, _ := out.Value().(bool)
		if !ok {
			return Decision{Reason: fmt.Sprintf("tool %q guard rejected the call in mode %q", tool, mode)}
		}
	}

	return d
}

// GetAllowedTools lists registered tools allowed under mode, sorted.
func (a *Allowlist) GetAllowedTools(mode Mode) []string {
	return a.listTools(func(name string) bool {
		return a.IsAllowedInMode(name, mode)
	})
}

// GetBlockedTools lists registered tools blocked under mode, sorted.
func (a *Allowlist) GetBlockedTools(mode Mode) []string {
	return a.listTools(func(name string) bool {
		return !a.IsAllowedInMode(name, mode)
	})
}

// GetToolsRequiringConfirmation lists registered tools that are allowed
// under mode but need confirmation, sorted.
func (a *Allowlist) GetToolsRequiringConfirmation(mode Mode) []string {
	return a.listTools(func(name string) bool {
		return a.IsAllowedInMode(name, mode) && a.RequireConfirmationInMode(name, mode)
	})
}

func (a *Allowlist) listTools(include func(name string) bool) []string {
	a.mu.RLock()
	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	a.mu.RUnlock()

	out := names[:0]
	for _, name := range names {
		if include(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (a *Allowlist) compileGuard(expr string) (cel.Program, error) {
	ast, iss := a.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("allowlist: guard compile failed: %w", iss.Err())
	}
	prg, err := a.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("allowlist: guard program failed: %w", err)
	}
	return prg, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://trustplane.schemas.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("allowlist: schema load failed for %q: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("allowlist: schema compile failed for %q: %w", name, err)
	}
	return compiled, nil
}

// normalizeArgs round-trips args through encoding/json so the schema
// validator sees plain decoded JSON types.
func normalizeArgs(args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}
