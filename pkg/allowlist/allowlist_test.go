package allowlist_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/trustplane/pkg/allowlist"
)

func newAllowlist(t *testing.T, mode allowlist.Mode) *allowlist.Allowlist {
	t.Helper()
	a, err := allowlist.New(mode)
	require.NoError(t, err)
	return a
}

// expectation is (allowed, requiresConfirmation) for one (tool, mode) pair.
type expectation struct {
	allowed bool
	confirm bool
}

// The full default policy matrix. Read and compute tools are uniform;
// write/execute/sensitive tools carry per-tool overrides, including the
// shell_command vs code_execute asymmetry in standard mode.
var defaultMatrix = map[string]map[allowlist.Mode]expectation{
	"web_search":        readToolRow(),
	"web_fetch":         readToolRow(),
	"file_read":         readToolRow(),
	"arxiv_search":      readToolRow(),
	"semantic_scholar":  readToolRow(),
	"summarize":         readToolRow(),
	"analyze":           readToolRow(),
	"extract":           readToolRow(),
	"file_write":        confirmableRow(),
	"api_call":          confirmableRow(),
	"code_execute":      confirmableRow(),
	"credential_access": confirmableRow(),
	"shell_command": {
		allowlist.ModeReadOnly:     {allowed: false},
		allowlist.ModeStandard:     {allowed: false},
		allowlist.ModeExtended:     {allowed: true, confirm: true},
		allowlist.ModeUnrestricted: {allowed: true},
	},
}

func readToolRow() map[allowlist.Mode]expectation {
	return map[allowlist.Mode]expectation{
		allowlist.ModeReadOnly:     {allowed: true},
		allowlist.ModeStandard:     {allowed: true},
		allowlist.ModeExtended:     {allowed: true},
		allowlist.ModeUnrestricted: {allowed: true},
	}
}

func confirmableRow() map[allowlist.Mode]expectation {
	return map[allowlist.Mode]expectation{
		allowlist.ModeReadOnly:     {allowed: false},
		allowlist.ModeStandard:     {allowed: true, confirm: true},
		allowlist.ModeExtended:     {allowed: true, confirm: true},
		allowlist.ModeUnrestricted: {allowed: true},
	}
}

func TestDefaultMatrix_Exact(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)

	for tool, row := range defaultMatrix {
		for mode, want := range row {
			got := expectation{
				allowed: a.IsAllowedInMode(tool, mode),
				confirm: a.RequireConfirmationInMode(tool, mode),
			}
			if want.allowed {
				assert.True(t, got.allowed, "%s should be allowed in %s", tool, mode)
				assert.Equal(t, want.confirm, got.confirm, "%s confirmation in %s", tool, mode)
			} else {
				assert.False(t, got.allowed, "%s should be blocked in %s", tool, mode)
			}
		}
	}
}

func TestShellCommandStricterThanCodeExecute(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)

	assert.False(t, a.IsAllowed("shell_command"))
	assert.True(t, a.IsAllowed("code_execute"))
	assert.True(t, a.RequireConfirmation("code_execute"))
}

func TestUnknownTool_FailClosedOnlyInReadOnly(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeReadOnly)

	assert.False(t, a.IsAllowedInMode("never_seen_tool", allowlist.ModeReadOnly))
	assert.True(t, a.IsAllowedInMode("never_seen_tool", allowlist.ModeStandard))
	assert.True(t, a.IsAllowedInMode("never_seen_tool", allowlist.ModeExtended))
	assert.True(t, a.IsAllowedInMode("never_seen_tool", allowlist.ModeUnrestricted))

	assert.True(t, a.RequireConfirmationInMode("never_seen_tool", allowlist.ModeStandard))
	assert.True(t, a.RequireConfirmationInMode("never_seen_tool", allowlist.ModeExtended))
	assert.False(t, a.RequireConfirmationInMode("never_seen_tool", allowlist.ModeUnrestricted))
}

func TestUnrestrictedNeverConfirms(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeUnrestricted)

	for tool := range defaultMatrix {
		assert.False(t, a.RequireConfirmation(tool), "%s must not require confirmation in unrestricted mode", tool)
	}
}

func TestValidateToolCall_Decisions(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)

	d := a.ValidateToolCall("web_search")
	assert.True(t, d.Allowed)
	assert.False(t, d.RequiresConfirmation)
	assert.Contains(t, d.Reason, "web_search")

	d = a.ValidateToolCall("file_write")
	assert.True(t, d.Allowed)
	assert.True(t, d.RequiresConfirmation)
	assert.Contains(t, d.Reason, "confirmation")

	d = a.ValidateToolCall("shell_command")
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "blocked")
}

func TestSetMode_TakesEffectImmediately(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeReadOnly)
	require.False(t, a.IsAllowed("file_write"))

	a.SetMode(allowlist.ModeUnrestricted)
	assert.Equal(t, allowlist.ModeUnrestricted, a.Mode())
	assert.True(t, a.IsAllowed("file_write"))
	assert.False(t, a.RequireConfirmation("file_write"))
}

func TestRegisterTool_OverridesAndReverts(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)

	err := a.RegisterTool(allowlist.ToolConfig{
		Name:     "database_query",
		Category: allowlist.CategorySensitive,
		BlockedIn: map[allowlist.Mode]bool{
			allowlist.ModeStandard: true,
		},
	})
	require.NoError(t, err)

	assert.False(t, a.IsAllowed("database_query"))
	assert.True(t, a.IsAllowedInMode("database_query", allowlist.ModeExtended))

	assert.True(t, a.UnregisterTool("database_query"))
	assert.False(t, a.UnregisterTool("database_query"))
	// Back to unknown-tool defaults.
	assert.True(t, a.IsAllowed("database_query"))
	assert.True(t, a.RequireConfirmation("database_query"))
}

func TestRegisterTool_EmptyName(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)
	err := a.RegisterTool(allowlist.ToolConfig{Category: allowlist.CategoryRead})
	assert.ErrorIs(t, err, allowlist.ErrEmptyToolName)
}

func TestListings(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)

	allowed := a.GetAllowedTools(allowlist.ModeReadOnly)
	assert.Contains(t, allowed, "web_search")
	assert.Contains(t, allowed, "summarize")
	assert.NotContains(t, allowed, "file_write")

	blocked := a.GetBlockedTools(allowlist.ModeReadOnly)
	assert.Contains(t, blocked, "file_write")
	assert.Contains(t, blocked, "shell_command")
	assert.Contains(t, blocked, "credential_access")
	assert.NotContains(t, blocked, "web_search")

	confirm := a.GetToolsRequiringConfirmation(allowlist.ModeStandard)
	assert.Contains(t, confirm, "file_write")
	assert.Contains(t, confirm, "code_execute")
	assert.NotContains(t, confirm, "shell_command") // blocked, not confirmable
	assert.NotContains(t, confirm, "web_search")

	assert.Empty(t, a.GetToolsRequiringConfirmation(allowlist.ModeUnrestricted))
	assert.Empty(t, a.GetBlockedTools(allowlist.ModeUnrestricted))
}

func TestListings_Sorted(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)
	allowed := a.GetAllowedTools(allowlist.ModeUnrestricted)
	assert.IsNonDecreasing(t, allowed)
	assert.Len(t, allowed, 13)
}

func TestValidateToolCallArgs_Schema(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)

	err := a.RegisterTool(allowlist.ToolConfig{
		Name:     "web_search",
		Category: allowlist.CategoryRead,
		ArgsSchema: `{
			"type": "object",
			"required": ["query"],
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 100}
			}
		}`,
	})
	require.NoError(t, err)

	d := a.ValidateToolCallArgs("web_search", allowlist.ModeStandard, map[string]any{"query": "ok", "limit": 10})
	assert.True(t, d.Allowed)

	d = a.ValidateToolCallArgs("web_search", allowlist.ModeStandard, map[string]any{"limit": 10})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "schema")

	d = a.ValidateToolCallArgs("web_search", allowlist.ModeStandard, map[string]any{"query": "ok", "limit": 1000})
	assert.False(t, d.Allowed)
}

func TestRegisterTool_InvalidSchema(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)
	err := a.RegisterTool(allowlist.ToolConfig{
		Name:       "broken",
		Category:   allowlist.CategoryRead,
		ArgsSchema: `{"type": 42}`,
	})
	assert.Error(t, err)
}

func TestValidateToolCallArgs_Guard(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)

	err := a.RegisterTool(allowlist.ToolConfig{
		Name:     "file_read",
		Category: allowlist.CategoryRead,
		Guard:    `args.path.startsWith("/workspace/")`,
	})
	require.NoError(t, err)

	d := a.ValidateToolCallArgs("file_read", allowlist.ModeStandard, map[string]any{"path": "/workspace/notes.md"})
	assert.True(t, d.Allowed)

	d = a.ValidateToolCallArgs("file_read", allowlist.ModeStandard, map[string]any{"path": "/etc/shadow"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "guard")

	// Missing key makes evaluation fail; the guard fails closed.
	d = a.ValidateToolCallArgs("file_read", allowlist.ModeStandard, map[string]any{})
	assert.False(t, d.Allowed)
}

func TestRegisterTool_InvalidGuard(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeStandard)
	err := a.RegisterTool(allowlist.ToolConfig{
		Name:     "broken",
		Category: allowlist.CategoryRead,
		Guard:    `this is not CEL ((`,
	})
	assert.Error(t, err)
}

func TestValidateToolCallArgs_PolicyDenialShortCircuits(t *testing.T) {
	a := newAllowlist(t, allowlist.ModeReadOnly)

	d := a.ValidateToolCallArgs("file_write", allowlist.ModeReadOnly, map[string]any{"path": "x"})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "blocked")
}
