package boundary_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumlabs/trustplane/pkg/allowlist"
	"github.com/quorumlabs/trustplane/pkg/boundary"
	"github.com/quorumlabs/trustplane/pkg/store"
)

var testKey = []byte("integration-test-signing-key-32b")

func newBoundary(t *testing.T, mode allowlist.Mode) (*boundary.Boundary, *bytes.Buffer) {
	t.Helper()
	var auditBuf bytes.Buffer
	b, err := boundary.New(boundary.Config{
		Mode:        mode,
		SigningKey:  testKey,
		Store:       store.NewMemoryStore(),
		AuditWriter: &auditBuf,
	})
	require.NoError(t, err)
	return b, &auditBuf
}

func TestAuthorize_AllowedToolIsSigned(t *testing.T) {
	ctx := context.Background()
	b, auditBuf := newBoundary(t, allowlist.ModeStandard)

	decision, signed, err := b.Authorize(ctx, "web_search", map[string]any{"query": "go hash chains"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.RequiresConfirmation)
	require.NotNil(t, signed)

	assert.True(t, b.Signer().Verify(signed, true))

	lines := auditBuf.String()
	assert.Contains(t, lines, `"POLICY"`)
	assert.Contains(t, lines, `"SIGN"`)
}

func TestAuthorize_DeniedToolGetsNoSignature(t *testing.T) {
	ctx := context.Background()
	b, auditBuf := newBoundary(t, allowlist.ModeReadOnly)

	decision, signed, err := b.Authorize(ctx, "file_write", map[string]any{"path": "/tmp/out"})
	require.NoError(t, err, "a denial is a decision, not an error")
	assert.False(t, decision.Allowed)
	assert.Nil(t, signed)
	assert.Contains(t, decision.Reason, "blocked")

	lines := auditBuf.String()
	assert.Contains(t, lines, `"POLICY"`)
	assert.NotContains(t, lines, `"SIGN"`)
}

func TestAuthorize_ConfirmationCarriedThrough(t *testing.T) {
	b, _ := newBoundary(t, allowlist.ModeStandard)

	decision, signed, err := b.Authorize(context.Background(), "code_execute", map[string]any{"source": "print(1)"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.RequiresConfirmation)
	require.NotNil(t, signed, "confirmation-required calls are still signed; the caller gates execution")
}

func TestBoundary_EndToEnd(t *testing.T) {
	ctx := context.Background()
	b, auditBuf := newBoundary(t, allowlist.ModeStandard)

	// validate -> sign
	decision, signed, err := b.Authorize(ctx, "web_search", map[string]any{"query": "audit trails"})
	require.NoError(t, err)
	require.True(t, decision.Allowed)
	require.True(t, b.Signer().Verify(signed, true))

	// record outputs under one job
	for _, content := range []string{"result one", "result two", "result three"} {
		out, err := b.Record(ctx, "web_search", content, "job-e2e", nil)
		require.NoError(t, err)
		assert.True(t, out.IsVerified)
	}

	// verify chain
	status, err := b.CheckChain(ctx, "job-e2e")
	require.NoError(t, err)
	assert.True(t, status.Valid)
	assert.Equal(t, 3, status.ChainLength)

	lines := auditBuf.String()
	assert.Equal(t, 4, strings.Count(lines, `"VERIFY"`), "three records plus one chain check")
}

func TestBoundary_DefaultsToEphemeralKey(t *testing.T) {
	b, err := boundary.New(boundary.Config{AuditWriter: &bytes.Buffer{}})
	require.NoError(t, err)

	decision, signed, err := b.Authorize(context.Background(), "summarize", nil)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	require.NotNil(t, signed)
	assert.True(t, b.Signer().Verify(signed, true))
}

func TestBoundary_RateLimitedSigningStillSucceeds(t *testing.T) {
	var auditBuf bytes.Buffer
	b, err := boundary.New(boundary.Config{
		SigningKey:  testKey,
		RateLimit:   100,
		AuditWriter: &auditBuf,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, signed, err := b.Authorize(context.Background(), "analyze", map[string]any{"i": i})
		require.NoError(t, err)
		require.NotNil(t, signed)
	}
}

// lossyNonceStore loses every claim, standing in for a shared registry in
// which another process always wins.
type lossyNonceStore struct{}

func (lossyNonceStore) CheckAndMark(string) bool { return false }

func TestBoundary_UsesConfiguredNonceStore(t *testing.T) {
	b, err := boundary.New(boundary.Config{
		SigningKey:  testKey,
		NonceStore:  lossyNonceStore{},
		AuditWriter: &bytes.Buffer{},
	})
	require.NoError(t, err)

	_, signed, err := b.Authorize(context.Background(), "web_search", nil)
	require.NoError(t, err)
	require.NotNil(t, signed)

	assert.False(t, b.Signer().Verify(signed, true),
		"replay protection must consult the injected store")
	assert.True(t, b.Signer().Verify(signed, false))
}

func TestBoundary_NonceTTLBoundsReplayWindow(t *testing.T) {
	b, err := boundary.New(boundary.Config{
		SigningKey:  testKey,
		NonceTTL:    time.Hour,
		AuditWriter: &bytes.Buffer{},
	})
	require.NoError(t, err)

	_, signed, err := b.Authorize(context.Background(), "web_search", nil)
	require.NoError(t, err)
	require.NotNil(t, signed)

	assert.True(t, b.Signer().Verify(signed, true))
	assert.False(t, b.Signer().Verify(signed, true))
}

func TestBoundary_ModeEscalationAtRuntime(t *testing.T) {
	b, _ := newBoundary(t, allowlist.ModeReadOnly)

	decision, _, err := b.Authorize(context.Background(), "file_write", nil)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	b.Allowlist().SetMode(allowlist.ModeUnrestricted)

	decision, signed, err := b.Authorize(context.Background(), "file_write", nil)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.False(t, decision.RequiresConfirmation)
	assert.NotNil(t, signed)
}
