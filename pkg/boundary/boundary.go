// Package boundary is the facade in front of the trust subsystem. One
// Boundary wires the allowlist, the instruction signer, the output verifier,
// and the audit stream together so callers get policy checks, signatures,
// and audit events from a single call instead of composing four packages by
// hand.
package boundary

import (
	"context"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/quorumlabs/trustplane/pkg/allowlist"
	"github.com/quorumlabs/trustplane/pkg/audit"
	"github.com/quorumlabs/trustplane/pkg/instruction"
	"github.com/quorumlabs/trustplane/pkg/store"
	"github.com/quorumlabs/trustplane/pkg/verifier"
)

const tracerName = "trustplane.boundary"

// Config wires a Boundary. Zero values pick safe defaults: standard mode, an
// in-memory store, audit to stdout, no rate limit, and an ephemeral signing
// key (with an operational warning, since its signatures die with the
// process).
type Config struct {
	Mode       allowlist.Mode
	SigningKey []byte
	MaxAge     time.Duration
	// NonceStore holds replay state. Nil gets a process-local store with
	// NonceTTL retention (MaxAge when NonceTTL is zero); multi-process
	// deployments should inject a shared store such as
	// instruction.RedisNonceStore.
	NonceStore  instruction.NonceStore
	NonceTTL    time.Duration
	Store       store.Store
	AuditWriter io.Writer
	// RateLimit caps signing operations per second; zero disables the cap.
	RateLimit float64
	Logger    *slog.Logger
}

// Boundary composes policy, signing, verification, and audit.
type Boundary struct {
	allow    *allowlist.Allowlist
	signer   *instruction.Signer
	verifier *verifier.Verifier
	audit    *audit.Logger
	limiter  *rate.Limiter
	tracer   trace.Tracer
	log      *slog.Logger
}

// New builds a Boundary from cfg.
func New(cfg Config) (*Boundary, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	mode := cfg.Mode
	if mode == "" {
		mode = allowlist.ModeStandard
	}
	allow, err := allowlist.New(mode)
	if err != nil {
		return nil, err
	}

	nonces := cfg.NonceStore
	if nonces == nil && cfg.NonceTTL > 0 {
		nonces = instruction.NewMemoryNonceStore(cfg.NonceTTL)
	}

	var signer *instruction.Signer
	if len(cfg.SigningKey) == 0 {
		signer = instruction.NewEphemeralSignerWithStore(cfg.MaxAge, nonces)
		log.Warn("no signing key configured, using an ephemeral key; signatures will not survive this process")
	} else {
		signer, err = instruction.NewSignerWithStore(cfg.SigningKey, cfg.MaxAge, nonces)
		if err != nil {
			return nil, err
		}
	}

	st := cfg.Store
	if st == nil {
		st = store.NewMemoryStore()
	}

	auditLog := audit.NewLogger()
	if cfg.AuditWriter != nil {
		auditLog = audit.NewLoggerWithWriter(cfg.AuditWriter)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Boundary{
		allow:    allow,
		signer:   signer,
		verifier: verifier.New(st, verifier.WithLogger(log)),
		audit:    auditLog,
		limiter:  limiter,
		tracer:   otel.Tracer(tracerName),
		log:      log,
	}, nil
}

// Authorize runs the full pre-execution path for one tool call: policy
// decision (matrix, schema, guard), audit, and -- when allowed -- a signed
// instruction for the executor. A denial is a decision, not an error;
// errors mean infrastructure failure.
func (b *Boundary) Authorize(ctx context.Context, tool string, args map[string]any) (allowlist.Decision, *instruction.SignedInstruction, error) {
	ctx, span := b.tracer.Start(ctx, "boundary.authorize", trace.WithAttributes(
		attribute.String("tool.name", tool),
		attribute.String("policy.mode", string(b.allow.Mode())),
	))
	defer span.End()

	decision := b.allow.ValidateToolCallArgs(tool, b.allow.Mode(), args)
	span.SetAttributes(attribute.Bool("policy.allowed", decision.Allowed))

	if _, err := b.audit.Record(audit.EventPolicy, "tool_call_validated", tool, map[string]any{
		"mode":                  string(b.allow.Mode()),
		"allowed":               decision.Allowed,
		"requires_confirmation": decision.RequiresConfirmation,
		"reason":                decision.Reason,
	}); err != nil {
		return decision, nil, err
	}
	if !decision.Allowed {
		b.log.Info("tool call denied", "tool", tool, "reason", decision.Reason)
		return decision, nil, nil
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return decision, nil, err
		}
	}

	signed, err := b.signer.Sign(map[string]any{"tool": tool, "args": args})
	if err != nil {
		return decision, nil, err
	}
	if _, err := b.audit.Record(audit.EventSign, "instruction_signed", tool, map[string]any{
		"nonce": signed.Nonce,
	}); err != nil {
		return decision, nil, err
	}
	return decision, signed, nil
}

// Record persists a tool output through the verifier and emits a VERIFY
// audit event.
func (b *Boundary) Record(ctx context.Context, tool string, content any, jobID string, metadata map[string]any) (*verifier.VerifiedOutput, error) {
	ctx, span := b.tracer.Start(ctx, "boundary.record", trace.WithAttributes(
		attribute.String("tool.name", tool),
	))
	defer span.End()

	out, err := b.verifier.RecordOutput(ctx, tool, content, jobID, metadata)
	if err != nil {
		return nil, err
	}
	if _, err := b.audit.Record(audit.EventVerify, "output_recorded", out.ID, map[string]any{
		"tool":         tool,
		"job_id":       jobID,
		"content_hash": out.ContentHash,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// CheckChain walks a job's verification chain and emits a VERIFY audit
// event with the result.
func (b *Boundary) CheckChain(ctx context.Context, jobID string) (*verifier.ChainStatus, error) {
	ctx, span := b.tracer.Start(ctx, "boundary.check_chain", trace.WithAttributes(
		attribute.String("job.id", jobID),
	))
	defer span.End()

	status, err := b.verifier.VerifyChainIntegrity(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if _, err := b.audit.Record(audit.EventVerify, "chain_checked", jobID, map[string]any{
		"valid":        status.Valid,
		"chain_length": status.ChainLength,
		"error":        status.Error,
	}); err != nil {
		return nil, err
	}
	return status, nil
}

// Allowlist exposes the policy engine, e.g. for runtime mode changes.
func (b *Boundary) Allowlist() *allowlist.Allowlist { return b.allow }

// Signer exposes the instruction signer, e.g. for verification of returned
// instructions.
func (b *Boundary) Signer() *instruction.Signer { return b.signer }

// Verifier exposes the output verifier for read paths not covered by the
// facade.
func (b *Boundary) Verifier() *verifier.Verifier { return b.verifier }
