// Command trustplane exercises the trust boundary from the command line:
// policy checks, instruction signing, output recording, chain verification,
// and evidence-pack export against the configured store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/quorumlabs/trustplane/pkg/allowlist"
	"github.com/quorumlabs/trustplane/pkg/audit"
	"github.com/quorumlabs/trustplane/pkg/boundary"
	"github.com/quorumlabs/trustplane/pkg/config"
	"github.com/quorumlabs/trustplane/pkg/instruction"
	"github.com/quorumlabs/trustplane/pkg/store"
)

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runDemo(stdout, stderr)
	}
	switch args[1] {
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "sign":
		return runSign(args[2:], stdout, stderr)
	case "record":
		return runRecord(args[2:], stdout, stderr)
	case "verify-chain":
		return runVerifyChain(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "demo":
		return runDemo(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: trustplane <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  validate      Check a tool call against the allowlist (-tool, -mode, -args)")
	fmt.Fprintln(w, "  sign          Sign an instruction and print the envelope (-tool, -args)")
	fmt.Fprintln(w, "  record        Record a tool output in the audit store (-tool, -content, -job)")
	fmt.Fprintln(w, "  verify-chain  Walk a job's verification chain (-job)")
	fmt.Fprintln(w, "  export        Write a job's evidence pack (-job, -out)")
	fmt.Fprintln(w, "  demo          Run the full round trip against the configured store (default)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration comes from TRUSTPLANE_* environment variables, optionally")
	fmt.Fprintln(w, "overlaying a YAML profile given with -config.")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		return store.OpenPostgres(cfg.DatabaseURL)
	}
	return store.OpenSQLite(cfg.DatabasePath)
}

func newBoundary(cfg *config.Config, st store.Store, stderr io.Writer) (*boundary.Boundary, error) {
	log := slog.New(slog.NewTextHandler(stderr, nil))
	key, ephemeral, err := cfg.Key()
	if err != nil {
		return nil, err
	}
	if ephemeral {
		log.Warn("no signing key configured, signatures will not survive this process")
	}
	var nonces instruction.NonceStore
	if cfg.RedisAddr != "" {
		nonces = instruction.NewRedisNonceStore(cfg.RedisAddr, "", 0, cfg.NonceTTL)
	}
	return boundary.New(boundary.Config{
		Mode:       allowlist.Mode(cfg.Mode),
		SigningKey: key,
		MaxAge:     cfg.MaxAge,
		NonceStore: nonces,
		NonceTTL:   cfg.NonceTTL,
		Store:      st,
		RateLimit:  cfg.RateLimit,
		Logger:     log,
	})
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

func parseArgs(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("parse -args: %w", err)
	}
	return args, nil
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tool := cmd.String("tool", "", "tool name (required)")
	mode := cmd.String("mode", "", "mode override (default: configured mode)")
	rawArgs := cmd.String("args", "", "tool arguments as JSON")
	cfgPath := cmd.String("config", "", "YAML profile path")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *tool == "" {
		fmt.Fprintln(stderr, "error: -tool is required")
		return 2
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if *mode == "" {
		*mode = cfg.Mode
	}
	allow, err := allowlist.New(allowlist.Mode(*mode))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	toolArgs, err := parseArgs(*rawArgs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	decision := allow.ValidateToolCallArgs(*tool, allowlist.Mode(*mode), toolArgs)
	printJSON(stdout, decision)
	if !decision.Allowed {
		return 1
	}
	return 0
}

func runSign(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tool := cmd.String("tool", "", "tool name (required)")
	rawArgs := cmd.String("args", "", "tool arguments as JSON")
	cfgPath := cmd.String("config", "", "YAML profile path")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *tool == "" {
		fmt.Fprintln(stderr, "error: -tool is required")
		return 2
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	toolArgs, err := parseArgs(*rawArgs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	b, err := newBoundary(cfg, store.NewMemoryStore(), stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	decision, signed, err := b.Authorize(context.Background(), *tool, toolArgs)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if !decision.Allowed {
		printJSON(stdout, decision)
		return 1
	}
	printJSON(stdout, signed)
	return 0
}

func runRecord(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("record", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	tool := cmd.String("tool", "", "tool name (required)")
	content := cmd.String("content", "", "output content (required)")
	job := cmd.String("job", "", "job id; empty records outside any chain")
	cfgPath := cmd.String("config", "", "YAML profile path")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *tool == "" || *content == "" {
		fmt.Fprintln(stderr, "error: -tool and -content are required")
		return 2
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer func() { _ = st.Close() }()

	b, err := newBoundary(cfg, st, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	out, err := b.Record(context.Background(), *tool, *content, *job, nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	printJSON(stdout, out)
	return 0
}

func runVerifyChain(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-chain", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	job := cmd.String("job", "", "job id (required)")
	cfgPath := cmd.String("config", "", "YAML profile path")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *job == "" {
		fmt.Fprintln(stderr, "error: -job is required")
		return 2
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer func() { _ = st.Close() }()

	b, err := newBoundary(cfg, st, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	status, err := b.CheckChain(context.Background(), *job)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	printJSON(stdout, status)
	if !status.Valid {
		return 1
	}
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	job := cmd.String("job", "", "job id (required)")
	out := cmd.String("out", "", "output zip path (required)")
	cfgPath := cmd.String("config", "", "YAML profile path")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *job == "" || *out == "" {
		fmt.Fprintln(stderr, "error: -job and -out are required")
		return 2
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer func() { _ = st.Close() }()

	pack, err := audit.NewExporter(st).GeneratePack(context.Background(), *job)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if err := os.WriteFile(*out, pack.Archive, 0o644); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	fmt.Fprintf(stdout, "evidence pack written: %s (sha256 %s)\n", *out, pack.Checksum)
	return 0
}

// runDemo exercises the whole path in one process: validate, sign, record a
// short chain, then walk it.
func runDemo(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	st, err := openStore(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer func() { _ = st.Close() }()

	b, err := newBoundary(cfg, st, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	decision, signed, err := b.Authorize(ctx, "web_search", map[string]any{"query": "trustplane demo"})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	fmt.Fprintf(stdout, "policy: allowed=%v confirmation=%v (%s)\n",
		decision.Allowed, decision.RequiresConfirmation, decision.Reason)
	if signed != nil {
		fmt.Fprintf(stdout, "signed: nonce=%s verified=%v\n", signed.Nonce, b.Signer().Verify(signed, true))
	}

	const jobID = "demo"
	for i, content := range []string{"first result", "second result", "third result"} {
		out, err := b.Record(ctx, "web_search", content, jobID, map[string]any{"step": i + 1})
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 2
		}
		fmt.Fprintf(stdout, "recorded: %s hash=%s\n", out.ID, out.ContentHash[:16])
	}

	status, err := b.CheckChain(ctx, jobID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	fmt.Fprintf(stdout, "chain: valid=%v length=%d\n", status.Valid, status.ChainLength)
	if !status.Valid {
		fmt.Fprintf(stdout, "chain error: %s\n", status.Error)
		return 1
	}
	return 0
}
