// Command agentmesh is the operator CLI for a mesh node: enrollment,
// status, policy validation, audit queries, the standalone governance
// proxy, and client-host integration scaffolding.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/agentmesh-ai/agentmesh/internal/policy"
)

const usage = `agentmesh — trust and governance mesh CLI

Usage:
  agentmesh init --url URL [--key-id ID --api-key SECRET]
  agentmesh register --name NAME --sponsor EMAIL [--capabilities a,b.*]
  agentmesh status DID
  agentmesh policy validate FILE
  agentmesh audit [--event-type T] [--agent DID] [--outcome O] [--limit N]
  agentmesh audit verify
  agentmesh proxy --did DID --policy-dir DIR -- COMMAND [ARGS...]
  agentmesh init-integration --claude

Environment:
  AGENTMESH_URL, AGENTMESH_KEY_ID, AGENTMESH_API_KEY override ~/.agentmesh/config.json
`

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "init":
		err = cmdInit(os.Args[2:])
	case "register":
		err = cmdRegister(ctx, os.Args[2:])
	case "status":
		err = cmdStatus(ctx, os.Args[2:])
	case "policy":
		err = cmdPolicy(ctx, os.Args[2:])
	case "audit":
		err = cmdAudit(ctx, os.Args[2:])
	case "proxy":
		err = cmdProxy(ctx, os.Args[2:])
	case "init-integration":
		err = cmdInitIntegration(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		return 2
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// cmdInit writes the operator configuration file.
func cmdInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	baseURL := fs.String("url", "http://localhost:8420", "mesh node base URL")
	keyID := fs.String("key-id", "", "API key ID")
	apiKey := fs.String("api-key", "", "API key secret")
	_ = fs.Parse(args)

	if _, err := url.Parse(*baseURL); err != nil {
		return fmt.Errorf("invalid URL %q: %w", *baseURL, err)
	}

	path, err := saveConfig(cliConfig{BaseURL: *baseURL, KeyID: *keyID, APIKey: *apiKey})
	if err != nil {
		return err
	}
	fmt.Println("wrote", path)
	if *keyID == "" {
		fmt.Println("no API key configured — ask an admin for one, then re-run init with --key-id and --api-key")
	}
	return nil
}

// cmdRegister generates a local Ed25519 keypair and registers the agent.
// The private seed stays on this machine under ~/.agentmesh/keys/.
func cmdRegister(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	name := fs.String("name", "", "agent name")
	sponsor := fs.String("sponsor", "", "sponsor email")
	caps := fs.String("capabilities", "", "comma-separated capability tokens")
	_ = fs.Parse(args)

	if *name == "" || *sponsor == "" {
		return fmt.Errorf("--name and --sponsor are required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate keypair: %w", err)
	}

	dir, err := configDir()
	if err != nil {
		return err
	}
	keyDir := filepath.Join(dir, "keys")
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	keyPath := filepath.Join(keyDir, *name+".key")
	seed := base64.StdEncoding.EncodeToString(priv.Seed())
	if err := os.WriteFile(keyPath, []byte(seed+"\n"), 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}

	body := map[string]any{
		"name":          *name,
		"public_key":    base64.StdEncoding.EncodeToString(pub),
		"sponsor_email": *sponsor,
	}
	if *caps != "" {
		body["capabilities"] = strings.Split(*caps, ",")
	}

	client := newMeshClient(cfg)
	data, err := client.post(ctx, "/v1/agents", body)
	if err != nil {
		return err
	}

	fmt.Println("signing key saved to", keyPath)
	printJSON(data)
	return nil
}

// cmdStatus prints an agent's identity record and trust standing.
func cmdStatus(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: agentmesh status DID")
	}
	did := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newMeshClient(cfg)

	agent, err := client.get(ctx, "/v1/agents/"+did)
	if err != nil {
		return err
	}
	fmt.Println("identity:")
	printJSON(agent)

	score, err := client.get(ctx, "/v1/agents/"+did+"/score")
	if err != nil {
		return err
	}
	fmt.Println("trust:")
	printJSON(score)
	return nil
}

// cmdPolicy validates a policy file locally, without touching the node.
func cmdPolicy(ctx context.Context, args []string) error {
	if len(args) < 2 || args[0] != "validate" {
		return fmt.Errorf("usage: agentmesh policy validate FILE")
	}
	path := args[1]

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	engine, err := policy.New(nil, nil, logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.LoadFile(ctx, path); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	names := engine.ActivePolicies()
	fmt.Printf("ok: %s defines %d polic", path, len(names))
	if len(names) == 1 {
		fmt.Println("y:", names[0])
	} else {
		fmt.Println("ies:", strings.Join(names, ", "))
	}
	return nil
}

// cmdAudit queries the audit log or verifies the hash chain.
func cmdAudit(ctx context.Context, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client := newMeshClient(cfg)

	if len(args) > 0 && args[0] == "verify" {
		data, err := client.get(ctx, "/v1/audit/verify")
		if err != nil {
			return err
		}
		printJSON(data)
		return nil
	}

	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	eventType := fs.String("event-type", "", "filter by event type")
	agent := fs.String("agent", "", "filter by agent DID")
	outcome := fs.String("outcome", "", "filter by outcome")
	limit := fs.Int("limit", 50, "maximum entries")
	_ = fs.Parse(args)

	params := url.Values{}
	if *eventType != "" {
		params.Set("event_type", *eventType)
	}
	if *agent != "" {
		params.Set("agent_did", *agent)
	}
	if *outcome != "" {
		params.Set("outcome", *outcome)
	}
	params.Set("limit", strconv.Itoa(*limit))

	data, err := client.get(ctx, "/v1/audit?"+params.Encode())
	if err != nil {
		return err
	}
	printJSON(data)
	return nil
}

// cmdInitIntegration writes client host configuration pointing at the
// node's MCP endpoint.
func cmdInitIntegration(args []string) error {
	fs := flag.NewFlagSet("init-integration", flag.ExitOnError)
	claude := fs.Bool("claude", false, "write .mcp.json for Claude-compatible hosts")
	_ = fs.Parse(args)

	if !*claude {
		return fmt.Errorf("usage: agentmesh init-integration --claude")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	integration := map[string]any{
		"mcpServers": map[string]any{
			"agentmesh": map[string]any{
				"type": "http",
				"url":  cfg.BaseURL + "/mcp",
			},
		},
	}
	raw, err := json.MarshalIndent(integration, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(".mcp.json", append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write .mcp.json: %w", err)
	}
	fmt.Println("wrote .mcp.json — the host still needs mesh credentials to pass /mcp auth")
	return nil
}
