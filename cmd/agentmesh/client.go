package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// cliConfig is the operator configuration written by `agentmesh init` and
// read by every networked verb. Environment variables AGENTMESH_URL,
// AGENTMESH_KEY_ID, and AGENTMESH_API_KEY override the file.
type cliConfig struct {
	BaseURL string `json:"base_url"`
	KeyID   string `json:"key_id"`
	APIKey  string `json:"api_key"`
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".agentmesh"), nil
}

func loadConfig() (cliConfig, error) {
	var cfg cliConfig

	dir, err := configDir()
	if err == nil {
		if raw, readErr := os.ReadFile(filepath.Join(dir, "config.json")); readErr == nil {
			_ = json.Unmarshal(raw, &cfg)
		}
	}

	if v := os.Getenv("AGENTMESH_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("AGENTMESH_KEY_ID"); v != "" {
		cfg.KeyID = v
	}
	if v := os.Getenv("AGENTMESH_API_KEY"); v != "" {
		cfg.APIKey = v
	}

	if cfg.BaseURL == "" {
		return cfg, fmt.Errorf("no mesh URL configured — run `agentmesh init` or set AGENTMESH_URL")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg, nil
}

func saveConfig(cfg cliConfig) (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", fmt.Errorf("write config: %w", err)
	}
	return path, nil
}

// meshClient is a minimal authenticated client for the control plane. The
// full-featured client lives in sdk/go; the CLI only needs token exchange
// plus raw GET/POST with the response envelope unwrapped.
type meshClient struct {
	cfg    cliConfig
	client *http.Client

	token string
}

func newMeshClient(cfg cliConfig) *meshClient {
	return &meshClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *meshClient) authenticate(ctx context.Context) error {
	if c.cfg.KeyID == "" || c.cfg.APIKey == "" {
		return fmt.Errorf("no API key configured — run `agentmesh init` with --key-id and --api-key")
	}

	body, _ := json.Marshal(map[string]string{"key_id": c.cfg.KeyID, "api_key": c.cfg.APIKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token exchange failed with status %d", resp.StatusCode)
	}

	var envelope struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	c.token = envelope.Data.Token
	return nil
}

func (c *meshClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *meshClient) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, encoded)
}

func (c *meshClient) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	if c.token == "" {
		if err := c.authenticate(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Data == nil {
		return raw, nil
	}
	return envelope.Data, nil
}

// printJSON pretty-prints a raw JSON payload to stdout.
func printJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}
