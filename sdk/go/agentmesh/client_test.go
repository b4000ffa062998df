package agentmesh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the agentmesh API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	// Always register auth endpoint.
	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		KeyID:   "test-key-id",
		APIKey:  "test-secret",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientValidatesConfig(t *testing.T) {
	if _, err := NewClient(Config{KeyID: "k", APIKey: "s"}); err == nil {
		t.Error("expected error for missing BaseURL")
	}
	if _, err := NewClient(Config{BaseURL: "http://x", APIKey: "s"}); err == nil {
		t.Error("expected error for missing KeyID")
	}
	if _, err := NewClient(Config{BaseURL: "http://x", KeyID: "k"}); err == nil {
		t.Error("expected error for missing APIKey")
	}
}

func TestRegisterAgent(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/agents": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token-xyz" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			var req RegisterAgentRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.SponsorEmail != "alice@example.com" {
				t.Errorf("expected sponsor email to pass through, got %q", req.SponsorEmail)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Agent{
					DID:          "did:mesh:abc123",
					Name:         req.Name,
					SponsorEmail: req.SponsorEmail,
					Capabilities: req.Capabilities,
					Status:       "active",
					CreatedAt:    time.Now().UTC(),
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	agent, err := client.RegisterAgent(context.Background(), RegisterAgentRequest{
		Name:         "builder-1",
		PublicKey:    "dGVzdC1rZXk=",
		SponsorEmail: "alice@example.com",
		Capabilities: []string{"files.read", "code.execute"},
	})
	if err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	if agent.DID != "did:mesh:abc123" {
		t.Errorf("expected DID did:mesh:abc123, got %q", agent.DID)
	}
	if agent.Status != "active" {
		t.Errorf("expected status active, got %q", agent.Status)
	}
}

func TestIssueCredentialReturnsToken(t *testing.T) {
	credID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/credentials": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Credential{
					CredentialID: credID,
					AgentDID:     "did:mesh:abc123",
					Capabilities: []string{"files.read"},
					Status:       "active",
					IssuedAt:     time.Now().UTC(),
					ExpiresAt:    time.Now().Add(15 * time.Minute).UTC(),
					Token:        "eyJhbGciOiJFZERTQSJ9.x.y",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	cred, err := client.IssueCredential(context.Background(), IssueCredentialRequest{
		AgentDID:     "did:mesh:abc123",
		Capabilities: []string{"files.read"},
		TTLSeconds:   900,
	})
	if err != nil {
		t.Fatalf("IssueCredential failed: %v", err)
	}
	if cred.CredentialID != credID {
		t.Errorf("expected credential ID %s, got %s", credID, cred.CredentialID)
	}
	if cred.Token == "" {
		t.Error("expected bearer token on issue response")
	}
}

func TestEvaluatePolicyDeny(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/policy/evaluate": func(w http.ResponseWriter, r *http.Request) {
			var body struct {
				AgentDID string        `json:"agent_did"`
				Context  PolicyContext `json:"context"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if body.Context.Action.Type != "tool_call" {
				t.Errorf("expected action type tool_call, got %q", body.Context.Action.Type)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": PolicyDecision{
					Allowed: false,
					Verdict: "deny",
					Reason:  "pii requires encryption",
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	dec, err := client.EvaluatePolicy(context.Background(), "did:mesh:abc123", PolicyContext{
		Action: ActionContext{Type: "tool_call", Tool: "exporter"},
		Data:   DataContext{ContainsPII: true},
	})
	if err != nil {
		t.Fatalf("EvaluatePolicy failed: %v", err)
	}
	if dec.Allowed {
		t.Error("expected deny verdict")
	}
	if dec.Verdict != "deny" {
		t.Errorf("expected verdict deny, got %q", dec.Verdict)
	}
}

func TestQueryAuditBuildsFilterParams(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/audit": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("event_type") != "credential.issued" {
				t.Errorf("expected event_type filter, got %q", q.Get("event_type"))
			}
			if q.Get("limit") != "25" {
				t.Errorf("expected limit 25, got %q", q.Get("limit"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": []AuditEntry{
					{EntryID: uuid.New(), Seq: 1, EventType: "credential.issued", Outcome: "success"},
				},
				"total": 1,
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	entries, err := client.QueryAudit(context.Background(), &AuditQueryOptions{
		EventType: "credential.issued",
		Limit:     25,
	})
	if err != nil {
		t.Fatalf("QueryAudit failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].EventType != "credential.issued" {
		t.Errorf("unexpected event type %q", entries[0].EventType)
	}
}

func TestVerifyAuditReportsBrokenChain(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/audit/verify": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"intact": false, "suppressed": true, "broken_at": 42},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	res, err := client.VerifyAudit(context.Background())
	if err != nil {
		t.Fatalf("VerifyAudit failed: %v", err)
	}
	if res.Intact {
		t.Error("expected intact=false")
	}
	if res.BrokenAt != 42 {
		t.Errorf("expected broken_at 42, got %d", res.BrokenAt)
	}
	if !res.Suppressed {
		t.Error("expected export suppression after a broken chain")
	}
}

func TestTokenRefreshedOnlyOnce(t *testing.T) {
	var authCalls atomic.Int32

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCalls.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		},
		"GET /v1/trust/peers": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data":  []RankedAgent{{DID: "did:mesh:abc", Score: 910}},
				"total": 1,
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for range 3 {
		if _, err := client.TrustedPeers(context.Background(), 700); err != nil {
			t.Fatalf("TrustedPeers failed: %v", err)
		}
	}
	if got := authCalls.Load(); got != 1 {
		t.Errorf("expected 1 token exchange for 3 requests, got %d", got)
	}
}

func TestErrorHelpers(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/agents/did:mesh:missing": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "agent not found"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GetAgent(context.Background(), "did:mesh:missing")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound, got %v", err)
	}
	if IsUnauthorized(err) || IsConflict(err) {
		t.Error("error misclassified")
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			t.Error("health must not trigger a token exchange")
		},
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Error("health request must not carry Authorization")
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": HealthResponse{Status: "ok", Version: "1.0.0", Backend: "memory"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	h, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("expected status ok, got %q", h.Status)
	}
}

func TestVerifyHandshake(t *testing.T) {
	challengeID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/handshakes/verify": func(w http.ResponseWriter, r *http.Request) {
			var req VerifyHandshakeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.Response.ChallengeID != challengeID {
				t.Errorf("challenge id did not round-trip")
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": HandshakeResult{
					PeerDID:    req.Response.ResponderDID,
					Trusted:    true,
					TrustScore: 850,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	res, err := client.VerifyHandshake(context.Background(), VerifyHandshakeRequest{
		CallerDID: "did:mesh:caller",
		Response: &HandshakeResponse{
			ChallengeID:  challengeID,
			ResponderDID: "did:mesh:peer",
			Signature:    "c2ln",
			Timestamp:    time.Now().UTC(),
		},
	})
	if err != nil {
		t.Fatalf("VerifyHandshake failed: %v", err)
	}
	if !res.Trusted {
		t.Error("expected trusted result")
	}
	if res.TrustScore != 850 {
		t.Errorf("expected score 850, got %d", res.TrustScore)
	}
}
