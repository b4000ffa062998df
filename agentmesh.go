// Package agentmesh is the public API for embedding the agentmesh trust and
// governance server.
//
// Platform and plugin consumers import this package to construct and extend
// the mesh node without forking it:
//
//	app, err := agentmesh.New(
//	    agentmesh.WithVersion(version),
//	    agentmesh.WithLogger(logger),
//	    agentmesh.WithEventHook(mySIEMHook{}),
//	    agentmesh.WithProtocolAdapter(myGRPCAdapter{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: agentmesh (root) imports
// internal/*, but internal/* never imports agentmesh (root). Public types
// (Peer, PeerMessage, etc.) are standalone structs with no internal imports;
// the shims that bridge them to internal types live here because this is the
// only file that sees both sides of the boundary.
package agentmesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentmesh-ai/agentmesh/api"
	"github.com/agentmesh-ai/agentmesh/internal/audit"
	"github.com/agentmesh-ai/agentmesh/internal/auth"
	"github.com/agentmesh-ai/agentmesh/internal/bridge"
	"github.com/agentmesh-ai/agentmesh/internal/bus"
	"github.com/agentmesh-ai/agentmesh/internal/compliance"
	"github.com/agentmesh-ai/agentmesh/internal/config"
	"github.com/agentmesh-ai/agentmesh/internal/credential"
	"github.com/agentmesh-ai/agentmesh/internal/delegation"
	"github.com/agentmesh-ai/agentmesh/internal/handshake"
	"github.com/agentmesh-ai/agentmesh/internal/identity"
	"github.com/agentmesh-ai/agentmesh/internal/keystore"
	"github.com/agentmesh-ai/agentmesh/internal/mcp"
	"github.com/agentmesh-ai/agentmesh/internal/policy"
	"github.com/agentmesh-ai/agentmesh/internal/ratelimit"
	"github.com/agentmesh-ai/agentmesh/internal/revocation"
	"github.com/agentmesh-ai/agentmesh/internal/reward"
	"github.com/agentmesh-ai/agentmesh/internal/server"
	"github.com/agentmesh-ai/agentmesh/internal/storage"
	"github.com/agentmesh-ai/agentmesh/internal/telemetry"
	"github.com/agentmesh-ai/agentmesh/migrations"
)

// Session tokens exchanged at /auth/token are short-lived; clients
// re-exchange their API key when one expires.
const defaultSessionTTL = time.Hour

// In-process token bucket limits, per API key for authenticated traffic
// and per client IP for token exchange.
const (
	rateLimitRPS   = 50
	rateLimitBurst = 100
)

// App is the mesh node lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Backend
	events       *bus.Bus
	auditLog     *audit.Log
	keys         keystore.KeyStore
	agents       *identity.Service
	credentials  *credential.Service
	delegations  *delegation.Service
	revocations  *revocation.Service
	handshakes   *handshake.Service
	trust        *reward.Engine
	policies     *policy.Engine
	shadow       *policy.Shadow // nil when no shadow policy set is configured
	mesh         *bridge.Service
	authMgr      *auth.Manager
	broker       *server.Broker
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	eventHooks   []EventHook
	logger       *slog.Logger
	version      string
}

// New initialises the mesh node. It connects to storage, runs migrations
// when the SQL backend is selected, wires all subsystems, and returns a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storageBackend != "" {
		cfg.StorageBackend = o.storageBackend
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.policyDir != "" {
		cfg.PolicyDir = o.policyDir
	}
	if o.meshKeyPath != "" {
		cfg.MeshKeyPath = o.meshKeyPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("agentmesh starting", "version", version, "port", cfg.Port, "storage", cfg.StorageBackend)

	ctx := context.Background()

	// Initialize OpenTelemetry. The OTLP collector is assumed to sit next
	// to the node (sidecar or localhost), hence the insecure transport.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect storage.
	var store storage.Backend
	switch cfg.StorageBackend {
	case config.BackendMemory:
		store = storage.NewMemory()
	case config.BackendRedis:
		store, err = storage.NewRedis(ctx, cfg.RedisURL, cfg.StoragePoolSize, cfg.StorageConnectTimeout, logger)
		if err != nil {
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("storage: %w", err)
		}
	case config.BackendSQL:
		sqlStore, sqlErr := storage.NewSQL(ctx, cfg.DatabaseURL, cfg.StoragePoolSize, cfg.StorageConnectTimeout, logger)
		if sqlErr != nil {
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("storage: %w", sqlErr)
		}
		migFS, migErr := migrations.ForDialect(sqlStore.Dialect())
		if migErr == nil {
			migErr = sqlStore.Migrate(ctx, migFS)
		}
		if migErr != nil {
			_ = sqlStore.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("migrations: %w", migErr)
		}
		store = sqlStore
	default:
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.StorageBackend)
	}

	fail := func(stage string, err error) (*App, error) {
		_ = store.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("%s: %w", stage, err)
	}

	// Event bus.
	events := bus.New(logger, cfg.EventBufferSize)

	// Audit log. The sink choice is a deployment decision: "storage" keeps
	// entries queryable next to everything else, "file" produces an
	// append-only JSONL stream for external shipping.
	var sink audit.Sink
	if cfg.AuditSink == config.AuditSinkFile {
		fileSink, sinkErr := audit.NewFileSink(cfg.AuditFilePath, time.Second, logger)
		if sinkErr != nil {
			return fail("audit sink", sinkErr)
		}
		sink = fileSink
	} else {
		sink = audit.NewStorageSink(store)
	}
	retention := time.Duration(cfg.AuditRetentionDays) * 24 * time.Hour
	auditLog, err := audit.New(sink, events, logger, cfg.AuditExportSource, retention)
	if err != nil {
		return fail("audit", err)
	}

	// Agent key custody — external override takes priority over the
	// in-memory default.
	var keys keystore.KeyStore
	if o.keyStore != nil {
		keys = o.keyStore
	} else {
		keys = keystore.NewMemoryKeyStore()
	}

	// Identity registry.
	agents := identity.New(store, events, auditLog, logger, cfg.MaxAgentsPerSponsor, cfg.RequireVerifiedSponsor)

	// Revocation set. Built before the consumers of its fast lookups.
	revocations := revocation.New(store, events, logger)

	// Credential manager.
	signer, err := credential.NewSigner(cfg.MeshKeyPath)
	if err != nil {
		return fail("credential signer", err)
	}
	credentials := credential.New(store, signer, agents, revocations, events, auditLog, logger,
		cfg.MaxCredentialTTL, cfg.RotationThreshold, cfg.RotationSweepInterval)

	// Delegation chains.
	delegations := delegation.New(store, agents, keys, auditLog, logger, cfg.MaxDelegationDepth)

	// Trust scoring.
	trust := reward.New(store, agents, credentials, events, auditLog, logger,
		cfg.DecayRatePerHour, cfg.DecayIdleAfter, cfg.DecaySweepInterval,
		cfg.AutoRevokeBelow, cfg.WarnBelow)

	// Trust handshake.
	handshakes := handshake.New(store, agents, trust, revocations, events, auditLog, logger,
		cfg.HandshakeNonceTTL, cfg.HandshakeCacheTTL, cfg.HandshakeMinScore)

	// Policy engine.
	policies, err := policy.New(events, auditLog, logger)
	if err != nil {
		return fail("policy", err)
	}
	if cfg.PolicyDir != "" {
		n, loadErr := policies.LoadDirectory(ctx, cfg.PolicyDir)
		if loadErr != nil {
			return fail("policy load", loadErr)
		}
		logger.Info("policies loaded", "dir", cfg.PolicyDir, "count", n)
	}

	// Shadow evaluator. The candidate engine gets no bus and no audit
	// recorder so its denials stay silent.
	var shadow *policy.Shadow
	if cfg.ShadowPolicyPath != "" {
		candidate, shadowErr := policy.New(nil, nil, logger)
		if shadowErr == nil {
			shadowErr = candidate.LoadFile(ctx, cfg.ShadowPolicyPath)
		}
		if shadowErr != nil {
			return fail("shadow policy", shadowErr)
		}
		shadow = policy.NewShadow(candidate, store, auditLog, logger, 0, 0)
		policies.SetShadow(shadow)
		logger.Info("shadow evaluation enabled", "path", cfg.ShadowPolicyPath)
	}

	// Compliance mapper.
	mapper, err := compliance.New(auditLog, auditLog, logger)
	if err != nil {
		return fail("compliance", err)
	}

	// Protocol bridge. The loopback adapter is always installed; external
	// adapters are layered on top and win protocol-name collisions.
	mesh := bridge.New(store, handshakes, trust, trust, policies, auditLog, logger)
	mesh.RegisterAdapter(bridge.NewLoopbackAdapter(handshakes, keys))
	for _, a := range o.adapters {
		mesh.RegisterAdapter(&protocolAdapterShim{a: a})
	}

	// API key auth. The session key is separate from the mesh signing key
	// and ephemeral here — session tokens are short-lived enough that not
	// surviving a restart is acceptable.
	authMgr, err := auth.NewManager(store, "", defaultSessionTTL, logger)
	if err != nil {
		return fail("auth", err)
	}
	if err := authMgr.SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		return fail("admin seed", err)
	}

	// SSE broker.
	broker := server.NewBroker(events, logger)

	// MCP server.
	mcpSrv := mcp.New(agents, credentials, trust, policies, auditLog, mapper, logger)

	// Rate limiter.
	limiter := ratelimit.NewMemoryLimiter(rateLimitRPS, rateLimitBurst)

	// HTTP server.
	srv := server.New(server.Config{
		Handlers: server.HandlersDeps{
			Store:       store,
			AuthMgr:     authMgr,
			Agents:      agents,
			Credentials: credentials,
			Delegations: delegations,
			Handshakes:  handshakes,
			Revocations: revocations,
			Keys:        keys,
			Trust:       trust,
			Policies:    policies,
			Shadow:      shadow,
			AuditLog:    auditLog,
			Compliance:  mapper,
			Broker:      broker,
			Logger:      logger,

			Version:             version,
			PolicyDir:           cfg.PolicyDir,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
			OpenAPISpec:         api.OpenAPISpec,
		},
		Limiter:      limiter,
		MCPServer:    mcpSrv.MCPServer(),
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		events:       events,
		auditLog:     auditLog,
		keys:         keys,
		agents:       agents,
		credentials:  credentials,
		delegations:  delegations,
		revocations:  revocations,
		handshakes:   handshakes,
		trust:        trust,
		policies:     policies,
		shadow:       shadow,
		mesh:         mesh,
		authMgr:      authMgr,
		broker:       broker,
		srv:          srv,
		otelShutdown: otelShutdown,
		eventHooks:   o.eventHooks,
		logger:       logger,
		version:      version,
	}, nil
}

// Bridge exposes the protocol bridge so embedders can register peers after
// construction (peer endpoints usually come from service discovery, not
// static config).
func (a *App) Bridge() *bridge.Service { return a.mesh }

// Run starts all background loops and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if len(a.eventHooks) > 0 {
		sub := a.events.Subscribe(
			bus.KindAgentRevoked,
			bus.KindAutoRevocation,
			bus.KindScoreWarning,
			bus.KindPolicyViolation,
		)
		go a.dispatchHooks(ctx, sub)
	}

	go a.broker.Start(ctx)

	// Background sweeps: trust decay, credential rotation, revocation
	// compaction, nonce expiry, audit retention.
	go a.trust.Run(ctx)
	go a.credentials.Run(ctx)
	go a.revocations.Run(ctx)
	go a.handshakes.Run(ctx)
	go a.auditLog.Run(ctx)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("http server failed", "error", runErr)
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown performs a phased graceful shutdown: (1) stop accepting HTTP
// requests and drain in-flight, (2) flush the audit sink so the hash chain
// ends on a durable entry, (3) close the bus, policy engine, storage, and
// OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("agentmesh shutting down")

	// Phase 1: HTTP drain.
	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	// Phase 2: audit flush. An unflushed tail would break chain
	// verification on the next start.
	if err := a.auditLog.Close(); err != nil {
		a.logger.Error("audit close error", "error", err)
	}

	// Phase 3: cleanup.
	a.events.Close()
	_ = a.policies.Close()
	_ = a.otelShutdown(context.Background())
	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("agentmesh stopped")
	return nil
}

// ── Event hook dispatch ───────────────────────────────────────────────────────

func (a *App) dispatchHooks(ctx context.Context, sub *bus.Subscription) {
	defer a.events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			for _, h := range a.eventHooks {
				go func(h EventHook) {
					if err := deliverHook(ctx, h, ev); err != nil {
						a.logger.Warn("event hook failed", "kind", ev.Kind, "agent_did", ev.AgentDID, "error", err)
					}
				}(h)
			}
		}
	}
}

func deliverHook(ctx context.Context, h EventHook, ev bus.Event) error {
	switch ev.Kind {
	case bus.KindAgentRevoked, bus.KindAutoRevocation:
		return h.OnAgentRevoked(ctx, RevocationEvent{DID: ev.AgentDID, Reason: ev.Reason, At: ev.At})
	case bus.KindScoreWarning:
		return h.OnScoreWarning(ctx, ScoreEvent{DID: ev.AgentDID, Score: ev.Score, At: ev.At})
	case bus.KindPolicyViolation:
		return h.OnPolicyViolation(ctx, ViolationEvent{DID: ev.AgentDID, Reason: ev.Reason, At: ev.At})
	}
	return nil
}

// ── Boundary shims ────────────────────────────────────────────────────────────

// protocolAdapterShim adapts a public ProtocolAdapter to the bridge's
// internal Adapter interface.
type protocolAdapterShim struct {
	a ProtocolAdapter
}

func (s *protocolAdapterShim) Name() string { return s.a.Name() }

func (s *protocolAdapterShim) Protocols() []string { return s.a.Protocols() }

func (s *protocolAdapterShim) VerifyPeerIdentity(ctx context.Context, peer bridge.PeerInfo) error {
	return s.a.VerifyPeerIdentity(ctx, toPublicPeer(peer))
}

func (s *protocolAdapterShim) Send(ctx context.Context, peer bridge.PeerInfo, msg *bridge.Message) (*bridge.Response, error) {
	resp, err := s.a.Send(ctx, toPublicPeer(peer), PeerMessage{
		ID:       msg.ID,
		Type:     msg.Type,
		Payload:  msg.Payload,
		Protocol: msg.Protocol,
		Headers:  msg.Headers,
		SentAt:   msg.SentAt,
	})
	if err != nil {
		return nil, err
	}
	return &bridge.Response{Payload: resp.Payload, Headers: resp.Headers}, nil
}

func toPublicPeer(p bridge.PeerInfo) Peer {
	return Peer{
		DID:      p.DID,
		Endpoint: p.Endpoint,
		Protocol: p.Protocol,
		Metadata: p.Metadata,
	}
}
