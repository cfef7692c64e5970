// Command engine boots the Trinity process engine: loads configuration,
// wires the audit bus, collaborator adapters, and HTTP boundary API, then
// runs the startup recovery sweep and the trigger sources.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trinity-platform/process-engine/internal/adapters"
	"github.com/trinity-platform/process-engine/internal/audit"
	"github.com/trinity-platform/process-engine/internal/authz"
	"github.com/trinity-platform/process-engine/internal/config"
	"github.com/trinity-platform/process-engine/internal/engine"
	"github.com/trinity-platform/process-engine/internal/httpapi"
	"github.com/trinity-platform/process-engine/internal/metrics"
	"github.com/trinity-platform/process-engine/internal/platformlog"
	"github.com/trinity-platform/process-engine/internal/triggers"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}
	log := platformlog.New("engine", cfg.LogLevel, cfg.LogFormat)

	backend, err := audit.NewFileBackend(cfg.AuditFallbackPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open audit log")
	}
	auditBus := audit.New(backend, log, cfg.AuditFallbackPath+".fallback")

	agentRuntimeURL := os.Getenv("TRINITY_AGENT_RUNTIME_URL")
	if agentRuntimeURL == "" {
		agentRuntimeURL = "http://localhost:9090"
	}

	eng := engine.New(cfg, log, auditBus, engine.Collaborators{
		AgentClient: adapters.NewHTTPAgentClient(agentRuntimeURL, cfg.DefaultStepTimeout()),
		Approvals:   adapters.NewLogApprovalStore(log),
		Notifier:    adapters.NewLogNotifier(log),
	})

	webhooks := triggers.NewWebhookRegistry()
	schedules := triggers.NewScheduleSource(eng, log)
	schedules.Start()
	defer schedules.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := eng.RunRecovery(ctx); err != nil {
		log.WithError(err).Error("startup recovery sweep failed")
	}

	timerTicker := time.NewTicker(cfg.TimerPollInterval())
	defer timerTicker.Stop()
	go func() {
		for {
			select {
			case <-timerTicker.C:
				eng.PollAwaiting(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	server := httpapi.NewServer(eng, actorFromRequest)
	mux := http.NewServeMux()
	mux.Handle("/", server)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/webhooks/{trigger_id}", webhookHandler(eng, webhooks))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("trinity engine listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// actorFromRequest resolves the Actor behind an HTTP request from its
// trust-boundary headers. Identity issuance (auth) is an external
// collaborator's job; this only parses what the gateway already verified.
func actorFromRequest(r *http.Request) authz.Actor {
	id := r.Header.Get("X-Trinity-Actor-Id")
	email := r.Header.Get("X-Trinity-Actor-Email")
	rolesHeader := r.Header.Get("X-Trinity-Actor-Roles")

	var roles []authz.Role
	for _, rl := range strings.Split(rolesHeader, ",") {
		rl = strings.TrimSpace(rl)
		if rl != "" {
			roles = append(roles, authz.Role(rl))
		}
	}
	return authz.Actor{ID: id, Email: email, Roles: roles}
}

func webhookHandler(starter triggers.Starter, registry *triggers.WebhookRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		triggerID := r.PathValue("trigger_id")
		var body map[string]any
		if err := decodeJSON(r, &body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		id, err := triggers.FireWebhook(r.Context(), starter, registry, triggerID, body, r.RemoteAddr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"execution_id":"` + id + `"}`))
	}
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && err.Error() != "EOF" {
		return err
	}
	return nil
}
