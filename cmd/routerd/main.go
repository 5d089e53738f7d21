// Command routerd runs the LLM key router as a standalone process: it
// loads configuration from a file, registers providers and keys, starts
// the background state-recovery task, and watches the configuration
// file for hot reload until terminated.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/llm-router/keyrouter/config"
	"github.com/llm-router/keyrouter/domain"
	"github.com/llm-router/keyrouter/obs"
	"github.com/llm-router/keyrouter/providers"
	"github.com/llm-router/keyrouter/routerapi"

	_ "github.com/llm-router/keyrouter/providers/anthropic"
	_ "github.com/llm-router/keyrouter/providers/bedrock"
	_ "github.com/llm-router/keyrouter/providers/gemini"
	_ "github.com/llm-router/keyrouter/providers/openai"
)

func main() {
	configPath := envOr("ROUTER_CONFIG_PATH", "router.yaml")
	historyDir := envOr("ROUTER_CONFIG_HISTORY_DIR", "router-config-history")
	encryptionKey := os.Getenv("ROUTER_ENCRYPTION_KEY")
	if encryptionKey == "" {
		log.Fatal("ROUTER_ENCRYPTION_KEY is required")
	}

	telemetryConfig := obs.UseProfile(obs.Profile(envOr("ROUTER_TELEMETRY_PROFILE", string(obs.ProfileProduction))))
	telemetryConfig.ServiceName = envOr("ROUTER_SERVICE_NAME", "keyrouter")
	if endpoint := os.Getenv("ROUTER_OTEL_ENDPOINT"); endpoint != "" {
		telemetryConfig.Endpoint = endpoint
	}
	if err := obs.Initialize(telemetryConfig); err != nil {
		log.Printf("telemetry initialization failed, continuing without it: %v", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			log.Printf("telemetry shutdown error: %v", err)
		}
	}()

	cfgManager := config.New(configPath, historyDir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := cfgManager.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	router, err := routerapi.New(
		routerapi.WithEncryptionKey([]byte(encryptionKey)),
		routerapi.WithLogger(obs.GetLogger()),
		routerapi.WithTelemetry(obs.GetTelemetryProvider()),
	)
	if err != nil {
		log.Fatalf("failed to construct router: %v", err)
	}

	if err := applyConfig(ctx, router, cfg); err != nil {
		log.Fatalf("failed to apply configuration: %v", err)
	}

	router.Start(ctx)

	changes, reloadErrs, err := cfgManager.Watch(ctx)
	if err != nil {
		log.Fatalf("failed to watch configuration file: %v", err)
	}
	go watchConfig(ctx, router, changes, reloadErrs)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := router.Close(shutdownCtx); err != nil {
		log.Printf("graceful shutdown incomplete: %v", err)
	}
}

func applyConfig(ctx context.Context, router *routerapi.Router, cfg *config.RouterConfig) error {
	for providerID, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		providerCfg := &providers.ProviderConfig{Model: stringOption(pc.Options, "model")}
		if err := router.RegisterProvider(providerID, pc.Type, providerCfg, providers.Capabilities{}, nil); err != nil {
			return err
		}
	}

	for _, kc := range cfg.Keys {
		if _, err := router.RegisterKey(ctx, kc.Material, kc.ProviderID, kc.Metadata); err != nil {
			return err
		}
	}

	for _, pc := range cfg.Policies {
		if err := router.Policy().CreatePolicy(ctx, policyFromConfig(pc)); err != nil {
			return err
		}
	}

	return nil
}

func policyFromConfig(pc config.PolicyConfig) *domain.Policy {
	rules := domain.PolicyRules{}
	if v, ok := pc.Rules["min_reliability"].(float64); ok {
		rules.MinReliability = &v
	}
	if v, ok := pc.Rules["max_cost_per_request"].(string); ok {
		if amount, err := decimal.NewFromString(v); err == nil {
			rules.MaxCostPerRequest = &amount
		}
	}
	rules.BlockedProviders = stringSlice(pc.Rules["blocked_providers"])
	rules.BlockedRegions = stringSlice(pc.Rules["blocked_regions"])
	rules.PreferredProviders = stringSlice(pc.Rules["preferred_providers"])
	rules.PreferredRegions = stringSlice(pc.Rules["preferred_regions"])

	now := time.Now().UTC()
	return &domain.Policy{
		ID:        uuid.New().String(),
		Name:      pc.Name,
		Type:      domain.PolicyType(pc.Type),
		Scope:     domain.PolicyScope(pc.Scope),
		ScopeID:   pc.ScopeID,
		Priority:  pc.Priority,
		Rules:     rules,
		Enabled:   pc.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func watchConfig(ctx context.Context, router *routerapi.Router, changes <-chan config.Change, errs <-chan error) {
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return
			}
			if err := applyConfig(ctx, router, change.Config); err != nil {
				log.Printf("failed to apply reloaded configuration: %v", err)
			}
		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Printf("configuration reload error: %v", err)
		case <-ctx.Done():
			return
		}
	}
}

func stringOption(options map[string]interface{}, key string) string {
	if options == nil {
		return ""
	}
	if v, ok := options[key].(string); ok {
		return v
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
