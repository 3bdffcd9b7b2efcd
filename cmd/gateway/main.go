// Copyright 2026 PolicyGate
// SPDX-License-Identifier: BUSL-1.1

// Command gateway is the entry point for the PolicyGate admission
// pipeline: it wires every subsystem from environment configuration and
// serves the HTTP surface in internal/httpapi.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/policygate/gateway/internal/abuse"
	"github.com/policygate/gateway/internal/budget"
	"github.com/policygate/gateway/internal/config"
	"github.com/policygate/gateway/internal/crypto"
	"github.com/policygate/gateway/internal/feature"
	"github.com/policygate/gateway/internal/httpapi"
	"github.com/policygate/gateway/internal/identity"
	"github.com/policygate/gateway/internal/kv"
	"github.com/policygate/gateway/internal/obslog"
	"github.com/policygate/gateway/internal/pipeline"
	"github.com/policygate/gateway/internal/policy"
	"github.com/policygate/gateway/internal/provider"
	"github.com/policygate/gateway/internal/registry"
	"github.com/policygate/gateway/internal/router"
	"github.com/policygate/gateway/internal/routetable"
	"github.com/policygate/gateway/internal/security"
	"github.com/policygate/gateway/internal/store"
	"github.com/policygate/gateway/internal/trace"
	"github.com/policygate/gateway/internal/validate"
)

func main() {
	log := obslog.New("gateway")

	serverCfg := config.LoadServerFromEnv()
	if serverCfg.DevMode && serverCfg.Environment == "production" {
		log.Error("refusing to start: GATEWAY_DEV_MODE is set with GATEWAY_ENV=production", obslog.Fields{})
		os.Exit(1)
	}
	backendsCfg := config.LoadBackendsFromEnv()
	abuseCfg := config.LoadAbuseFromEnv()
	routerCfg := config.LoadRouterFromEnv()
	securityCfg := config.LoadSecurityFromEnv()
	cryptoCfg := config.LoadCryptoFromEnv()
	environments := config.LoadEnvironmentsFromEnv()

	recordStore, err := store.NewPostgresStore(backendsCfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open record store", obslog.Fields{"error": err.Error()})
		os.Exit(1)
	}

	kvStore, err := kv.NewRedisStore(backendsCfg.RedisURL)
	if err != nil {
		log.Error("failed to open kv store", obslog.Fields{"error": err.Error()})
		os.Exit(1)
	}

	envelope, err := buildEnvelope(cryptoCfg, log)
	if err != nil {
		log.Error("failed to build credential envelope", obslog.Fields{"error": err.Error()})
		os.Exit(1)
	}

	modelRegistry, err := registry.LoadFile(getenv("GATEWAY_MODEL_REGISTRY_PATH", "config/models.yaml"))
	if err != nil {
		log.Error("failed to load model registry", obslog.Fields{"error": err.Error()})
		os.Exit(1)
	}

	routeTable, err := routetable.LoadFile(
		getenv("GATEWAY_ROUTE_TABLE_PATH", "config/routes.yaml"),
		routetable.WithFailureThreshold(routerCfg.FailureThreshold),
		routetable.WithRecoveryInterval(routerCfg.RecoveryInterval),
	)
	if err != nil {
		log.Error("failed to load route table", obslog.Fields{"error": err.Error()})
		os.Exit(1)
	}

	dispatcher := buildDispatcher(log, serverCfg.DevMode)

	securityHost := security.NewHost(
		[]security.Plugin{
			security.NewPromptInjectionPlugin(getenvBool("GATEWAY_SECURITY_PROMPT_INJECTION", true)),
			security.NewSecretsPlugin(getenvBool("GATEWAY_SECURITY_SECRETS", true)),
			security.NewPIIPlugin(getenvBool("GATEWAY_SECURITY_PII", true)),
			security.NewCodeInjectionPlugin(getenvBool("GATEWAY_SECURITY_CODE_INJECTION", true)),
		},
		buildAsyncPlugins(),
		security.WithTimeout(securityCfg.OverallTimeout),
	)

	rtr := router.NewRouter(
		router.WithStrategy(router.StrategyByName(routerCfg.Strategy)),
		router.WithRetryConfig(router.RetryConfig{
			MaxAttempts:     routerCfg.RetryMaxAttempts,
			Base:            routerCfg.RetryBase,
			ExponentialBase: routerCfg.RetryExponentBase,
			MaxDelay:        routerCfg.RetryMaxDelay,
			Jitter:          routerCfg.RetryJitterPercent,
		}),
	)

	abuseDetector := abuse.NewDetector(kvStore, abuseCfg)
	p := pipeline.New(
		identity.NewResolver(recordStore, envelope),
		validate.NewValidator(),
		abuseDetector,
		feature.NewRegistry(recordStore),
		modelRegistry,
		policy.NewEngine(recordStore),
		budget.NewLedger(kvStore, recordStore),
		securityHost,
		dispatcher,
		routeTable,
		rtr,
		trace.NewRecorder(recordStore, log),
		recordStore,
		environments,
		log,
	)

	srv := httpapi.New(p, abuseDetector, httpapi.WithLogger(log))
	r := mux.NewRouter()
	srv.RegisterHandlers(r)

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins:   splitCSV(getenv("GATEWAY_CORS_ORIGINS", "*")),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    ":" + serverCfg.Port,
		Handler: corsMiddleware.Handler(r),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info("gateway listening", obslog.Fields{"port": serverCfg.Port, "environment": serverCfg.Environment})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", obslog.Fields{"error": err.Error()})
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", obslog.Fields{})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", obslog.Fields{"error": err.Error()})
	}
}

// buildEnvelope picks a SecretsManager-backed master key provider when a
// secret id is configured, falling back to the environment-variable
// provider for local and self-hosted deployments.
func buildEnvelope(cryptoCfg config.Crypto, log *obslog.Logger) (*crypto.Envelope, error) {
	if cryptoCfg.SecretsManagerID != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			return nil, err
		}
		client := secretsmanager.NewFromConfig(awsCfg)
		return crypto.NewEnvelope(crypto.NewSecretsManagerMasterKeyProvider(client, cryptoCfg.SecretsManagerID, "v1", 5*time.Minute)), nil
	}

	mkp, err := crypto.NewEnvMasterKeyProvider(os.Getenv(cryptoCfg.MasterKeyEnvVar))
	if err != nil {
		return nil, err
	}
	return crypto.NewEnvelope(mkp), nil
}

// buildDispatcher assembles the adapter set the Provider Dispatcher
// resolves against. The mock adapter is always present so
// GATEWAY_TEST_MODE (or devMode, which implies it) can restrict
// resolution to it; cloud adapters are added only when their ambient
// credentials are configured, since constructing them eagerly would
// otherwise fail fast on a host that never intends to dispatch to that
// provider.
func buildDispatcher(log *obslog.Logger, devMode bool) *provider.Dispatcher {
	mock := provider.NewMockAdapter()

	if devMode {
		log.Info("dev mode: dispatching every request to the mock provider", obslog.Fields{})
		return provider.NewDispatcher(mock, nil, nil, provider.WithTestMode(true))
	}

	var patterns []provider.Adapter
	patterns = append(patterns, provider.NewAnthropicAdapter(http.DefaultClient))
	patterns = append(patterns, provider.NewOpenAIAdapter(http.DefaultClient, ""))

	if getenvBool("GATEWAY_ENABLE_BEDROCK", false) {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background())
		if err != nil {
			log.Warn("bedrock adapter disabled: failed to load AWS config", obslog.Fields{"error": err.Error()})
		} else {
			patterns = append(patterns, provider.NewBedrockAdapter(bedrockruntime.NewFromConfig(awsCfg)))
		}
	}

	if project := os.Getenv("GATEWAY_VERTEX_PROJECT"); project != "" && getenvBool("GATEWAY_ENABLE_VERTEX", false) {
		location := getenv("GATEWAY_VERTEX_LOCATION", "us-central1")
		adapter, err := provider.NewVertexAdapter(context.Background(), project, location)
		if err != nil {
			log.Warn("vertex adapter disabled: failed to build client", obslog.Fields{"error": err.Error()})
		} else {
			patterns = append(patterns, adapter)
		}
	}

	if getenvBool("GATEWAY_ENABLE_AZURE_OPENAI", false) {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			log.Warn("azure openai adapter disabled: failed to build credential", obslog.Fields{"error": err.Error()})
		} else {
			src := &azureADTokenSource{cred: cred}
			patterns = append(patterns, provider.NewOpenAIAdapter(http.DefaultClient, "azure/", provider.WithAzureADToken(src)))
		}
	}

	var opts []provider.DispatcherOption
	if getenvBool("GATEWAY_TEST_MODE", false) {
		opts = append(opts, provider.WithTestMode(true))
	}

	return provider.NewDispatcher(mock, nil, patterns, opts...)
}

// azureADTokenSource wraps azidentity's DefaultAzureCredential to satisfy
// provider.AzureTokenSource, scoped to Cognitive Services (Azure OpenAI).
type azureADTokenSource struct {
	cred *azidentity.DefaultAzureCredential
}

func (s *azureADTokenSource) Token(ctx context.Context) (string, error) {
	tok, err := s.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{"https://cognitiveservices.azure.com/.default"},
	})
	if err != nil {
		return "", err
	}
	return tok.Token, nil
}

// buildAsyncPlugins wires the async moderation plugin to a remote
// moderation endpoint when one is configured, and omits it otherwise —
// the Security Plugin Host runs with zero async plugins just as readily
// as with several.
func buildAsyncPlugins() []security.AsyncPlugin {
	baseURL := os.Getenv("GATEWAY_MODERATION_BASE_URL")
	if baseURL == "" {
		return nil
	}
	classifier := &security.RemoteModerationClassifier{
		Client:  http.DefaultClient,
		BaseURL: baseURL,
		APIKey:  os.Getenv("GATEWAY_MODERATION_API_KEY"),
	}
	return []security.AsyncPlugin{
		security.NewModeratorPlugin("moderation", true, classifier),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
