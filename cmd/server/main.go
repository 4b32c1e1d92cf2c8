// nim-recall: a conversational backend that grounds every reply in the
// recent conversation and in semantically retrieved older memories.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/becomeliminal/nim-recall/auth"
	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/guardrails"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/embedder/openai"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/memory/store/sqlite"
	"github.com/becomeliminal/nim-recall/server"
)

func main() {
	// ============================================================================
	// CONFIGURATION
	// ============================================================================
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret: []byte(cfg.JWTSecret),
		Issuer: cfg.JWTIssuer,
		Leeway: 30 * time.Second,
	})
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	// `server token <user>` prints a development credential and exits.
	if len(os.Args) == 3 && os.Args[1] == "token" {
		token, err := verifier.Issue(os.Args[2], 24*time.Hour)
		if err != nil {
			log.Fatalf("❌ %v", err)
		}
		fmt.Println(token)
		return
	}

	// ============================================================================
	// STORAGE
	// ============================================================================
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("❌ Failed to create data directory: %v", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ Failed to open message store: %v", err)
	}
	defer store.Close()
	log.Printf("✅ Message store at %s", cfg.DBPath)

	index, err := chromem.New(chromem.Config{
		Dimensions: cfg.EmbeddingDimensions,
		PersistDir: cfg.VectorDir,
	})
	if err != nil {
		log.Fatalf("❌ Failed to open vector index: %v", err)
	}
	defer index.Close()
	log.Printf("✅ Vector index ready (%d dims)", cfg.EmbeddingDimensions)

	// ============================================================================
	// MEMORY
	// ============================================================================
	base, closeEmbedder, err := newEmbedder(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to create embedder: %v", err)
	}
	defer closeEmbedder()

	embedder, err := memory.NewCachedEmbedder(base, cfg.EmbedCacheSize)
	if err != nil {
		log.Fatalf("❌ Failed to create embedding cache: %v", err)
	}
	defer embedder.Close()
	log.Printf("✅ Embedder: %s (cache %d entries)", cfg.Embedder, cfg.EmbedCacheSize)

	manager := memory.NewSimpleManager(index, embedder, &memory.Config{
		Enabled:       true,
		TopK:          cfg.LTMTopK,
		MinSimilarity: cfg.LTMMinSimilarity,
	})

	writerConfig := memory.DefaultWriterConfig
	writerConfig.QueueSize = cfg.WriterQueueSize
	writerConfig.Workers = cfg.WriterWorkers
	writer := memory.NewWriter(store, manager, writerConfig)

	reconciler := memory.NewReconciler(store, manager, memory.ReconcilerConfig{
		Schedule: cfg.ReconcileSchedule,
		Grace:    cfg.ReconcileGrace,
	})
	if err := reconciler.Start(); err != nil {
		log.Fatalf("❌ Failed to start reconciler: %v", err)
	}

	// ============================================================================
	// ENGINE
	// ============================================================================
	systemPrompt := engine.DefaultSystemPrompt
	if cfg.SystemPromptPath != "" {
		data, err := os.ReadFile(cfg.SystemPromptPath)
		if err != nil {
			log.Fatalf("❌ Failed to read system prompt: %v", err)
		}
		systemPrompt = string(data)
	}

	eng := engine.NewEngine(newCompleter(cfg), store,
		engine.WithMemory(manager),
		engine.WithWriter(writer),
		engine.WithConfig(engine.Config{
			SystemPrompt:      systemPrompt,
			STMWindow:         cfg.STMWindow,
			ContextBudget:     cfg.ContextBudget,
			MaxMessageChars:   cfg.MaxMessageChars,
			CompletionTimeout: cfg.CompletionTimeout,
			TurnTimeout:       cfg.TurnTimeout,
			Retry:             memory.DefaultRetryPolicy,
		}),
	)
	log.Printf("✅ Engine ready: provider=%s STM=%d LTM top-%d", cfg.LLMProvider, cfg.STMWindow, cfg.LTMTopK)

	// ============================================================================
	// SERVER
	// ============================================================================
	var health *server.Health
	if cfg.HealthGRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.HealthGRPCAddr)
		if err != nil {
			log.Fatalf("❌ Failed to listen for gRPC health: %v", err)
		}
		health = server.NewHealth()
		go func() {
			if err := health.Serve(lis); err != nil {
				log.Printf("⚠️  gRPC health stopped: %v", err)
			}
		}()
	}

	srv, err := server.New(server.Config{
		Engine:   eng,
		Verifier: verifier,
		Guardrails: guardrails.NewRateLimiter(guardrails.Config{
			Limit:  cfg.RateLimit,
			Window: cfg.RateWindow,
		}),
		Health:         health,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(":" + cfg.Port)
	}()

	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Println("🚀 nim-recall Server Running")
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Printf("📡 WebSocket endpoint: ws://localhost:%s/ws", cfg.Port)
	log.Printf("💚 Health check: http://localhost:%s/health", cfg.Port)
	if cfg.HealthGRPCAddr != "" {
		log.Printf("💚 gRPC health: %s", cfg.HealthGRPCAddr)
	}
	log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Println()

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatal(err)
		}
	case <-ctx.Done():
	}

	// ============================================================================
	// SHUTDOWN
	// ============================================================================
	log.Println("🛑 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown: %v", err)
	}
	if err := writer.Close(shutdownCtx); err != nil {
		log.Printf("⚠️  Writer shutdown: %v", err)
	}
	reconciler.Stop()
	if health != nil {
		health.Stop()
	}
	log.Println("✅ Bye")
}

func newCompleter(cfg *config.Config) engine.Completer {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		return engine.NewOpenAICompleter(engine.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		})
	default:
		return engine.NewAnthropicCompleter(engine.AnthropicConfig{
			APIKey:     cfg.AnthropicAPIKey,
			Model:      cfg.AnthropicModel,
			MaxTokens:  cfg.MaxTokens,
			MaxRetries: 2,
		})
	}
}

func newEmbedder(cfg *config.Config) (memory.Embedder, func(), error) {
	switch cfg.Embedder {
	case config.EmbedderOpenAI:
		e, err := openai.New(openai.Config{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
		})
		return e, func() {}, err
	case config.EmbedderONNX:
		return newONNXEmbedder(cfg)
	default:
		log.Println("⚠️  Using mock embedder: retrieval is lexical noise, not semantic")
		return mock.New(cfg.EmbeddingDimensions), func() {}, nil
	}
}
