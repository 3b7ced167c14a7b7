package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/talkpipe/talkpipe/config"
	"github.com/talkpipe/talkpipe/internal/api/handlers"
	"github.com/talkpipe/talkpipe/internal/api/middleware"
	"github.com/talkpipe/talkpipe/internal/api/routes"
	"github.com/talkpipe/talkpipe/internal/cache"
	"github.com/talkpipe/talkpipe/internal/llm"
	"github.com/talkpipe/talkpipe/internal/logger"
	"github.com/talkpipe/talkpipe/internal/services"
	"github.com/talkpipe/talkpipe/internal/stt"
	"github.com/talkpipe/talkpipe/internal/tts"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New()

	// Optional synthesis cache
	var store cache.Cache = cache.Noop{}
	rdb, err := config.NewRedisClient(cfg.Cache)
	if err != nil {
		log.WithError(err).Fatal("redis init failed")
	}
	if rdb != nil {
		store = cache.NewRedisCache(rdb)
		log.Info("synthesis cache enabled")
	}

	llmSvc := llm.NewService(cfg.LLM, log, llm.NewLlamaLoader(cfg.LLM))
	recognizer, err := stt.New(cfg.STT, log)
	if err != nil {
		log.WithError(err).Fatal("stt init failed")
	}
	ttsClient := tts.NewClient(cfg.TTS, log)

	dialogue := services.NewDialogueService(recognizer, llmSvc, ttsClient, log)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.CORS(cfg.Server.CORSOrigins))

	routes.RegisterRoutes(r, routes.Deps{
		Conversation: handlers.NewConversationHandler(dialogue, log),
		Speech:       handlers.NewSpeechHandler(recognizer, ttsClient, store, cfg.Cache.SynthesisTTL, log),
		Generation:   handlers.NewGenerationHandler(llmSvc, log),
		Health: handlers.NewHealthHandler(
			handlers.ReadyFromFunc(llmSvc.IsReady),
			handlers.ReadyFromFunc(recognizer.Ready),
			handlers.ReadyFromFunc(ttsClient.Ready),
		),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("port", cfg.Server.Port).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	// Warm the model in the background so the first request does not pay
	// the load cost. Failure is not fatal, lazy load retries per request.
	go func() {
		warmCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := llmSvc.Startup(warmCtx); err != nil {
			log.WithError(err).Warn("model warmup failed, will retry lazily")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.WithError(err).Error("server shutdown")
	}

	ttsClient.Close()
	if err := llmSvc.Shutdown(); err != nil {
		log.WithError(err).Error("llm shutdown")
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("bye")
}
