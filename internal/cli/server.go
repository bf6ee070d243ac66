package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"quiz-runtime-service/internal/app"
	"quiz-runtime-service/internal/capture"
	"quiz-runtime-service/internal/config"
	"quiz-runtime-service/internal/domain"
	"quiz-runtime-service/internal/infra/memory"
	pgloader "quiz-runtime-service/internal/infra/postgres"
	redisinfra "quiz-runtime-service/internal/infra/redis"
	"quiz-runtime-service/internal/kv"
	"quiz-runtime-service/internal/logger"
	"quiz-runtime-service/internal/monitoring"
	transport "quiz-runtime-service/internal/transport/http"
)

// NewServeCmd builds the CLI subcommand to start the runtime server.
func NewServeCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the session runtime server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Server.Mode)
	defer log.Sync()
	monitoring.Init()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pgloader.NewQuizLoader(pool)
	}

	quizTTL := config.Duration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var flags kv.Store = kv.NewMemoryStore()
	if redisClient != nil {
		flags = redisinfra.NewFlagStore(redisClient, 0)
	}

	var device capture.Device
	if cfg.Capture.Device != "" {
		device = capture.NewV4L2Device(cfg.Capture.Device)
	}

	service := app.NewRuntimeService(memory.NewSessionRegistry(), quizRepo, flags, app.Deps{
		HintURL:              cfg.Services.HintURL,
		FeedbackURL:          cfg.Services.FeedbackURL,
		FrameArchiveURL:      cfg.Services.FrameArchiveURL,
		EmotionURL:           cfg.Services.EmotionURL,
		Device:               device,
		FloatingPreview:      true,
		SamplingEnabled:      cfg.Services.FrameArchiveURL != "",
		SampleInterval:       config.Duration(cfg.Capture.SampleInterval, 0),
		EmotionInterval:      config.Duration(cfg.Capture.EmotionInterval, 0),
		JPEGQuality:          cfg.Capture.Quality,
		IdleThresholdSeconds: cfg.Engagement.IdleThresholdSeconds,
		Log:                  log,
	})
	wsHandler := transport.NewWSHandler(service, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", monitoring.Handler())
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info("starting session runtime", zap.String("port", finalPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down")
	case <-ctx.Done():
		log.Info("context canceled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes seeds a minimal quiz so the runtime is usable without a
// database behind it.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID: "quiz-1",
			Questions: []domain.Question{
				{
					ID:            "q1",
					Text:          "What is 2 + 2?",
					Kind:          domain.QuestionChoice,
					Options:       []string{"3", "4", "5"},
					CorrectOption: 1,
					Hints:         []string{"Count up from 2, twice."},
				},
				{
					ID:             "q2",
					Text:           "Explain why 1/2 and 2/4 are equal.",
					Kind:           domain.QuestionFreeText,
					ExpectedAnswer: "They represent the same proportion.",
					Hints:          []string{"Multiply the top and bottom of 1/2 by the same number."},
				},
			},
		},
	}
}
