package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MeridianWorksLab/compass/backend/internal/auth"
	"github.com/MeridianWorksLab/compass/backend/internal/config"
	"github.com/MeridianWorksLab/compass/backend/internal/database"
	"github.com/MeridianWorksLab/compass/backend/internal/document"
	"github.com/MeridianWorksLab/compass/backend/internal/events"
	"github.com/MeridianWorksLab/compass/backend/internal/llm"
	"github.com/MeridianWorksLab/compass/backend/internal/logging"
	"github.com/MeridianWorksLab/compass/backend/internal/orchestration"
	"github.com/MeridianWorksLab/compass/backend/internal/presence"
	"github.com/MeridianWorksLab/compass/backend/internal/server"
)

const presenceSweepInterval = time.Minute

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "compass-api",
		Short: "Compass collaborative document backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for shared presence (optional)")
	cmd.PersistentFlags().StringSlice("kafka-brokers", defaults.GetStringSlice("kafka.brokers"), "Kafka broker list for operation events (optional)")
	cmd.PersistentFlags().String("kafka-topic", defaults.GetString("kafka.topic"), "Kafka topic for operation events")
	cmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key for the assistant planner (optional)")
	cmd.PersistentFlags().String("default-document", defaults.GetString("documents.default_id"), "Document targeted by fallback assistant actions")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "kafka.brokers", "kafka-brokers")
	bindFlag(cmd, "kafka.topic", "kafka-topic")
	bindFlag(cmd, "openai.api_key", "openai-api-key")
	bindFlag(cmd, "documents.default_id", "default-document")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func ensureDefaultDocument(ctx context.Context, documents *document.Service, documentID string) error {
	_, err := documents.CreateDocument(ctx, documentID, "Workspace Overview", "", "system")
	if err == nil {
		return nil
	}
	var serviceErr *document.ServiceError
	if errors.As(err, &serviceErr) && strings.HasSuffix(serviceErr.Code(), ".already_exists") {
		return nil
	}
	return err
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokens, err := auth.NewTokenService(auth.TokenServiceConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	var presenceStore presence.Store
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
		})
		defer redisClient.Close()
		presenceStore = presence.NewRedisStore(redisClient)
		logger.Info("presence mirroring to redis", zap.String("address", appConfig.RedisAddress))
	}
	tracker := presence.NewTracker(presence.TrackerConfig{
		TTL:    appConfig.PresenceTTL,
		Store:  presenceStore,
		Logger: logging.ForComponent(logger, "presence"),
	})

	var kafkaProducer sarama.SyncProducer
	if len(appConfig.KafkaBrokers) > 0 {
		saramaConfig := sarama.NewConfig()
		saramaConfig.Producer.Return.Successes = true
		saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
		kafkaProducer, err = sarama.NewSyncProducer(appConfig.KafkaBrokers, saramaConfig)
		if err != nil {
			return err
		}
		defer kafkaProducer.Close()
		logger.Info("operation events enabled", zap.Strings("brokers", appConfig.KafkaBrokers))
	}
	publisher, err := events.NewPublisher(events.PublisherConfig{
		Producer: kafkaProducer,
		Topic:    appConfig.KafkaTopic,
		Logger:   logging.ForComponent(logger, "events"),
	})
	if err != nil {
		return err
	}
	defer publisher.Close()

	documents, err := document.NewService(document.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: document.NewUUIDProvider(),
		Logger:     logging.ForComponent(logger, "documents"),
		Events:     publisher,
	})
	if err != nil {
		return err
	}

	if err := ensureDefaultDocument(ctx, documents, appConfig.DefaultDocument); err != nil {
		return err
	}

	var model llm.Client
	if appConfig.OpenAIAPIKey != "" {
		openAIClient, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey: appConfig.OpenAIAPIKey,
			Model:  appConfig.OpenAIModel,
			Logger: logging.ForComponent(logger, "llm"),
		})
		if err != nil {
			return err
		}
		model = openAIClient
		logger.Info("assistant planner using openai", zap.String("model", appConfig.OpenAIModel))
	}

	clips := orchestration.NewClipStore(db, time.Now, document.NewUUIDProvider())
	pipeline, err := orchestration.NewPipeline(orchestration.PipelineConfig{
		Clips:           clips,
		Planner:         orchestration.NewPlanner(model, appConfig.DefaultDocument, logging.ForComponent(logger, "planner")),
		Documents:       documents,
		IDProvider:      document.NewUUIDProvider(),
		DefaultDocument: appConfig.DefaultDocument,
		Logger:          logging.ForComponent(logger, "pipeline"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:    tokens,
		Documents:       documents,
		Presence:        tracker,
		Assistant:       pipeline,
		IDProvider:      document.NewUUIDProvider(),
		DefaultDocument: appConfig.DefaultDocument,
		Logger:          logging.ForComponent(logger, "server"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(presenceSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-signalCtx.Done():
				return
			case <-ticker.C:
				if removed := tracker.Sweep(); removed > 0 {
					logger.Debug("swept stale presence entries", zap.Int("removed", removed))
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
