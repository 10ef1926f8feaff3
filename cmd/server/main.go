package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"chatRelayWs/internal/config"
	"chatRelayWs/internal/modules/chat/application/handler"
	"chatRelayWs/internal/modules/chat/application/port"
	"chatRelayWs/internal/modules/chat/application/usecase"
	"chatRelayWs/internal/modules/chat/infrastructure"
	transport "chatRelayWs/internal/modules/chat/interface"
	"chatRelayWs/internal/platform/broker"
	"chatRelayWs/internal/shared/auth"
	"chatRelayWs/internal/shared/logging"
)

func main() {
	// Local runs read .env; real deployments set the environment directly.
	if err := godotenv.Overload(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, ".env load warning: %v\n", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	sink, err := logging.Open(logging.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Directory: cfg.Logging.Directory,
		Service:   "chat-relay",
		AddSource: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging setup error: %v\n", err)
		os.Exit(1)
	}
	defer sink.Close()
	slog.SetDefault(sink.Logger)
	slog.Info("logging initialized", slog.String("file", sink.Path()), slog.String("level", cfg.Logging.Level), slog.String("format", cfg.Logging.Format))

	if err := run(cfg); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mq, err := openBroker(cfg.AMQP)
	if err != nil {
		return err
	}
	defer mq.Close()

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable at startup", slog.String("addr", cfg.Redis.Addr), slog.Any("error", err))
		}
	}

	var observers []port.PresenceObserver
	if redisClient != nil {
		observers = append(observers, infrastructure.NewRedisPresenceMirror(redisClient, cfg.Redis.PresenceTTL))
	}
	presence := infrastructure.NewPresenceRegistry(observers...)

	resolver, err := buildResolver(cfg, redisClient)
	if err != nil {
		return err
	}

	social, err := infrastructure.NewSocialGraphHTTPClient(cfg.Social.BaseURL, cfg.Social.Token, cfg.Social.Timeout, nil)
	if err != nil {
		return fmt.Errorf("social graph client: %w", err)
	}

	notices, err := mq.OpenChannel(ctx)
	if err != nil {
		return fmt.Errorf("open notice channel: %w", err)
	}
	defer notices.Close()

	dispatcher := usecase.NewDispatcher(presence, notices)
	groups := usecase.NewGroupTopologyUseCase(mq.Topology())
	delivery := usecase.NewDeliveryService(mq, presence, social, usecase.DeliveryConfig{
		SendRate:  rate.Limit(cfg.Websocket.SendRate),
		SendBurst: cfg.Websocket.SendBurst,
	})

	registry := infrastructure.NewHandlerRegistry()
	registry.Register(handler.NewNoticeHandler(cfg.Kafka.NoticeTopic, dispatcher))
	registry.Register(handler.NewGroupEventHandler(cfg.Kafka.GroupTopic, groups, handler.RetryPolicy{
		MaxRetries: cfg.Kafka.HandlerRetries,
		Interval:   cfg.Kafka.RetryInterval,
	}))
	slog.Info("kafka config resolved", slog.Any("brokers", cfg.Kafka.Brokers), slog.String("group", cfg.Kafka.GroupID), slog.Any("topics", registry.Topics()))
	broker.StartKafkaConsumers(ctx, registry, cfg.Kafka.Brokers, cfg.Kafka.GroupID, registry.Topics())

	e := echo.New()
	e.HideBanner = true
	e.Logger.SetOutput(log.Writer())

	e.GET("/ws", transport.NewWebsocketHandler(resolver, delivery, transport.WebsocketOptions{
		AuthGrace:      cfg.Websocket.AuthGrace,
		SendBuffer:     cfg.Websocket.SendBuffer,
		CommandTimeout: cfg.Websocket.CommandTimeout,
	}))
	if cfg.Internal.Token != "" {
		transport.RegisterInternalRoutes(e.Group("/internal"), cfg.Internal.Token, dispatcher, groups)
	} else {
		slog.Warn("INTERNAL_API_TOKEN not set, internal routes disabled")
	}
	transport.RegisterOpsRoutes(e, presence)

	serveErr := make(chan error, 1)
	go func() {
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	slog.Info("shutting down")
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	return e.Shutdown(shutdownCtx)
}

func openBroker(cfg config.AMQPConfig) (port.Broker, error) {
	opts := broker.Options{
		QueueTTL:       cfg.QueueTTL,
		PublishRetries: cfg.PublishRetries,
		RetryInterval:  cfg.RetryInterval,
		Prefetch:       cfg.Prefetch,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}
	if cfg.Memory() {
		slog.Warn("using in-memory broker; messages do not survive a restart")
		return broker.NewMemoryBroker(opts), nil
	}
	conn, err := broker.Dial(cfg.URL, opts)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	slog.Info("amqp connected")
	return conn, nil
}

// buildResolver tries the cookie session first when Redis is configured, then a JWT.
func buildResolver(cfg *config.Config, redisClient redis.UniversalClient) (port.SessionResolver, error) {
	var chain infrastructure.ChainResolver
	if redisClient != nil {
		chain = append(chain, infrastructure.NewRedisSessionResolver(redisClient, cfg.Session.Cookie, cfg.Session.Prefix))
	}
	validator, err := auth.NewJWTValidatorWithPublicKey(cfg.Security.JWTSecret, cfg.Security.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	if validator.Configured() {
		chain = append(chain, infrastructure.NewJWTSessionResolver(validator, cfg.Security.TokenParam))
	}
	if len(chain) == 0 {
		return nil, errors.New("no session resolver configured: set REDIS_ADDR or JWT_SECRET/JWT_PUBLIC_KEY")
	}
	return chain, nil
}
