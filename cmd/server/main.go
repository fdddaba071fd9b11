package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/cart-ledger/internal/adapter/handler"
	"github.com/rl1809/cart-ledger/internal/adapter/messaging"
	"github.com/rl1809/cart-ledger/internal/adapter/storage"
	"github.com/rl1809/cart-ledger/internal/config"
	"github.com/rl1809/cart-ledger/internal/core/service"
	"github.com/rl1809/cart-ledger/internal/logger"
	"github.com/rl1809/cart-ledger/internal/port"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.App.LogLevel})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	store, closeStore, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Storage.Driver).Msg("failed to open storage")
	}
	defer closeStore()

	opts := []service.Option{
		service.WithTimeout(cfg.App.OperationTimeout),
		service.WithLogger(log),
	}

	// Initialize idempotency guard
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: 100,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		opts = append(opts, service.WithIdempotency(storage.NewRedisAdapter(rdb)))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	} else {
		opts = append(opts, service.WithIdempotency(storage.NewMemoryIdempotency()))
	}

	// Initialize receipt publisher
	if len(cfg.Kafka.Brokers) > 0 {
		writer := messaging.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer writer.Close()
		opts = append(opts, service.WithPublisher(messaging.NewKafkaPublisher(writer)))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing receipts to kafka")
	}

	engine := service.NewReconciliationEngine(store, opts...)

	// Initialize gRPC server
	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&handler.CartServiceDesc, handler.NewGRPCHandler(engine))

	lis, err := net.Listen("tcp", cfg.GRPC.Addr())
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.GRPC.Addr()).Msg("failed to listen")
	}

	// Initialize HTTP server
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           handler.NewRouter(handler.NewHTTPHandler(engine, log)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.GRPC.Addr()).Msg("gRPC server listening")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr()).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown")
		}
		log.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info().Msg("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("connections closed")
}

func openStore(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (port.Transactor, func(), error) {
	switch cfg.Driver {
	case config.DriverMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, nil, err
		}
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info().Msg("connected to mysql")
		return adapter, func() { db.Close() }, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, err
		}
		disconnect := func() { _ = client.Disconnect(context.Background()) }
		if err := client.Ping(ctx, nil); err != nil {
			disconnect()
			return nil, nil, err
		}
		adapter := storage.NewMongoAdapter(client.Database(cfg.MongoDatabase))
		ok, err := adapter.SupportsTransactions(ctx)
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		if !ok {
			disconnect()
			return nil, nil, errors.New("mongodb must be a replica set member or mongos to run transactions")
		}
		if err := adapter.EnsureIndexes(ctx); err != nil {
			disconnect()
			return nil, nil, err
		}
		log.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongodb")
		return adapter, disconnect, nil

	default:
		log.Warn().Msg("using in-memory storage, data is lost on restart")
		return storage.NewMemoryStore(), func() {}, nil
	}
}
