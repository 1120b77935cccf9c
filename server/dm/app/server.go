package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/handlers"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	commonauth "dm_server/server/common/auth"
	"dm_server/server/common/infra/bus"
	"dm_server/server/common/infra/cache"
	"dm_server/server/common/infra/db"
	"dm_server/server/common/infra/mq"
	"dm_server/server/common/infra/object"
	commonlog "dm_server/server/common/log"
	"dm_server/server/dm/api"
	"dm_server/server/dm/repository"
	"dm_server/server/dm/service"
)

type Server struct {
	HTTPServer *http.Server
	DB         *db.DB
	Redis      *redis.Client
	Bus        bus.Bus
	MQConn     *amqp.Connection
	Publisher  *service.AMQPPublisher
	Gateway    *service.Gateway

	stopHub context.CancelFunc
}

type stores struct {
	messages service.MessageStore
	users    service.UserStore
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Server{}
	ok := false
	defer func() {
		if !ok {
			s.release()
		}
	}()

	st, err := s.openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.BusDriver == BusDriverRedis || strings.TrimSpace(cfg.RedisAddr) != "" {
		client := cache.NewClient(cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := cache.Ping(ctx, client); err != nil {
			_ = client.Close()
			if cfg.BusDriver == BusDriverRedis {
				return nil, fmt.Errorf("ping redis: %w", err)
			}
			commonlog.Warnf("event=dm_server action=redis status=unavailable addr=%s error=%v", cfg.RedisAddr, err)
		} else {
			s.Redis = client
		}
	}

	switch cfg.BusDriver {
	case BusDriverRedis:
		s.Bus = bus.NewRedis(s.Redis, cfg.BusChannel)
	case BusDriverNATS:
		natsBus, err := bus.NewNATS(cfg.NATSURL, cfg.BusChannel)
		if err != nil {
			return nil, fmt.Errorf("initialize nats bus: %w", err)
		}
		s.Bus = natsBus
	case BusDriverLocal, "":
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}

	var dedup service.Deduplicator = service.NewMemoryDeduplicator()
	if s.Redis != nil {
		dedup = service.NewRedisDeduplicator(s.Redis)
	}

	var publisher service.EventPublisher
	if cfg.UseMQ {
		s.MQConn, err = mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return nil, fmt.Errorf("initialize lavinmq: %w", err)
		}
		s.Publisher, err = service.NewAMQPPublisher(s.MQConn)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
		publisher = s.Publisher
	}

	var files service.FileResolver
	if cfg.MinioEnabled {
		minioClient, err := object.NewClient(object.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize minio: %w", err)
		}
		if err := object.EnsureBucket(ctx, minioClient, cfg.MinioBucket); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", cfg.MinioBucket, err)
		}
		files = service.NewMinioFileResolver(minioClient, cfg.MinioBucket, cfg.MinioPresignTTL)
	}

	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	registry := service.NewRegistry()
	hub := service.NewHub(s.Bus)
	router := service.NewRouter(st.messages, st.users, registry, hub, dedup, files, publisher, service.RouterConfig{
		StoreTimeout: cfg.StoreTimeout,
		MaxBodyRunes: cfg.MaxBodyRunes,
		Dedup:        service.DedupPolicy{Window: cfg.DedupWindow, NonceTTL: cfg.DedupNonceTTL},
	})
	s.Gateway = service.NewGateway(registry, hub, router, auth, service.GatewayConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		SendBuffer:     cfg.SendBuffer,
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	s.stopHub = stopHub
	if err := hub.Start(hubCtx); err != nil {
		return nil, fmt.Errorf("subscribe realtime bus: %w", err)
	}

	h := api.NewHandler(router, service.NewHistoryService(st.messages, files), service.NewAccountService(st.users, auth), s.Gateway, hub, auth)
	r := gin.Default()
	h.RegisterRoutes(r)

	cors := handlers.CORS(
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "Idempotency-Key"}),
	)
	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      cors(r),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	commonlog.Infof("event=dm_server action=init status=ok store=%s bus=%s mq=%t minio=%t", cfg.StoreDriver, busName(cfg.BusDriver), cfg.UseMQ, cfg.MinioEnabled)
	ok = true
	return s, nil
}

func (s *Server) openStores(ctx context.Context, cfg Config) (stores, error) {
	switch cfg.StoreDriver {
	case StoreDriverMemory:
		commonlog.Warnf("event=dm_server action=store status=memory detail=messages are lost on restart")
		return stores{messages: repository.NewMemoryMessageRepository(), users: repository.NewMemoryUserRepository()}, nil
	case StoreDriverPostgres, "":
		if cfg.RunMigrations {
			if err := db.Migrate(ctx, cfg.PostgresDSN); err != nil {
				return stores{}, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		database, err := db.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return stores{}, fmt.Errorf("connect postgres: %w", err)
		}
		s.DB = database
		return stores{messages: repository.NewMessageRepository(database), users: repository.NewUserRepository(database)}, nil
	default:
		return stores{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.release()
	return err
}

func (s *Server) release() {
	if s.Gateway != nil {
		s.Gateway.Close()
	}
	if s.stopHub != nil {
		s.stopHub()
	}
	if s.Bus != nil {
		_ = s.Bus.Close()
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

func busName(driver string) string {
	if driver == "" {
		return BusDriverLocal
	}
	return driver
}
