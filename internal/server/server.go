package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/prepquiz/internal/access"
	"github.com/victornm/prepquiz/internal/api"
	"github.com/victornm/prepquiz/internal/catalog"
	"github.com/victornm/prepquiz/internal/event"
	"github.com/victornm/prepquiz/internal/leaderboard"
	"github.com/victornm/prepquiz/internal/practice"
	"github.com/victornm/prepquiz/internal/score"
	"github.com/victornm/prepquiz/internal/session"
	"github.com/victornm/prepquiz/internal/store"
	"github.com/victornm/prepquiz/internal/telegram"
	"github.com/victornm/prepquiz/internal/telemetry"
)

const healthService = "prepquiz.Quiz"

type Server struct {
	c Config

	ctx    context.Context
	cancel context.CancelFunc

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		users        store.Users
		releaseUsers func()

		telegram *tgbotapi.BotAPI
	}

	service struct {
		access      *access.Service
		catalog     *catalog.Catalog
		sessions    *session.Manager
		score       *score.Service
		leaderboard *leaderboard.Service
		practice    *practice.Service
	}

	bot         *telegram.Bot
	storeHealth *telemetry.StoreHealth
	health      *health.Server

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		s.release()
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		s.release()
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	var err error

	s.infra.redis.leaderboard, err = connectRedis(s.ctx, s.c.Redis.Leaderboard)
	if err != nil {
		return fmt.Errorf("redis: leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connectRedis(s.ctx, s.c.Redis.Pubsub)
	if err != nil {
		return fmt.Errorf("redis: pubsub: %w", err)
	}

	s.infra.users, s.infra.releaseUsers, err = openStore(s.ctx, s.c, true)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	slog.InfoContext(s.ctx, "server: user store ready", "driver", s.c.Store.Driver)

	if s.c.Telegram.Token != "" {
		if err := tgbotapi.SetLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)); err != nil {
			return fmt.Errorf("telegram: set logger: %w", err)
		}

		s.infra.telegram, err = tgbotapi.NewBotAPI(s.c.Telegram.Token)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		s.infra.telegram.Debug = s.c.Telegram.Debug
		slog.InfoContext(s.ctx, "server: telegram authorised", "bot", s.infra.telegram.Self.UserName)
	}

	return nil
}

func (s *Server) initService() error {
	scoring := s.c.Quiz.Scoring
	deltas := make([]decimal.Decimal, 3)
	for i, v := range []string{scoring.Correct, scoring.Incorrect, scoring.Timeout} {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("scoring: parse %q: %w", v, err)
		}
		deltas[i] = d
	}

	loader, err := catalog.NewDirLoader(s.c.Catalog.Dir)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	s.service.catalog = catalog.New(catalog.Config{
		Loader:   loader,
		Subjects: s.c.Catalog.Subjects,
	})
	if err := s.service.catalog.Preload(s.ctx); err != nil {
		return fmt.Errorf("catalog: preload: %w", err)
	}

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.leaderboard,
		Prefix:   s.c.Redis.Leaderboard.Prefix,
		Size:     s.c.Leaderboard.Size,
	})

	s.service.score = score.NewService(score.Config{
		EventBus:      s.eb,
		Users:         s.infra.users,
		Leaderboard:   s.service.leaderboard,
		Correct:       deltas[0],
		Incorrect:     deltas[1],
		Timeout:       deltas[2],
		CountTimeouts: scoring.CountTimeouts,
	})

	s.service.sessions = session.NewManager(session.Config{
		Ledger:   s.service.score,
		EventBus: s.eb,
	})

	s.service.access = access.NewService(access.Config{
		Users:             s.infra.users,
		AdminIDs:          s.c.Access.AdminIDs,
		FreeQuestionLimit: s.c.Access.FreeQuestionLimit,
		PremiumDurations:  s.c.Access.PremiumDurations,
	})

	limits := s.c.Quiz.TimeLimits
	s.service.practice = practice.NewService(practice.Config{
		Access:      s.service.access,
		Catalog:     s.service.catalog,
		Sessions:    s.service.sessions,
		Users:       s.infra.users,
		Leaderboard: s.service.leaderboard,
		TimeLimits: session.TimeLimits{
			Default:  limits.Default,
			Subjects: limits.Subjects,
			Topics:   limits.Topics,
		},
	})

	if s.c.Leaderboard.RebuildOnStart {
		if _, err := s.service.practice.RebuildLeaderboard(s.ctx); err != nil {
			return fmt.Errorf("leaderboard: rebuild: %w", err)
		}
	}

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor(), telemetry.GRPCStreamInterceptor())
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.storeHealth = &telemetry.StoreHealth{
		Store:   s.infra.users,
		Health:  s.health,
		Service: healthService,
	}
	s.storeHealth.Check(s.ctx)

	e.GET("/healthz", s.healthz)

	api.New(api.Config{
		Router:     e,
		Practice:   s.service.practice,
		Access:     s.service.access,
		AdminToken: s.c.Access.AdminToken,
	})

	api.NewNotifier(api.NotifierConfig{
		EventBus: s.eb,
		Redis:    s.infra.redis.pubsub,
		Prefix:   s.c.Redis.Pubsub.Prefix,
	})

	if s.infra.telegram != nil {
		s.bot = telegram.New(telegram.Config{
			Sender:         s.infra.telegram,
			Practice:       s.service.practice,
			EventBus:       s.eb,
			PremiumChatIDs: s.c.Telegram.PremiumChatIDs,
		})
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) healthz(c *gin.Context) {
	resp, err := s.health.Check(c, &healthpb.HealthCheckRequest{Service: healthService})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": resp.GetStatus().String()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": resp.GetStatus().String()})
}

// Handler serves the HTTP API.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() {
	ctx := s.ctx

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		s.storeHealth.Watch(ctx, s.c.Store.HealthInterval)
		return nil
	})

	if s.bot != nil {
		eg.Go(func() error {
			u := tgbotapi.NewUpdate(0)
			u.Timeout = 60

			slog.InfoContext(ctx, "server: telegram polling for updates")
			s.bot.Run(ctx, s.infra.telegram.GetUpdatesChan(u))
			return nil
		})
	}

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if s.infra.telegram != nil {
		s.infra.telegram.StopReceivingUpdates()
	}
	s.cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	// In-flight questions resolve as timeouts before the store goes away.
	n, err := s.service.sessions.Drain(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "server: drain sessions failed", "error", err)
	}
	slog.InfoContext(ctx, "server: sessions drained", "sessions", n)

	s.eb.Stop()
	s.release()

	slog.InfoContext(ctx, "server: shutdown completed")
}

func (s *Server) release() {
	s.cancel()

	if s.infra.releaseUsers != nil {
		s.infra.releaseUsers()
	}

	for _, r := range []redis.UniversalClient{s.infra.redis.leaderboard, s.infra.redis.pubsub} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			slog.Error("server: close redis failed", "error", err)
		}
	}
}
