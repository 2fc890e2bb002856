package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/a-essam23/stompd/internal/auth"
	"github.com/a-essam23/stompd/internal/engine"
	"github.com/a-essam23/stompd/internal/protocol"
	"github.com/a-essam23/stompd/internal/server/middleware"
	"github.com/a-essam23/stompd/pkg/config"
	"github.com/a-essam23/stompd/pkg/state/statemanager"
	"github.com/a-essam23/stompd/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	logger   *slog.Logger
	config   *config.Config
	registry *statemanager.InMemoryManager
	auth     *auth.Service
	engine   engine.Engine

	// gateway; nil when gateway.address is empty
	http        *http.Server
	wsConns     *engine.ThreadPerConnection
	gatewayAddr net.Addr

	closeStore func() error
	ready      chan struct{}
	ctx        context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	store, closeStore, err := newStore(rootCtx, cfg.Auth)
	if err != nil {
		return nil, err
	}

	authOpts := []auth.Option{auth.WithLogger(logger), auth.WithBcryptCost(cfg.Auth.BcryptCost)}
	if cfg.Auth.JWTSecret != "" {
		authOpts = append(authOpts, auth.WithTokenVerifier(auth.NewTokenVerifier(cfg.Auth.JWTSecret)))
	}
	authService := auth.NewService(store, authOpts...)
	registry := statemanager.NewInMemoryManager(logger)

	opts := engine.Options{
		Address:  cfg.Server.Address,
		Registry: registry,
		NewProtocol: func(connID int64) transport.Protocol {
			return protocol.New(connID, registry, authService, logger)
		},
		IDs:       &engine.Sequence{},
		Transport: transport.ConnectionConfig(cfg.Transport),
		Workers:   cfg.Server.Workers,
		Logger:    logger,
	}

	app := &App{
		logger:     logger.With(slog.String("component", "app")),
		config:     cfg,
		registry:   registry,
		auth:       authService,
		closeStore: closeStore,
		ready:      make(chan struct{}),
		ctx:        rootCtx,
	}

	switch cfg.Server.Engine {
	case config.EngineReactor:
		app.engine = engine.NewReactor(opts)
	default:
		app.engine = engine.NewThreadPerConnection(opts)
	}

	if cfg.Gateway.Address != "" {
		gatewayOpts := opts
		gatewayOpts.Address = cfg.Gateway.Address
		app.wsConns = engine.NewThreadPerConnection(gatewayOpts)

		limiter := middleware.NewConnectionLimiter(logger, cfg.Gateway.MaxConnsPerIP)
		mux := http.NewServeMux()
		mux.Handle(cfg.Gateway.Path,
			middleware.Chain(http.HandlerFunc(app.upgradeHandler),
				middleware.RequestMetadataMiddleware(),
				middleware.NewRequestLogger(app.logger),
				limiter.Middleware(),
			),
		)
		app.http = &http.Server{Handler: mux, BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		}}
	}

	return app, nil
}

func newStore(ctx context.Context, cfg config.AuthConfig) (auth.Store, func() error, error) {
	if cfg.Store != config.StoreRedis {
		return auth.NewMemoryStore(), func() error { return nil }, nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	store, err := auth.NewRedisStoreFromURL(pingCtx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// Ready is closed once every listener is accepting.
func (a *App) Ready() <-chan struct{} { return a.ready }

func (a *App) Addr() net.Addr { return a.engine.Addr() }

// GatewayAddr is nil when the gateway is disabled.
func (a *App) GatewayAddr() net.Addr { return a.gatewayAddr }

// Run serves until the root context is cancelled or a listener fails.
func (a *App) Run() error {
	defer func() {
		if err := a.closeStore(); err != nil {
			a.logger.Warn("Failed to close credential store", slog.Any("error", err))
		}
	}()

	g, ctx := errgroup.WithContext(a.ctx)

	var gatewayLn net.Listener
	if a.http != nil {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", a.config.Gateway.Address)
		if err != nil {
			return fmt.Errorf("failed to listen on gateway address %s: %w", a.config.Gateway.Address, err)
		}
		gatewayLn = ln
		a.gatewayAddr = ln.Addr()
	}

	a.logger.Info("Server starting", slog.String("engine", a.config.Server.Engine), slog.String("addr", a.config.Server.Address))
	g.Go(func() error {
		return a.engine.Serve(ctx)
	})

	if gatewayLn != nil {
		g.Go(func() error {
			a.logger.Info("WebSocket gateway starting", slog.String("addr", a.gatewayAddr.String()), slog.String("path", a.config.Gateway.Path))
			if err := a.http.Serve(gatewayLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return a.shutdownGateway()
		})
	}

	go func() {
		select {
		case <-a.engine.Ready():
			close(a.ready)
		case <-ctx.Done():
		}
	}()

	err := g.Wait()
	if err != nil {
		a.logger.Error("Server stopped with error", slog.Any("error", err))
		return err
	}
	a.logger.Info("Server shut down gracefully.")
	return nil
}

func (a *App) shutdownGateway() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := a.http.Shutdown(shutdownCtx)

	// hijacked WebSocket connections are not tracked by http.Server
	a.wsConns.Shutdown()
	return err
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	var ip, requestID string
	if reqMeta != nil {
		ip, requestID = reqMeta.IP, reqMeta.RequestID
	}
	connLogger := a.logger.With(slog.String("remoteAddr", ip), slog.String("requestID", requestID))

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	// each frame travels as one text message; the byte stream view lets the
	// blocking handler treat the socket like any TCP connection
	netConn := websocket.NetConn(r.Context(), wsConn, websocket.MessageText)
	handler, err := a.wsConns.ServeConn(netConn)
	if err != nil {
		connLogger.Warn("Rejected websocket connection", slog.Any("error", err))
		return
	}
	connLogger.Info("WebSocket connection established", slog.Int64("connID", handler.ID()))

	<-handler.Done()
}
