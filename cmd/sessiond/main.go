// sessiond is the session control plane (C8): it terminates the HTTP
// surface, owns the session-row database and port pool, and wires the
// Agent Backends, Browser Supervisor, Prompt Broker, WebSocket Hub, and
// Per-User Service Manager together.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/joho/godotenv"

	"github.com/byteowlz/sessiond/internal/api"
	"github.com/byteowlz/sessiond/internal/backend"
	"github.com/byteowlz/sessiond/internal/browser"
	"github.com/byteowlz/sessiond/internal/config"
	"github.com/byteowlz/sessiond/internal/coordinator"
	"github.com/byteowlz/sessiond/internal/domain"
	"github.com/byteowlz/sessiond/internal/identity"
	"github.com/byteowlz/sessiond/internal/prompt"
	"github.com/byteowlz/sessiond/internal/runner"
	"github.com/byteowlz/sessiond/internal/store"
	"github.com/byteowlz/sessiond/internal/usermgr"
	"github.com/byteowlz/sessiond/internal/usersvc"
	"github.com/byteowlz/sessiond/internal/wshub"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting sessiond", "port", cfg.Port, "multi_user", cfg.MultiUser)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected", "path", cfg.DBPath)

	backends := make(map[domain.RuntimeMode]backend.AgentBackend)

	localRunner := runner.NewClient(
		runner.ResolveSocketPath(cfg.Runner.SocketPathPattern, "", os.Getenv("XDG_RUNTIME_DIR")),
		cfg.Timeout.RunnerCall,
	)
	backends[domain.RuntimeLocal] = backend.NewLocalBackend(backend.LocalBackendConfig{
		DataDir:          cfg.Local.DataDir,
		BasePort:         cfg.Ports.BasePort,
		SingleUser:       !cfg.MultiUser,
		AgentBinary:      cfg.Local.AgentBinary,
		TerminalBinary:   cfg.Local.TerminalBinary,
		FileServerBinary: cfg.Local.FileServerBinary,
	}, localRunner)

	dockerCli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Warn("docker client unavailable, container runtime disabled", "error", err)
	} else {
		backends[domain.RuntimeContainer] = backend.NewContainerBackend(dockerCli, backend.ContainerBackendConfig{
			Image:                   cfg.Container.Image,
			NetworkName:             cfg.Container.NetworkName,
			Runtime:                 cfg.ContainerRuntime,
			AgentContainerPort:      cfg.Container.AgentContainerPort,
			TerminalContainerPort:   cfg.Container.TerminalContainerPort,
			FileServerContainerPort: cfg.Container.FileServerContainerPort,
			HostPortBase:            cfg.Ports.BasePort,
			MemoryLimitBytes:        cfg.Container.MemoryLimitBytes,
			CPUQuota:                cfg.Container.CPUQuota,
			PidsLimit:               cfg.Container.PidsLimit,
			CreateRetryAttempts:     cfg.Container.CreateRetryAttempts,
			CreateRetryDelay:        cfg.Container.CreateRetryDelay,
			StopTimeoutSecs:         int(cfg.Timeout.ContainerStop.Seconds()),
		})
	}

	defaultRuntime := domain.RuntimeLocal
	if _, ok := backends[defaultRuntime]; !ok {
		for mode := range backends {
			defaultRuntime = mode
			break
		}
	}

	var osUsers coordinator.OSUserEnsurer
	var dialRunner coordinator.RunnerDialer
	if cfg.MultiUser {
		umdClient := usermgr.NewClient(cfg.UserMgr.SocketPath, cfg.Timeout.RunnerCall)
		osUsers = &osUserEnsurer{client: umdClient}
		dialRunner = func(ctx context.Context, linuxUsername string) (*runner.Client, error) {
			runtimeDir, err := userRuntimeDir(linuxUsername)
			if err != nil {
				return nil, fmt.Errorf("resolving runtime dir for %s: %w", linuxUsername, err)
			}
			c := runner.NewClient(
				runner.ResolveSocketPath(cfg.Runner.SocketPathPattern, linuxUsername, runtimeDir),
				cfg.Timeout.RunnerCall,
			)
			if err := c.Ping(ctx); err != nil {
				return nil, fmt.Errorf("pinging runner for %s: %w", linuxUsername, err)
			}
			return c, nil
		}
	}

	coord := coordinator.New(repo, backends, coordinator.Config{
		PortRangeMin:   cfg.Ports.BasePort,
		PortRangeMax:   cfg.Ports.PoolMax,
		DefaultRuntime: defaultRuntime,
		MultiUser:      cfg.MultiUser,
		AgentBasePort:  cfg.Ports.SubAgentBase,
		MaxAgents:      cfg.Ports.SubAgentMax,
	}, osUsers, dialRunner)

	if cfg.UserServices.HstryEnabled || cfg.UserServices.MmryEnabled {
		userSvcMgr := usersvc.NewManager(
			func(userID string) string { return userID },
			func(linuxUsername string) (*runner.Client, error) {
				if dialRunner == nil {
					return localRunner, nil
				}
				return dialRunner(context.Background(), linuxUsername)
			},
		)
		var hstrySpec, mmrySpec *usersvc.Spec
		if cfg.UserServices.HstryEnabled {
			hstrySpec = &usersvc.Spec{Name: "hstry", Binary: cfg.UserServices.HstryBinary}
		}
		if cfg.UserServices.MmryEnabled {
			mmrySpec = &usersvc.Spec{Name: "mmry", Binary: cfg.UserServices.MmryBinary}
		}
		coord = coord.WithUserServices(userSvcMgr, hstrySpec, mmrySpec, cfg.UserServices.MmryPortBase, cfg.UserServices.MmryPortRange)
		slog.Info("per-user services enabled", "hstry", cfg.UserServices.HstryEnabled, "mmry", cfg.UserServices.MmryEnabled)
	}

	browserCfg := browser.Config{
		Enabled:         cfg.Browser.Enabled,
		Binary:          cfg.Browser.Binary,
		Headed:          cfg.Browser.Headed,
		StreamPortBase:  cfg.Browser.StreamPortBase,
		StreamPortRange: cfg.Browser.StreamPortRange,
		SocketDirBase:   browser.ResolveSocketDirBase(cfg.Browser.SocketDirBase),
		SpawnTimeout:    cfg.Timeout.BrowserSpawn,
	}
	if cfg.Browser.Enabled {
		browserSup := browser.NewSupervisor(browserCfg)
		if err := browserSup.Sweep(context.Background()); err != nil {
			slog.Warn("browser supervisor: startup sweep failed", "error", err)
		}
		coord = coord.WithBrowserSupervisor(browserSup, browserCfg)
		slog.Info("browser supervisor enabled", "socket_dir_base", browserCfg.SocketDirBase)
	}

	hub := wshub.NewHub()
	promptBroker := prompt.NewBroker(context.Background())
	promptHandler := prompt.NewHandler(promptBroker)
	auth := identity.NewAuthenticator(cfg.Auth)

	apiHandler := api.NewHandler(repo, coord, backends, hub, browserCfg)
	router := api.NewRouter(apiHandler, auth, promptHandler)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE and websocket connections outlive any fixed write deadline
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("sessiond listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("sessiond stopped")
}

// osUserEnsurer adapts the UMD client onto coordinator.OSUserEnsurer: the
// control-plane user id is used directly as the Linux username, created on
// first use via the daemon's restricted command set.
type osUserEnsurer struct {
	client *usermgr.Client
}

func (e *osUserEnsurer) EnsureUser(ctx context.Context, userID string) (string, error) {
	if _, err := user.Lookup(userID); err == nil {
		return userID, nil
	}
	if err := e.client.CreateUser(ctx, usermgr.CreateUserArgs{Username: userID}); err != nil {
		return "", fmt.Errorf("creating linux user %s: %w", userID, err)
	}
	if err := e.client.EnableLinger(ctx, userID); err != nil {
		return "", fmt.Errorf("enabling linger for %s: %w", userID, err)
	}
	return userID, nil
}

// userRuntimeDir resolves the XDG runtime directory sessiond should use to
// reach linuxUsername's Runner socket, derived from the account's uid the
// same way systemd --user does (/run/user/<uid>).
func userRuntimeDir(linuxUsername string) (string, error) {
	u, err := user.Lookup(linuxUsername)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/run/user/%s", u.Uid), nil
}
