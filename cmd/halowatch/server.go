package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/halowatch/internal/api"
	"github.com/kalambet/halowatch/internal/config"
	"github.com/kalambet/halowatch/internal/credential"
	"github.com/kalambet/halowatch/internal/event"
	"github.com/kalambet/halowatch/internal/halo"
	"github.com/kalambet/halowatch/internal/health"
	"github.com/kalambet/halowatch/internal/linkwatch"
	"github.com/kalambet/halowatch/internal/poller"
	"github.com/kalambet/halowatch/internal/roster"
	"github.com/kalambet/halowatch/internal/scheduler"
	"github.com/kalambet/halowatch/internal/snapshot"
	"github.com/kalambet/halowatch/internal/storage"
)

const (
	rosterJob       = "roster"
	webhookTimeout  = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the halowatch server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running halowatch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show halowatch job health and credential states",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdio")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "halowatch.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// userForgetter drops per-user snapshots.
type userForgetter interface {
	ForgetUser(ctx context.Context, userID string) error
}

// userRemover drops a user's memberships and forums.
type userRemover interface {
	RemoveUser(ctx context.Context, userID string) error
}

// onUninstall returns a credential subscriber that clears everything held for
// a user once their credential is deleted.
func onUninstall(directory userRemover, forgetters ...userForgetter) func(storage.CredentialChange) {
	return func(change storage.CredentialChange) {
		if change.Credential != nil {
			return
		}
		ctx := context.Background()
		for _, f := range forgetters {
			if err := f.ForgetUser(ctx, change.UserID); err != nil {
				slog.Error("forgetting user snapshots", "user_id", change.UserID, "error", err)
			}
		}
		if err := directory.RemoveUser(ctx, change.UserID); err != nil {
			slog.Error("removing user from directory", "user_id", change.UserID, "error", err)
		}
		slog.Info("user uninstalled", "user_id", change.UserID)
	}
}

// newEventBus builds the bus every poller publishes into.
func newEventBus(logger *slog.Logger, webhookURL string) *event.Bus {
	bus := event.NewBus(logger)
	bus.SubscribeAll(event.LogHandler(logger))
	if webhookURL != "" {
		hook := event.NewWebhook(webhookURL, &http.Client{Timeout: webhookTimeout})
		bus.SubscribeAll(hook.Handle)
		logger.Info("webhook delivery enabled", "url", webhookURL)
	}
	return bus
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "halowatch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)})))
	logger := slog.Default()

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	logger.Info("API bearer token available")

	// Refuse to start twice on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("halowatch is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("halowatch is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	announcements := snapshot.New[halo.Announcement]("announcements", store)
	grades := snapshot.New[halo.Grade]("grades", store)
	inbox := snapshot.New[halo.InboxPost]("inbox", store)
	for _, s := range []interface {
		Kind() string
		Load(context.Context) error
		Len() int
	}{announcements, grades, inbox} {
		if err := s.Load(ctx); err != nil {
			return fmt.Errorf("loading %s snapshots: %w", s.Kind(), err)
		}
		logger.Info("snapshots loaded", "kind", s.Kind(), "keys", s.Len())
	}

	client := halo.NewClient(cfg.Endpoints())
	bus := newEventBus(logger, cfg.Events.WebhookURL)

	notifier := credential.NotifierFunc(func(ctx context.Context, userID string) error {
		return bus.Publish(ctx, event.Disconnection(userID))
	})
	creds := credential.NewManager(client, store, notifier, credential.Config{
		RefreshInterval: cfg.Credentials.RefreshInterval,
		RetryDelay:      cfg.Credentials.RetryDelay,
		MaxRetryDelay:   cfg.Credentials.MaxRetryDelay,
		MaxFailures:     cfg.Credentials.MaxFailures,
		Logger:          logger.With("component", "credential"),
	})
	if err := creds.Start(ctx); err != nil {
		return fmt.Errorf("starting credential manager: %w", err)
	}
	defer creds.Stop()

	deps := poller.Deps{
		Directory:   store,
		Upstream:    client,
		Credentials: creds,
		Sink:        bus,
		Concurrency: cfg.Poll.Concurrency,
		Logger:      logger.With("component", "poller"),
	}
	gradePoller := poller.NewGrades(grades, deps, store, client)
	inboxPoller := poller.NewInbox(inbox, deps)
	pollers := []poller.Poller{
		poller.NewAnnouncements(announcements, deps),
		gradePoller,
		inboxPoller,
	}
	store.SubscribeCredentials(onUninstall(store, gradePoller, inboxPoller))

	syncer := roster.NewSyncer(creds, store, store, client)

	registry := health.NewRegistry(nil, 0)
	var loops []*scheduler.Loop
	for _, p := range pollers {
		registry.Register(p.Name(), 0)
		loops = append(loops, scheduler.NewLoop(p.Name(), cfg.Poll.Interval, poller.Job(p), scheduler.WithRecorder(registry)))
	}
	registry.Register(rosterJob, 2*cfg.Roster.Interval)
	loops = append(loops, scheduler.NewLoop(rosterJob, cfg.Roster.Interval, func(ctx context.Context) error {
		res, err := syncer.Sync(ctx)
		if err == nil {
			logger.Info("roster sync finished", "users", res.Users, "skipped", res.Skipped,
				"failed", res.Failed, "classes", res.Classes, "forums", res.Forums)
		}
		return err
	}, scheduler.WithRecorder(registry)))

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Run(ctx)
		}()
	}

	watcher := linkwatch.New(cfg.Links.Dir, store)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := watcher.Run(ctx); err != nil {
			logger.Error("link directory watcher stopped", "dir", cfg.Links.Dir, "error", err)
		}
	}()

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:       store,
			Credentials: creds,
			Health:      registry,
			Version:     version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
		}()
		logger.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewAppHandler(api.AppDeps{
			Store:       store,
			Credentials: creds,
			Health:      registry,
			Roster:      syncer,
			Token:       apiToken,
		}),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("halowatch listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("server error: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	// Loops finish their current sweep before returning.
	wg.Wait()
	return serveErr
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("halowatch is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop halowatch (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to halowatch (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient.Timeout = 2 * time.Second

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	h, err := decodeHealth(resp)
	if err != nil {
		printStatus("Server", "error (%v)", err)
		return nil
	}
	printHealth(cfg.Server.Port, h)

	if resp, err := client.get(ctx, "/credentials"); err == nil {
		var statuses []credential.Status
		if decodeJSON(resp, &statuses) == nil {
			printStatus("Users", "%s", credentialSummary(statuses))
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// decodeHealth accepts the 503 that /health answers with when degraded.
func decodeHealth(resp *http.Response) (api.HealthResponse, error) {
	var h api.HealthResponse
	if resp.StatusCode == http.StatusServiceUnavailable {
		defer resp.Body.Close()
		err := json.NewDecoder(resp.Body).Decode(&h)
		return h, err
	}
	err := decodeJSON(resp, &h)
	return h, err
}

func printHealth(port int, h api.HealthResponse) {
	state := colorize(colorGreen, h.Status)
	if h.Status != "ok" {
		state = colorize(colorYellow, h.Status)
	}
	printStatus("Server", "running on port %d (%s)", port, state)
	for _, j := range h.Jobs {
		last := "never"
		if !j.LastSuccess.IsZero() {
			last = j.LastSuccess.Local().Format(time.DateTime)
		}
		line := "last success " + last
		if j.Stale {
			line += colorize(colorRed, " [stale]")
		}
		if j.LastError != "" {
			line += " error: " + j.LastError
		}
		printStatus("Job "+j.Name, "%s", line)
	}
	for kind, n := range h.Snapshots {
		printStatus("Snapshots "+kind, "%d", n)
	}
}

func credentialSummary(statuses []credential.Status) string {
	if len(statuses) == 0 {
		return "none linked"
	}
	counts := make(map[credential.State]int)
	for _, s := range statuses {
		counts[s.State]++
	}
	var parts []string
	for _, st := range []credential.State{credential.Active, credential.Refreshing, credential.Backoff, credential.Disconnected} {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(st.String())))
		}
	}
	return strings.Join(parts, ", ")
}
