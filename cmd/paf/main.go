// Command paf runs the proxy-ai-fusion daemon and its management CLI.
//
// The daemon exposes two data planes (claude and codex), each forwarding
// to a configurable pool of upstreams, plus a management HTTP server
// with the web dashboard, the request ledger, and a realtime WebSocket
// feed.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/LinusChen-yf/proxy-ai-fusion/internal/api"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/balancer"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/buildinfo"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/config"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/daemon"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/hub"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/ledger"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/proxy"
	"github.com/LinusChen-yf/proxy-ai-fusion/internal/upstream"
)

const usage = `Usage: paf <command>

Commands:
  start     Start the daemon in the background
  dev       Run in the foreground with logs on stderr
  stop      Stop the running daemon
  status    Show daemon status
  list      List configured upstreams for both services
  active    Show the active upstream for both services
  ui        Print (and try to open) the dashboard URL
  version   Print version information
`

// daemonEnv marks the re-executed background process.
const daemonEnv = "PAF_DAEMON"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		err = cmdStart(envCfg)
	case "dev":
		err = runServe(envCfg, os.Getenv(daemonEnv) == "")
	case "stop":
		err = cmdStop(envCfg)
	case "status":
		err = cmdStatus(envCfg)
	case "list":
		err = cmdList(envCfg)
	case "active":
		err = cmdActive(envCfg)
	case "ui":
		err = cmdUI(envCfg)
	case "version":
		fmt.Printf("paf %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStart(envCfg *config.EnvConfig) error {
	if pid, err := daemon.Status(envCfg.PidPath()); err == nil {
		return fmt.Errorf("already running with pid %d", pid)
	}

	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(self, "dev")
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return err
	}
	fmt.Printf("started daemon with pid %d\n", cmd.Process.Pid)
	fmt.Printf("dashboard: http://localhost:%d/\n", envCfg.WebPort)
	return cmd.Process.Release()
}

func cmdStop(envCfg *config.EnvConfig) error {
	if err := daemon.Stop(envCfg.PidPath()); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("not running")
			return nil
		}
		return err
	}
	fmt.Println("stopped")
	return nil
}

func cmdStatus(envCfg *config.EnvConfig) error {
	pid, err := daemon.Status(envCfg.PidPath())
	if errors.Is(err, daemon.ErrNotRunning) {
		fmt.Println("not running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("running (pid %d)\n", pid)
	fmt.Printf("  claude proxy:  http://localhost:%d\n", envCfg.ClaudePort)
	fmt.Printf("  codex proxy:   http://localhost:%d\n", envCfg.CodexPort)
	fmt.Printf("  management:    http://localhost:%d\n", envCfg.WebPort)
	return nil
}

func cmdList(envCfg *config.EnvConfig) error {
	for _, service := range []string{"claude", "codex"} {
		store, err := openStore(envCfg, service)
		if err != nil {
			return err
		}
		pool := store.List()
		names := make([]string, 0, len(pool))
		for name := range pool {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Printf("%s (%d):\n", service, len(names))
		active := store.ActiveName()
		for _, name := range names {
			marker := "  "
			if name == active {
				marker = "* "
			}
			d := pool[name]
			fmt.Printf("  %s%s  weight=%g  %s\n", marker, name, d.Weight, d.BaseURL)
		}
	}
	return nil
}

func cmdActive(envCfg *config.EnvConfig) error {
	for _, service := range []string{"claude", "codex"} {
		store, err := openStore(envCfg, service)
		if err != nil {
			return err
		}
		name := store.ActiveName()
		if name == "" {
			name = "(none)"
		}
		fmt.Printf("%s: %s\n", service, name)
	}
	return nil
}

func cmdUI(envCfg *config.EnvConfig) error {
	url := fmt.Sprintf("http://localhost:%d/", envCfg.WebPort)
	fmt.Println(url)
	for _, opener := range []string{"xdg-open", "open"} {
		if _, err := exec.LookPath(opener); err == nil {
			return exec.Command(opener, url).Start()
		}
	}
	return nil
}

func openStore(envCfg *config.EnvConfig, service string) (*upstream.Store, error) {
	path := envCfg.ClaudeConfigPath()
	if service == "codex" {
		path = envCfg.CodexConfigPath()
	}
	return upstream.NewStore(service, path)
}

// runServe runs the daemon: two data planes plus the management server.
// It blocks until SIGINT or SIGTERM.
func runServe(envCfg *config.EnvConfig, foreground bool) error {
	if err := envCfg.EnsureHomeDir(); err != nil {
		return err
	}
	logCloser, err := daemon.SetupLogging(daemon.LogOptions{
		Dir:        envCfg.LogDir(),
		MaxSizeMB:  envCfg.LogMaxSizeMB,
		MaxBackups: envCfg.LogMaxBackups,
		MaxAgeDays: envCfg.LogMaxAgeDays,
		Tee:        foreground,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := daemon.WritePidFile(envCfg.PidPath()); err != nil {
		return err
	}
	defer daemon.RemovePidFile(envCfg.PidPath())

	claudeStore, err := openStore(envCfg, "claude")
	if err != nil {
		return err
	}
	codexStore, err := openStore(envCfg, "codex")
	if err != nil {
		return err
	}
	for _, store := range []*upstream.Store{claudeStore, codexStore} {
		w, err := upstream.WatchStore(store, envCfg.WatchDebounce)
		if err != nil {
			log.Printf("[main] config watch disabled: %v", err)
			continue
		}
		defer w.Close()
	}

	bal, err := balancer.New(envCfg.BalancerPath())
	if err != nil {
		return err
	}

	led, err := ledger.Open(envCfg.LedgerPath(), envCfg.LedgerMaxEntries)
	if err != nil {
		return err
	}
	defer led.Close()
	ledgerSvc := ledger.NewService(led, envCfg.LedgerQueueSize)
	ledgerSvc.Start()
	defer ledgerSvc.Stop()

	claudeHub := hub.New("claude")
	codexHub := hub.New("codex")

	claudeSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", envCfg.ListenAddress, envCfg.ClaudePort),
		Handler: proxy.NewForwarder("claude", claudeStore, bal, claudeHub, ledgerSvc),
	}
	codexSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", envCfg.ListenAddress, envCfg.CodexPort),
		Handler: proxy.NewForwarder("codex", codexStore, bal, codexHub, ledgerSvc),
	}
	mgmtSrv := api.NewServerWithAddress(envCfg.ListenAddress, envCfg.WebPort, api.Deps{
		Claude:       claudeStore,
		Codex:        codexStore,
		Balancer:     bal,
		Ledger:       led,
		LedgerSvc:    ledgerSvc,
		ClaudeHub:    claudeHub,
		CodexHub:     codexHub,
		MaxBodyBytes: int64(envCfg.MaxBodyBytes),
	})

	serveErr := make(chan error, 3)
	go func() {
		log.Printf("[main] claude proxy listening on :%d", envCfg.ClaudePort)
		if err := claudeSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- fmt.Errorf("claude proxy: %w", err)
		}
	}()
	go func() {
		log.Printf("[main] codex proxy listening on :%d", envCfg.CodexPort)
		if err := codexSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- fmt.Errorf("codex proxy: %w", err)
		}
	}()
	go func() {
		log.Printf("[main] management server listening on :%d", envCfg.WebPort)
		if err := mgmtSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- fmt.Errorf("management server: %w", err)
		}
	}()

	log.Printf("paf %s started (commit %s)", buildinfo.Version, buildinfo.GitCommit)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down...", sig)
	case err := <-serveErr:
		log.Printf("server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{claudeSrv, codexSrv} {
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("proxy shutdown error: %v", err)
		}
	}
	if err := mgmtSrv.Shutdown(ctx); err != nil {
		log.Printf("management shutdown error: %v", err)
	}
	log.Println("stopped")
	return nil
}
