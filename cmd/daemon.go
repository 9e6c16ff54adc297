package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/theirongolddev/tokmon/internal/cli"
	"github.com/theirongolddev/tokmon/internal/config"
	"github.com/theirongolddev/tokmon/internal/daemon"
	"github.com/theirongolddev/tokmon/internal/logging"
	"github.com/theirongolddev/tokmon/internal/store"

	"github.com/spf13/cobra"
)

var (
	flagDaemonAddr         string
	flagDaemonTTL          time.Duration
	flagDaemonDetach       bool
	flagDaemonPIDFile      string
	flagDaemonLogFile      string
	flagDaemonEventsBuffer int
	flagDaemonChild        bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the session tracker behind a local HTTP/SSE API",
	RunE:  runDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon process and API status",
	RunE:  runDaemonStatus,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

func init() {
	defaultPID := filepath.Join(config.DataDir(), "tokmond.pid")
	defaultLog := filepath.Join(config.DataDir(), "tokmond.log")

	daemonCmd.PersistentFlags().StringVar(&flagDaemonAddr, "addr", "", "HTTP listen address (default from config)")
	daemonCmd.PersistentFlags().DurationVar(&flagDaemonTTL, "session-ttl", 0, "Idle time before a session is dropped (default from config)")
	daemonCmd.PersistentFlags().StringVar(&flagDaemonPIDFile, "pid-file", defaultPID, "PID file path")
	daemonCmd.PersistentFlags().StringVar(&flagDaemonLogFile, "log-file", defaultLog, "Log file path for detached mode")
	daemonCmd.PersistentFlags().IntVar(&flagDaemonEventsBuffer, "events-buffer", 0, "Max in-memory events retained (default from config)")

	daemonCmd.Flags().BoolVar(&flagDaemonDetach, "detach", false, "Run daemon as a background process")
	daemonCmd.Flags().BoolVar(&flagDaemonChild, "child", false, "Internal: mark detached child process")
	_ = daemonCmd.Flags().MarkHidden("child")

	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}

// daemonConfig resolves daemon settings from the config file and flags.
func daemonConfig(rt *appEnv) daemon.Config {
	cfg := daemon.ConfigFrom(rt.cfg)
	if flagDaemonAddr != "" {
		cfg.Addr = flagDaemonAddr
	}
	if flagDaemonTTL > 0 {
		cfg.SessionTTL = flagDaemonTTL
	}
	if flagDaemonEventsBuffer > 0 {
		cfg.EventsBuffer = flagDaemonEventsBuffer
	}
	return cfg
}

func runDaemon(_ *cobra.Command, _ []string) error {
	if flagDaemonDetach && flagDaemonChild {
		return errors.New("invalid daemon launch mode")
	}
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	if flagDaemonDetach {
		return startDaemonDetached(rt)
	}
	return runDaemonForeground(rt)
}

func startDaemonDetached(rt *appEnv) error {
	pf := pidFile(flagDaemonPIDFile)
	if err := pf.ensureNotRunning(); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	args := append(filterDetachArg(os.Args[1:]), "--child")

	for _, dir := range []string{filepath.Dir(flagDaemonPIDFile), filepath.Dir(flagDaemonLogFile)} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create daemon directory: %w", err)
		}
	}

	//nolint:gosec // daemon log path is configured by the local user
	logf, err := os.OpenFile(flagDaemonLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open daemon log file: %w", err)
	}
	defer func() { _ = logf.Close() }()

	child := exec.Command(exe, args...) //nolint:gosec // exe/args come from current process invocation
	child.Stdout = logf
	child.Stderr = logf
	child.Env = os.Environ()

	if err := child.Start(); err != nil {
		return fmt.Errorf("start detached daemon: %w", err)
	}

	addr := daemonConfig(rt).Addr
	fmt.Print(cli.RenderKV([]cli.KV{
		{Key: "Started daemon", Value: fmt.Sprintf("pid %d", child.Process.Pid)},
		{Key: "PID file", Value: flagDaemonPIDFile},
		{Key: "API", Value: "http://" + addr + "/v1/status"},
		{Key: "Log", Value: flagDaemonLogFile},
	}))
	return nil
}

func runDaemonForeground(rt *appEnv) error {
	pf := pidFile(flagDaemonPIDFile)
	if err := pf.ensureNotRunning(); err != nil {
		return err
	}

	cfg := daemonConfig(rt)
	dbPath := rt.cfg.DBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	// The daemon is long-lived; info is the quietest useful level.
	logger := rt.logger
	if rt.cfg.Log.Level == config.DefaultConfig().Log.Level && !flagQuiet {
		logCfg := rt.cfg.Log
		logCfg.Level = "info"
		logger = logging.Setup(logCfg, os.Stderr)
	}

	svc, err := daemon.New(cfg, rt.reg, st, logger)
	if err != nil {
		return err
	}

	if err := pf.write(daemonRuntimeState{
		PID:       os.Getpid(),
		Addr:      cfg.Addr,
		StartedAt: time.Now(),
		DBPath:    dbPath,
	}); err != nil {
		return err
	}
	defer pf.remove()

	progress("  tokmon daemon listening on http://%s\n", cfg.Addr)
	progress("  Sessions idle for %s are dropped\n", cli.FormatDuration(cfg.SessionTTL))
	progress("  Stop with: tokmon daemon stop --pid-file %s\n", flagDaemonPIDFile)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runDaemonStatus(_ *cobra.Command, _ []string) error {
	pf := pidFile(flagDaemonPIDFile)
	pid, err := pf.readPID()
	if err != nil {
		fmt.Println("  Daemon: not running (pid file not found)")
		return nil
	}
	if !processAlive(pid) {
		fmt.Printf("  Daemon: %s\n", cli.Warn(fmt.Sprintf("stale pid file (pid %d not alive)", pid)))
		return nil
	}

	addr := flagDaemonAddr
	if st, err := pf.readState(); err == nil && st.Addr != "" {
		addr = st.Addr
	}
	if addr == "" {
		addr = config.DefaultConfig().Daemon.Addr
	}

	pairs := []cli.KV{
		{Key: "Daemon PID", Value: fmt.Sprintf("%d", pid)},
		{Key: "Address", Value: "http://" + addr},
	}

	st, err := fetchStatus(addr)
	if err != nil {
		pairs = append(pairs, cli.KV{Key: "API status", Value: cli.Warn(err.Error())})
		fmt.Print(cli.RenderKV(pairs))
		return nil
	}

	tracking := "on"
	if !st.TrackingEnabled {
		tracking = cli.Warn("off")
	}
	pairs = append(pairs,
		cli.KV{Key: "Uptime", Value: cli.FormatDuration(time.Since(st.StartedAt))},
		cli.KV{Key: "Tracking", Value: tracking},
		cli.KV{Key: "Sessions", Value: cli.FormatNumber(int64(st.Totals.Sessions))},
		cli.KV{Key: "Tokens", Value: cli.Tokens(st.Totals.Tokens())},
		cli.KV{Key: "Cost", Value: cli.Cost(st.Totals.CostUSD)},
		cli.KV{Key: "Cache hits", Value: fmt.Sprintf("%d / %d", st.CacheHits, st.CacheHits+st.CacheMisses)},
		cli.KV{Key: "Subscribers", Value: cli.FormatNumber(int64(st.SubscriberCount))},
	)
	if st.NextSweep != nil {
		pairs = append(pairs, cli.KV{Key: "Next sweep", Value: st.NextSweep.Local().Format(time.RFC3339)})
	}
	if st.LastError != "" {
		pairs = append(pairs, cli.KV{Key: "Last error", Value: cli.Warn(st.LastError)})
	}
	fmt.Print(cli.RenderKV(pairs))
	return nil
}

func fetchStatus(addr string) (daemon.Status, error) {
	var st daemon.Status
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/v1/status") //nolint:noctx // short status probe
	if err != nil {
		return st, fmt.Errorf("unreachable (%w)", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("malformed response (%w)", err)
	}
	return st, nil
}

func runDaemonStop(_ *cobra.Command, _ []string) error {
	pf := pidFile(flagDaemonPIDFile)
	pid, err := pf.readPID()
	if err != nil {
		return errors.New("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find daemon process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal daemon process: %w", err)
	}

	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			pf.remove()
			fmt.Printf("  Stopped daemon (pid %d)\n", pid)
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not exit in time", pid)
}

func filterDetachArg(args []string) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		if a == "--detach" || strings.HasPrefix(a, "--detach=") {
			continue
		}
		out = append(out, a)
	}
	return out
}
