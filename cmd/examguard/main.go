// Package main is the CLI entry point for examguard.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/exam_guard/internal/api"
	"github.com/eliteGoblin/focusd/exam_guard/internal/domain"
	"github.com/eliteGoblin/focusd/exam_guard/internal/engine"
	"github.com/eliteGoblin/focusd/exam_guard/internal/infra"
	"github.com/eliteGoblin/focusd/exam_guard/internal/natsfwd"
	"github.com/eliteGoblin/focusd/exam_guard/internal/policy"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

var (
	configPath    string
	jsonOutput    bool
	verbose       bool
	startOnLaunch bool
	listRunning   bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "examguard",
	Short: "Exam enforcement agent - locks down the host during an exam",
	Long: `examguard runs on a candidate's machine for the duration of an exam.
It kills forbidden software before the exam starts, keeps watching for
forbidden processes, extra displays, screen capture and virtualization,
and reports violations and network risk to the proctoring layer.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent and serve the supervising API",
	RunE:  runAgent,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Kill every forbidden process once and print the report",
	RunE:  runSweep,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session currently enforced on this host",
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List policy signatures, or running processes they forbid",
	RunE:  runList,
}

var checkAdminCmd = &cobra.Command{
	Use:   "check-admin",
	Short: "Report whether the agent runs elevated",
	RunE:  runCheckAdmin,
}

var elevateCmd = &cobra.Command{
	Use:   "elevate",
	Short: "Relaunch examguard with elevated privileges",
	RunE:  runElevate,
}

var sysinfoCmd = &cobra.Command{
	Use:   "sysinfo",
	Short: "Show host, display and virtualization information",
	RunE:  runSysinfo,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   runVersion,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./examguard.yaml or /etc/examguard/examguard.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level to stderr")
	listCmd.Flags().BoolVar(&listRunning, "running", false, "Show running processes that match the policy")
	runCmd.Flags().BoolVar(&startOnLaunch, "start", false, "Create, sweep and start a session immediately")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(checkAdminCmd)
	rootCmd.AddCommand(elevateCmd)
	rootCmd.AddCommand(sysinfoCmd)
	rootCmd.AddCommand(versionCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	a, err := newAgent(configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	if !a.cfg.API.Enabled && !startOnLaunch {
		return errors.New("nothing to do: the API is disabled and --start was not given")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("examguard starting",
		zap.String("version", Version),
		zap.Bool("elevated", a.privilege.DetectPrivilegeLevel(ctx).IsElevated),
		zap.String("data_dir", a.cfg.DataDir))

	errCh := make(chan error, 2)

	var srv *http.Server
	if a.cfg.API.Enabled {
		srv = &http.Server{
			Addr:              a.cfg.API.Listen,
			Handler:           api.NewServer(a.engine, a.cfg, a.metrics, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("API listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("API server failed: %w", err)
			}
		}()
	}

	if a.cfg.NATS.URL != "" {
		conn, err := natsfwd.Connect(a.cfg.NATS.URL, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		forwardSessions(ctx, a, conn)
	}

	if startOnLaunch {
		sess, err := a.engine.Create(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		report, err := sess.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		logger.Info("pre-exam sweep finished",
			zap.Int("killed", len(report.Killed)),
			zap.Int("failed", len(report.Failed)))
		if err := sess.Start(ctx); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("agent failed", zap.Error(err))
		stopSession(a)
		return err
	}

	stopSession(a)
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API shutdown failed", zap.Error(err))
		}
	}
	logger.Info("examguard stopped")
	return nil
}

func stopSession(a *agent) {
	if sess := a.engine.Current(); sess != nil {
		if err := sess.Stop(); err != nil {
			a.logger.Warn("failed to stop session", zap.Error(err))
		}
	}
}

// forwardSessions attaches a NATS forwarder to every session the engine hands
// out, whether created by --start or through the API. The subscription is
// taken inside Create, before the session can publish anything.
func forwardSessions(ctx context.Context, a *agent, pub natsfwd.MsgPublisher) {
	a.engine.OnSession(func(sess *engine.Session) {
		fwd := natsfwd.New(pub, a.cfg.NATS.SubjectPrefix, sess.ID(), a.metrics, a.logger)
		sub := sess.Subscribe()
		go func() { _ = fwd.Run(ctx, sub) }()
	})
}

func runSweep(cmd *cobra.Command, args []string) error {
	a, err := newAgent(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	sess, err := a.engine.Create(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Stop() }()

	report, err := sess.Sweep(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(report)
	}

	fmt.Printf("\n=== Sweep (%s) ===\n", report.Duration.Round(time.Millisecond))
	fmt.Printf("Host: %s, %s, %s\n", report.Host.OSLabel, report.Host.CPULabel, report.Host.RAMLabel)
	if report.Partial {
		fmt.Println("Warning: process list was incomplete")
	}
	fmt.Printf("Attempted: %d  Killed: %d  Failed: %d\n",
		len(report.Attempted), len(report.Killed), len(report.Failed))
	for _, rec := range report.Killed {
		fmt.Printf("  killed  %-24s pid %d\n", rec.Name, rec.PID)
	}
	for _, f := range report.Failed {
		fmt.Printf("  FAILED  %-24s pid %d (%s) %s\n", f.Record.Name, f.Record.PID, f.Reason, f.Detail)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d process(es) could not be terminated", len(report.Failed))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newAgent(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	entry, err := a.registry.Get()
	if err != nil {
		return fmt.Errorf("failed to read session registry: %w", err)
	}
	if jsonOutput {
		return printJSON(entry)
	}

	fmt.Println("\n=== examguard Status ===")
	if entry == nil {
		fmt.Println("Status: NO SESSION")
		fmt.Println("\nRun 'examguard run --start' to begin enforcing.")
		return nil
	}

	lastBeat := time.Unix(entry.LastHeartbeat, 0)
	stale := time.Since(lastBeat) > 3*a.cfg.Monitor.HeartbeatInterval
	state := "RUNNING"
	if stale {
		state = "STALE (agent not responding)"
	}
	fmt.Printf("Status: %s\n", state)
	fmt.Printf("Session: %s\n", entry.SessionID)
	fmt.Printf("Phase: %s\n", entry.Phase)
	fmt.Printf("Agent PID: %d\n", entry.AgentPID)
	fmt.Printf("Elevated: %t\n", entry.Elevated)
	fmt.Printf("Started: %s\n", humanize.Time(time.Unix(entry.StartedAt, 0)))
	fmt.Printf("Last heartbeat: %s\n", humanize.Time(lastBeat))
	if entry.APIAddr != "" {
		fmt.Printf("API: http://%s/v1/session\n", entry.APIAddr)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	a, err := newAgent(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	pol, err := policy.Load(a.cfg.PolicyConfigFor(os.Getpid(), os.Getppid()))
	if err != nil {
		return err
	}
	if !listRunning {
		sigs := pol.Signatures()
		if jsonOutput {
			return printJSON(sigs)
		}
		fmt.Printf("\n%d signatures:\n", len(sigs))
		for _, sig := range sigs {
			fmt.Printf("  %-18s %-8s %-32s %s\n", sig.MatchKind, sig.Severity, sig.Pattern, sig.Label)
		}
		return nil
	}

	snap, err := a.inventory.Snapshot(cmd.Context())
	if err != nil && snap.Len() == 0 {
		return fmt.Errorf("failed to list processes: %w", err)
	}

	type match struct {
		Process   domain.ProcessRecord   `json:"process"`
		Signature domain.PolicySignature `json:"signature"`
	}
	var matches []match
	for rec := range snap.All() {
		if sig, ok := pol.Matches(rec); ok {
			matches = append(matches, match{Process: rec, Signature: sig})
		}
	}
	if jsonOutput {
		return printJSON(matches)
	}

	fmt.Printf("\n%d signatures, %d processes scanned\n", pol.Len(), snap.Len())
	if len(matches) == 0 {
		fmt.Println("No forbidden processes running.")
		return nil
	}
	fmt.Println("\nForbidden processes:")
	for _, m := range matches {
		label := m.Signature.Label
		if label == "" {
			label = m.Signature.Pattern
		}
		fmt.Printf("  %-24s pid %-7d %-8s %s\n", m.Process.Name, m.Process.PID, m.Signature.Severity, label)
	}
	return nil
}

func runCheckAdmin(cmd *cobra.Command, args []string) error {
	a, err := newAgent(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	level := a.privilege.DetectPrivilegeLevel(cmd.Context())
	if jsonOutput {
		return printJSON(level)
	}
	fmt.Printf("Elevated: %t\n", level.IsElevated)
	fmt.Printf("Execution mode: %s\n", a.privilege.ExecMode(cmd.Context()))
	return nil
}

func runElevate(cmd *cobra.Command, args []string) error {
	a, err := newAgent(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.privilege.DetectPrivilegeLevel(cmd.Context()).IsElevated {
		fmt.Println("Already elevated.")
		return nil
	}
	// Only returns on failure.
	return a.engine.RequestElevation(cmd.Context())
}

func runSysinfo(cmd *cobra.Command, args []string) error {
	a, err := newAgent(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	info := struct {
		Host     domain.HostDescriptor  `json:"host"`
		Displays int                    `json:"displays"`
		Sources  []domain.CaptureSource `json:"capture_sources"`
		VM       domain.VMFinding       `json:"vm"`
	}{
		Host:     a.host.DescribeHost(ctx),
		Displays: -1,
	}
	if n, err := a.topology.CountActiveDisplays(ctx); err == nil {
		info.Displays = n
	}
	if sources, err := a.topology.ListCaptureSources(ctx); err == nil {
		info.Sources = sources
	}
	if vm, err := a.vm.DetectVirtualization(ctx); err == nil {
		info.VM = vm
	}
	if jsonOutput {
		return printJSON(info)
	}

	fmt.Printf("OS:  %s\n", info.Host.OSLabel)
	fmt.Printf("CPU: %s\n", info.Host.CPULabel)
	fmt.Printf("RAM: %s\n", humanize.IBytes(info.Host.RAMBytes))
	if info.Displays < 0 {
		fmt.Println("Displays: unknown")
	} else {
		fmt.Printf("Displays: %d\n", info.Displays)
	}
	fmt.Printf("Capture sources: %d\n", len(info.Sources))
	for _, s := range info.Sources {
		fmt.Printf("  %s\n", s.Name)
	}
	if info.VM.Detected {
		fmt.Printf("Virtualization: detected (%s)\n", info.VM.Detail)
	} else {
		fmt.Println("Virtualization: not detected")
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("examguard %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Ensure the infra collaborators satisfy the domain interfaces the engine needs.
var (
	_ domain.ProcessInventory       = (*infra.ProcessInventoryImpl)(nil)
	_ domain.PrivilegeManager       = (*infra.PrivilegeManagerImpl)(nil)
	_ domain.NetworkSignalCollector = (*infra.NetworkCollector)(nil)
)
