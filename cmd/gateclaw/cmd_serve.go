package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/gateclaw/internal/agent"
	"github.com/user/gateclaw/internal/config"
	"github.com/user/gateclaw/internal/delivery"
	"github.com/user/gateclaw/internal/gateway"
	"github.com/user/gateclaw/internal/heartbeat"
	"github.com/user/gateclaw/internal/httpapi"
	"github.com/user/gateclaw/internal/rpc"
	"github.com/user/gateclaw/internal/sessions"
	"github.com/user/gateclaw/internal/telegram"
	"github.com/user/gateclaw/internal/transcript"
	"github.com/user/gateclaw/internal/types"
	"github.com/user/gateclaw/internal/usage"
	"github.com/user/gateclaw/pkg/llm"
	"github.com/user/gateclaw/pkg/llm/openai"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateclaw daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "gateclaw.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func buildResolver(cfg *config.Config) *sessions.Resolver {
	agents := make([]types.AgentID, 0, len(cfg.Agents))
	mainRests := make(map[types.AgentID]string)
	for _, a := range cfg.Agents {
		agents = append(agents, types.AgentID(a.ID))
		if a.MainSession != "" {
			mainRests[types.AgentID(a.ID)] = a.MainSession
		}
	}
	return sessions.NewResolver(sessions.ResolverConfig{
		DefaultAgent:  types.AgentID(cfg.DefaultAgent),
		Agents:        agents,
		MainAlias:     cfg.Session.MainAlias,
		MainRests:     mainRests,
		StoreTemplate: cfg.SessionStorePath(),
	})
}

func heartbeatIntervals(cfg *config.Config) map[types.AgentID]time.Duration {
	out := make(map[types.AgentID]time.Duration, len(cfg.Agents))
	for _, id := range cfg.AgentIDs() {
		out[types.AgentID(id)] = cfg.HeartbeatInterval(id)
	}
	return out
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Hot config: components read through cfgFn so successful config.set
	// calls take effect without a restart. Agent membership and the listen
	// address still need a restart (SIGHUP re-execs the process).
	var current atomic.Pointer[config.Config]
	current.Store(cfg)
	cfgFn := func() *config.Config { return current.Load() }

	coordinator := config.NewCoordinator(cfgPath)

	// Session plane
	resolver := buildResolver(cfg)
	manager := sessions.NewManager(resolver)
	transcripts := transcript.NewStore(cfg.DataDir)

	// LLM provider and agent runner
	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	prompt, err := agent.NewPromptBuilder(cfg.Models.Primary, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		return fmt.Errorf("create prompt builder: %w", err)
	}
	runner := agent.NewRunner(map[string]llm.Provider{"openai": provider}, transcripts, cfgFn, prompt)

	// Dispatch
	deliveryReg := delivery.NewRegistry()
	hub := rpc.NewHub()
	chat := gateway.NewCoordinator(manager, transcripts, runner, deliveryReg, hub, cfgFn, int64(cfg.MaxConcurrent))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chat.Start(ctx)
	defer chat.Stop()

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, chat)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		deliveryReg.Register("telegram:", adapter.Deliver)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Heartbeats: each fire sends the heartbeat prompt to the agent's main
	// session, skipping agents with a turn already in flight there.
	sched := heartbeat.New(func(agentID types.AgentID, reason string) (heartbeat.RunResult, error) {
		hc := cfgFn()
		if hc.Heartbeat.Prompt == "" {
			return heartbeat.RunSkippedDisabled, nil
		}
		key := resolver.MainKey(agentID)
		for _, run := range chat.ActiveRuns() {
			if run.SessionKey == key {
				return heartbeat.RunSkippedBusy, nil
			}
		}
		ack, err := chat.Send(string(key), hc.Heartbeat.Prompt, gateway.SendOptions{
			IdempotencyKey: string(types.NewRunID()),
			Channel:        "heartbeat",
		})
		if err != nil {
			return heartbeat.RunDone, fmt.Errorf("heartbeat send (%s): %w", reason, err)
		}
		if ack.Status == "in_flight" {
			return heartbeat.RunSkippedBusy, nil
		}
		return heartbeat.RunDone, nil
	})
	sched.UpdateConfig(heartbeatIntervals(cfg))
	sched.Start(ctx)
	defer sched.Stop()

	if len(cfg.Heartbeat.Cron) > 0 {
		cronWakes := heartbeat.NewCronWakes(sched, cfg.Heartbeat.Cron)
		cronWakes.Start()
		defer cronWakes.Stop()
	}

	// Usage plane
	agg := usage.NewAggregator(manager, transcripts)
	cache := usage.NewCache(cfg.UsageCacheTTL(), agg.Summary)

	// Config changes flow to the running components; model changes fan out
	// to connected clients so they can refresh their picker.
	coordinator.Subscribe(func(ev config.ChangeEvent) {
		current.Store(ev.Snapshot.Config)
		sched.UpdateConfig(heartbeatIntervals(ev.Snapshot.Config))
		for key := range ev.Patch {
			if strings.HasPrefix(key, "models.") {
				hub.BroadcastEvent(rpc.EventModelsChanged, &config.DefaultModels{
					Primary:    ev.Snapshot.Config.Models.Primary,
					Fallbacks:  ev.Snapshot.Config.Models.Fallbacks,
					ConfigHash: ev.Snapshot.Hash,
					SourcePath: ev.Snapshot.Path,
				})
				break
			}
		}
	})

	// Control plane: websocket RPC at /ws, REST + OpenAI-compatible HTTP
	// elsewhere, one listener for both.
	restart := func(delay time.Duration, reason string) {
		slog.Info("restart scheduled", "delay", delay, "reason", reason)
		time.AfterFunc(delay, func() {
			if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
				slog.Error("restart signal failed", "error", err)
			}
		})
	}
	methods := &rpc.Methods{
		Chat:    chat,
		Config:  coordinator,
		Usage:   cache,
		Rows:    agg,
		Cfg:     cfgFn,
		Restart: restart,
	}
	mux := http.NewServeMux()
	mux.Handle("/ws", rpc.NewServer(hub, methods))
	mux.Handle("/", httpapi.NewServer(chat, agg))
	httpServer := &http.Server{
		Addr:    cfg.Gateway.Listen,
		Handler: mux,
	}
	go func() {
		slog.Info("gateway listening", "listen", cfg.Gateway.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("gateway server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	slog.Info("gateclaw started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"default_agent", cfg.DefaultAgent,
		"agents", len(cfg.Agents),
		"llm_provider", cfg.LLM.Provider,
		"model", cfg.Models.Primary,
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
