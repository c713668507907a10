package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"rlm/internal/config"
	"rlm/internal/llm"
	"rlm/internal/orchestrator"
	"rlm/internal/sandbox"
	"rlm/internal/trajectory"
)

var (
	// Global flags
	verbose    bool
	configPath string

	// run flags
	envKind       string
	model         string
	maxIterations int
	contextFile   string
	contextDir    string
	humanAddr     string

	// sessions flags
	sessionLimit int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "rlm",
	Short: "rlm - recursive language model sessions",
	Long: `rlm runs an LLM in an iterative loop against a persistent code
environment. The model writes code, the environment executes it, and the
results feed the next turn until the model signals a final answer. Code can
recursively query sub-LLMs and ask the human operator for input.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one session to completion",
	Long: `Runs a full session for the given prompt. The context the model
explores comes from --context-file (a single document) or --context-dir
(every regular file in the directory, keyed by relative path); without
either, the prompt itself is the context.

Example:
  rlm run "Summarize the findings" --context-dir ./reports`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSession,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions from the trajectory index",
	RunE:  listSessions,
}

var showCmd = &cobra.Command{
	Use:   "show [trajectory-file]",
	Short: "Print the events of a trajectory log",
	Args:  cobra.ExactArgs(1),
	RunE:  showTrajectory,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	runCmd.Flags().StringVar(&envKind, "env", "", "execution environment: local, docker, or remote")
	runCmd.Flags().StringVar(&model, "model", "", "model name override")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "iteration budget override")
	runCmd.Flags().StringVar(&contextFile, "context-file", "", "file whose contents become the context")
	runCmd.Flags().StringVar(&contextDir, "context-dir", "", "directory whose files become the context map")
	runCmd.Flags().StringVar(&humanAddr, "human-addr", "", "human responder address")

	sessionsCmd.Flags().IntVar(&sessionLimit, "limit", 20, "maximum sessions to list")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(showCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.FromEnv(), nil
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if envKind != "" {
		cfg.Env.Kind = envKind
	}
	if model != "" {
		cfg.LLM.Model = model
	}
	if maxIterations > 0 {
		cfg.Limits.MaxIterations = maxIterations
	}
	if humanAddr != "" {
		cfg.Human.Addr = humanAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := llm.NewFromConfig(ctx, cfg.LLM)
	if err != nil {
		return err
	}

	var index *trajectory.Index
	if path := indexPath(cfg.Trajectory); path != "" {
		index, err = trajectory.OpenIndex(path)
		if err != nil {
			return err
		}
		defer index.Close()
	}

	input := orchestrator.Input{Text: strings.Join(args, " ")}
	contextValue, err := loadContext()
	if err != nil {
		return err
	}
	if contextValue != nil {
		input.Values = map[string]any{"context": contextValue}
	}

	orch := orchestrator.New(client, sandbox.NewRegistry(), cfg, index, logger)
	result, err := orch.Run(ctx, input)
	if err != nil {
		return err
	}

	if result.Resolved() {
		fmt.Println(result.Answer)
		return nil
	}

	fmt.Fprintf(os.Stderr, "session %s did not resolve: %s\n", result.SessionID, result.Reason)
	if result.LastError != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", result.LastError)
	}
	if result.Partial != "" {
		fmt.Fprintf(os.Stderr, "last model output:\n%s\n", result.Partial)
	}
	os.Exit(1)
	return nil
}

// loadContext materializes the context value from flags. A nil return means
// the prompt doubles as the context.
func loadContext() (any, error) {
	switch {
	case contextFile != "" && contextDir != "":
		return nil, fmt.Errorf("--context-file and --context-dir are mutually exclusive")

	case contextFile != "":
		data, err := os.ReadFile(contextFile)
		if err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
		return string(data), nil

	case contextDir != "":
		files := make(map[string]string)
		err := filepath.WalkDir(contextDir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(contextDir, path)
			if err != nil {
				return err
			}
			files[rel] = string(data)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("read context dir: %w", err)
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("context dir %s contains no files", contextDir)
		}
		return files, nil
	}
	return nil, nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := indexPath(cfg.Trajectory)
	if path == "" {
		return fmt.Errorf("trajectory persistence is disabled; no index to list")
	}

	index, err := trajectory.OpenIndex(path)
	if err != nil {
		return err
	}
	defer index.Close()

	sessions, err := index.List(sessionLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions recorded")
		return nil
	}

	for _, s := range sessions {
		fmt.Printf("%s  %-7s  %2d iters  %6d+%6d tokens  %s\n",
			s.StartedAt.Format("2006-01-02 15:04:05"),
			s.Status, s.Iterations, s.PromptTokens, s.CompletionTokens, s.ID)
	}
	return nil
}

func showTrajectory(cmd *cobra.Command, args []string) error {
	events, err := trajectory.ReadFile(args[0])
	if err != nil {
		return err
	}
	for _, e := range events {
		switch e.Kind {
		case trajectory.KindSessionStart:
			fmt.Printf("[%d] session start: %s (env=%s model=%s)\n",
				e.Seq, e.Session.Input, e.Session.Environment, e.Session.Model)
		case trajectory.KindIteration:
			fmt.Printf("[%d] iteration %d: signal=%s\n", e.Seq, e.Iteration.Index, e.Iteration.Signal)
			if e.Iteration.Code != "" {
				fmt.Printf("      code: %s\n", firstLine(e.Iteration.Code))
			}
			if e.Iteration.ErrText != "" {
				fmt.Printf("      error: %s\n", firstLine(e.Iteration.ErrText))
			}
		case trajectory.KindSubQuery:
			fmt.Printf("[%d] sub-query (iter %d, depth %d): %s\n",
				e.Seq, e.SubQuery.Iteration, e.SubQuery.Depth, firstLine(e.SubQuery.Prompt))
		case trajectory.KindHumanQuery:
			fmt.Printf("[%d] human query (iter %d): %s\n",
				e.Seq, e.Human.Iteration, firstLine(e.Human.Question))
		case trajectory.KindSessionEnd:
			fmt.Printf("[%d] session end: %s (%d iterations)\n",
				e.Seq, e.Session.Status, e.Session.Iterations)
		}
	}
	return nil
}

func indexPath(cfg config.TrajectoryConfig) string {
	if cfg.IndexPath != "" {
		return cfg.IndexPath
	}
	if cfg.Dir != "" {
		return filepath.Join(cfg.Dir, "sessions.db")
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
