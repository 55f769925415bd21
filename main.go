package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"deskagent/pkg/assistant"
	"deskagent/pkg/desktop"
	"deskagent/pkg/executor"
	"deskagent/pkg/goalengine"
	"deskagent/pkg/logging"
	"deskagent/pkg/server"
	"deskagent/pkg/settings"
	"deskagent/pkg/statemonitor"
	"deskagent/pkg/supervisor"
	"deskagent/pkg/vision"
	"deskagent/pkg/voice"
)

const defaultTask = "Open Chrome and navigate to youtube.com"

var (
	configPath    string
	noVoice       bool
	voiceLanguage string
	maxIterations int
	serve         bool
	modelFilter   string
	checkModel    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "deskagent [task...]",
		Short: "Drive the desktop toward a goal with a multimodal model",
		Long: `deskagent captures the screen, asks a language model for the next
input commands, executes them and repeats until the task is done.

Say "пауза" to pause, "продолжай" to resume and "стоп" to stop.

Example:
  deskagent "open the calculator and compute 2+2"`,
		RunE: runAgent,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Settings file (default system_settings.json)")
	rootCmd.Flags().BoolVar(&noVoice, "no-voice", false, "Disable voice input")
	rootCmd.Flags().StringVar(&voiceLanguage, "voice-language", "", "Language code for speech recognition")
	rootCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Maximum number of loop iterations")
	rootCmd.Flags().BoolVar(&serve, "serve", false, "Start the local control server")

	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List the models offered by the configured provider",
		Args:  cobra.NoArgs,
		RunE:  listModels,
	}
	modelsCmd.Flags().StringVar(&modelFilter, "filter", "", "Only show models containing this text")
	modelsCmd.Flags().StringVar(&checkModel, "check", "", "Verify that this model is available")

	gridCmd := &cobra.Command{
		Use:   "grid",
		Short: "Capture the screen once and print the grid layout",
		Args:  cobra.NoArgs,
		RunE:  showGrid,
	}

	rootCmd.AddCommand(modelsCmd, gridCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadSettings(cmd *cobra.Command) (*settings.Settings, *zap.Logger, error) {
	s, err := settings.LoadSettings(configPath)
	if err != nil {
		return nil, nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("no-voice") && noVoice {
		s.Voice.Enabled = false
	}
	if flags.Changed("voice-language") {
		s.Voice.Language = voiceLanguage
	}
	if flags.Changed("max-iterations") {
		s.Agent.MaxIterations = maxIterations
	}
	if flags.Changed("serve") {
		s.Server.Enabled = serve
	}
	if err := s.Validate(); err != nil {
		return nil, nil, err
	}
	return s, logging.SetupLogging(s.Logger), nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	s, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	defer logging.Sync()

	task := strings.TrimSpace(strings.Join(args, " "))
	if task == "" {
		task = readTask()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	metrics := statemonitor.MustNewMetrics(reg)

	var journal goalengine.Journal
	if j, err := logging.OpenJournal(s.Journal.Path, logger); err != nil {
		logger.Warn("Run journal unavailable", zap.Error(err))
	} else {
		journal = j
		defer j.Close()
	}

	robot := desktop.NewRobot(logger, s.Executor.ClipboardRestoreDelay)
	encoder := vision.NewEncoder(s.Sensing.JPEGQuality)
	cache := vision.NewCache(desktop.NewScreen(0), robot, vision.CacheConfig{
		TTL:            s.Sensing.CacheTTL,
		StaleTolerance: s.Sensing.StaleTolerance,
		TargetCells:    s.Sensing.TargetCells,
		MinCells:       s.Sensing.MinCells,
	}, logger,
		vision.WithPersister(vision.NewPersister(s.Sensing.OutputDir, s.Sensing.ModelImageHeight, encoder)),
		vision.WithObserver(metrics))

	llm, err := assistant.NewGenerator(s.LLM, assistant.NewPromptStore(s.LLM.PromptsDir), logger)
	if err != nil {
		return err
	}
	locator := assistant.NewLocator(cache, encoder, llm, s.LLM.LocatePrompt, logger)

	monitor := statemonitor.NewMonitor(logger)
	execCfg := executor.Config{
		BatchSize:    s.Executor.BatchSize,
		SettleDelay:  s.Executor.SettleDelay,
		DragDuration: s.Executor.DragDuration,
	}
	if s.Executor.BlockDangerousText {
		execCfg.TextGuard = assistant.IsDangerousText
	}
	exec := executor.New(robot, monitor, execCfg, logger,
		executor.WithElementResolver(locator),
		executor.WithCellResolver(cache),
		executor.WithObserver(metrics))
	dispatcher := executor.NewDispatcher(exec, s.Executor.ResultQueue, logger)

	prompts := goalengine.NewPromptQueue(8)
	defer prompts.Close()

	deps := goalengine.Deps{
		Monitor: monitor,
		Sensor:  cache,
		Encoder: encoder,
		LLM:     llm,
		Runner:  dispatcher,
		Journal: journal,
		Metrics: metrics,
		Keys:    robot,
	}
	if s.Voice.Enabled {
		if pipeline, err := startVoice(s.Voice, s.LLM.Timeout, logger, metrics); err != nil {
			logger.Warn("Voice input unavailable, continuing without it", zap.Error(err))
		} else {
			deps.Voice = pipeline
		}
	}
	if deps.Voice == nil {
		deps.Prompter = prompts
		// Stdin reads cannot be interrupted, so this reader is left to the process exit.
		go func() {
			if err := goalengine.ReadLines(ctx, os.Stdin, os.Stdout, prompts); err != nil && !errors.Is(err, context.Canceled) {
				logger.Debug("Stopped reading prompts from stdin", zap.Error(err))
			}
		}()
	}

	sup := supervisor.New(ctx, logger)
	sup.Go("screen-poller", func(ctx context.Context) error {
		return cache.RunPoller(ctx, s.Sensing.PollInterval)
	})
	sup.Go("status-renderer", func(ctx context.Context) error {
		return monitor.RunRenderer(ctx, statemonitor.MultiRenderer{statemonitor.NewLogRenderer(logger), metrics})
	})
	if s.Server.Enabled {
		srv := server.New(server.Config{Addr: s.Server.Addr, Settings: s, Gatherer: reg}, monitor, prompts, logger)
		sup.Go("control-server", srv.Run)
	}

	engine := goalengine.New(goalengine.Config{
		MaxIterations:    s.Agent.MaxIterations,
		HistoryLimit:     s.Agent.HistoryLimit,
		SystemPrompt:     s.Agent.SystemPrompt,
		ModelImageHeight: s.Sensing.ModelImageHeight,
		IterationDelay:   s.Agent.IterationDelay,
		VoicePollWindow:  s.Agent.VoicePollWindow,
		VoicePollStep:    s.Agent.VoicePollStep,
		ListenDelay:      s.Agent.ListenDelay,
		RecognitionDelay: s.Agent.RecognitionDelay,
		CleanupTimeout:   s.Agent.CleanupTimeout,
		StartupHotkey:    s.Agent.StartupHotkey,
		StopPhrases:      s.Agent.StopPhrases,
		PausePhrases:     s.Agent.PausePhrases,
		ResumePhrases:    s.Agent.ResumePhrases,
	}, deps, logger)

	logger.Info("Starting desktop agent",
		zap.String("task", task),
		zap.Bool("voice", deps.Voice != nil),
		zap.Bool("server", s.Server.Enabled))

	out, runErr := engine.Run(sup.Context(), task)
	if err := sup.Stop(s.Agent.CleanupTimeout); err != nil {
		logger.Warn("Background tasks did not stop cleanly", zap.Error(err))
	}
	logger.Info("Run finished",
		zap.String("run_id", out.RunID),
		zap.Int("iterations", out.Iterations),
		zap.String("reason", out.Reason))
	return runErr
}

func startVoice(cfg settings.VoiceConfig, timeout time.Duration, logger *zap.Logger, metrics *statemonitor.Metrics) (*voice.Pipeline, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: no transcription API key configured", voice.ErrUnavailable)
	}
	transcriber := voice.NewWhisperTranscriber(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Language, timeout)
	pipeline := voice.NewPipeline(voice.NewPortAudioSource(cfg.SampleRate, cfg.Block), transcriber, voice.Config{
		Detector: voice.DetectorConfig{
			SampleRate: cfg.SampleRate,
			Threshold:  cfg.Threshold,
			Silence:    cfg.Silence,
			MaxRecord:  cfg.MaxRecord,
			MinSpeech:  cfg.MinSpeech,
		},
		Workers:          cfg.Workers,
		Queue:            cfg.Queue,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		IgnoreSubstrings: cfg.IgnoreSubstrings,
	}, logger, voice.WithObserver(metrics))
	if err := pipeline.Start(); err != nil {
		_ = pipeline.Stop()
		return nil, err
	}
	return pipeline, nil
}

func readTask() string {
	fmt.Printf("Task [%s]: ", defaultTask)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if task := strings.TrimSpace(line); err == nil && task != "" {
		return task
	}
	return defaultTask
}

func listModels(cmd *cobra.Command, _ []string) error {
	s, _, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	defer logging.Sync()

	if checkModel != "" {
		if err := assistant.ValidateModel(cmd.Context(), s.LLM, checkModel); err != nil {
			return err
		}
		fmt.Printf("%s is available\n", checkModel)
		return nil
	}
	models, err := assistant.GetAvailableModels(cmd.Context(), s.LLM)
	if err != nil {
		return err
	}
	for _, m := range assistant.FilterModels(models, modelFilter) {
		fmt.Println(m)
	}
	return nil
}

func showGrid(cmd *cobra.Command, _ []string) error {
	s, logger, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	defer logging.Sync()

	encoder := vision.NewEncoder(s.Sensing.JPEGQuality)
	persister := vision.NewPersister(s.Sensing.OutputDir, s.Sensing.ModelImageHeight, encoder)
	cache := vision.NewCache(desktop.NewScreen(0), desktop.NewRobot(logger, s.Executor.ClipboardRestoreDelay), vision.CacheConfig{
		TTL:            s.Sensing.CacheTTL,
		StaleTolerance: s.Sensing.StaleTolerance,
		TargetCells:    s.Sensing.TargetCells,
		MinCells:       s.Sensing.MinCells,
	}, logger, vision.WithPersister(persister))

	e := cache.Sense(cmd.Context())
	if e.Empty {
		return errors.New("screen capture failed")
	}
	fmt.Print(vision.Summary(e))
	fmt.Printf("Saved %s\n", persister.Path(vision.GridFile))
	return nil
}
