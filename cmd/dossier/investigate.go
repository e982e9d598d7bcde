package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Kocoro-lab/dossier/internal/config"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/oracle"
	"github.com/Kocoro-lab/dossier/internal/research"
	"github.com/Kocoro-lab/dossier/internal/sources"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

// taskFile is the on-disk form of a decomposed question.
type taskFile struct {
	Question string                 `yaml:"question"`
	Tasks    []*models.ResearchTask `yaml:"tasks"`
}

func loadRequest(path, question string) (research.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return research.Request{}, fmt.Errorf("read tasks: %w", err)
	}
	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return research.Request{}, fmt.Errorf("parse tasks %s: %w", path, err)
	}
	req := research.Request{Question: f.Question, Tasks: f.Tasks}
	if question != "" {
		req.Question = question
	}
	if err := req.Validate(); err != nil {
		return research.Request{}, err
	}
	return req, nil
}

func investigateCmd(g *globalOptions) *cobra.Command {
	var (
		question  string
		tasksPath string
		outPath   string
		offline   bool
		llmURL    string
	)
	cmd := &cobra.Command{
		Use:   "investigate",
		Short: "Run an investigation in-process and print the synthesis input",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tasksPath == "" {
				return fmt.Errorf("--tasks is required")
			}
			req, err := loadRequest(tasksPath, question)
			if err != nil {
				return err
			}
			logger, err := g.logger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			settings, err := config.LoadSettings(g.configDir)
			if err != nil {
				return err
			}

			var orc oracle.Oracle = oracle.NewHeuristic()
			if !offline {
				orc = oracle.NewLLMClient(llmURL,
					oracle.WithLogger(logger),
					oracle.WithMaxEntities(settings.Research.Run.MaxEntitiesPerCall))
			}
			registry, closeSources := sources.NewDefaultRegistry(credentialsFromEnv(), settings.Sources, nil, logger)
			defer closeSources()

			events := streaming.NewManager(256, logger)
			req.RunID = uuid.NewString()
			progress := events.Subscribe(req.RunID, 64)
			done := make(chan struct{})
			go func() {
				defer close(done)
				logProgress(logger, progress)
			}()
			orchestrator := research.NewOrchestrator(research.StaticSettings(settings), research.Dependencies{
				Sources: registry,
				Oracle:  orc,
				Events:  events,
				Logger:  logger,
			}, research.WithRunner("cli"))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out, err := orchestrator.Investigate(ctx, req)
			events.Unsubscribe(req.RunID, progress)
			<-done
			if err != nil && out == nil {
				return err
			}
			if err != nil {
				logger.Warn("Investigation interrupted; writing partial output", zap.Error(err))
			}
			return writeOutput(cmd.OutOrStdout(), outPath, out)
		},
	}
	cmd.Flags().StringVarP(&question, "question", "q", "", "Question (overrides the one in the tasks file)")
	cmd.Flags().StringVarP(&tasksPath, "tasks", "f", "", "YAML file with question and tasks")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write JSON output here instead of stdout")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use the heuristic oracle instead of the LLM service")
	cmd.Flags().StringVar(&llmURL, "llm-url", envOr("LLM_SERVICE_URL", "http://localhost:8000"), "LLM service base URL")
	return cmd
}

// logProgress prints run events until the channel closes.
func logProgress(logger *zap.Logger, events <-chan streaming.Event) {
	for evt := range events {
		fields := []zap.Field{zap.String("event", evt.Type)}
		if evt.TaskID != "" {
			fields = append(fields, zap.String("task_id", evt.TaskID))
		}
		if evt.HypothesisID != 0 {
			fields = append(fields, zap.Int("hypothesis_id", evt.HypothesisID))
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", evt.Source))
		}
		msg := evt.Message
		if msg == "" {
			msg = evt.Type
		}
		logger.Info(msg, fields...)
	}
}

func writeOutput(stdout io.Writer, path string, out *research.SynthesisInput) error {
	w := stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func credentialsFromEnv() sources.Credentials {
	return sources.Credentials{
		BraveAPIKey:    os.Getenv("BRAVE_API_KEY"),
		CongressAPIKey: os.Getenv("CONGRESS_API_KEY"),
		SAMAPIKey:      os.Getenv("SAM_API_KEY"),
		ChromePath:     os.Getenv("CHROME_PATH"),
		BrowserWorkers: 1,
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
