package research

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/dossier/internal/dedup"
	"github.com/Kocoro-lab/dossier/internal/metrics"
	"github.com/Kocoro-lab/dossier/internal/models"
	"github.com/Kocoro-lab/dossier/internal/oracle"
	"github.com/Kocoro-lab/dossier/internal/streaming"
)

// CoverageController decides how many of a task's hypotheses run.
type CoverageController struct {
	rc       *RunContext
	executor *HypothesisExecutor
}

func NewCoverageController(rc *RunContext) *CoverageController {
	return &CoverageController{rc: rc, executor: NewHypothesisExecutor(rc)}
}

// Run executes the task's hypotheses and leaves the merged result pool on
// the task. In coverage mode hypotheses run one at a time in their given
// order until the assessment oracle says stop or a ceiling is reached;
// otherwise they all run concurrently. The returned error is non-nil only
// for an invalid task.
func (c *CoverageController) Run(ctx context.Context, task *models.ResearchTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	rc := c.rc
	mode := "parallel"
	if rc.Settings.Research.CoverageMode {
		mode = "coverage"
	}
	log := rc.Logger.With(zap.String("task_id", task.ID), zap.String("mode", mode))

	task.SetStatus(models.StatusRunning)
	rc.emit(streaming.Event{
		Type:    streaming.EventTaskStarted,
		TaskID:  task.ID,
		Message: task.Query,
		Data:    map[string]interface{}{"hypotheses": len(task.Hypotheses), "mode": mode},
	})

	if rc.Settings.Research.CoverageMode {
		c.runSequential(ctx, task, log)
	} else {
		c.runParallel(ctx, task, log)
	}

	task.SetStatus(models.StatusCompleted)
	metrics.TasksCompleted.WithLabelValues(mode, models.StatusCompleted).Inc()
	results := task.Results()
	log.Info("Task completed",
		zap.Int("results", len(results)),
		zap.Int("hypotheses_run", len(task.Runs())))
	rc.emit(streaming.Event{
		Type:   streaming.EventTaskCompleted,
		TaskID: task.ID,
		Data: map[string]interface{}{
			"results":        len(results),
			"hypotheses_run": len(task.Runs()),
			"entities":       len(task.Entities()),
		},
	})
	return nil
}

// runParallel runs every hypothesis at once. A failing hypothesis contributes
// nothing and never cancels its siblings. Slots keep the merge order stable.
func (c *CoverageController) runParallel(ctx context.Context, task *models.ResearchTask, log *zap.Logger) {
	slots := make([][]models.Result, len(task.Hypotheses))
	var wg sync.WaitGroup
	for i, h := range task.Hypotheses {
		wg.Add(1)
		go func(i int, h *models.Hypothesis) {
			defer wg.Done()
			results, err := c.executor.Execute(ctx, task, h)
			if err != nil {
				log.Error("Hypothesis failed", zap.Int("hypothesis_id", h.ID), zap.Error(err))
				return
			}
			slots[i] = results
		}(i, h)
	}
	wg.Wait()

	merger := dedup.NewMerger()
	merger.Add(task.Results()...)
	for _, s := range slots {
		merger.Add(s...)
	}
	task.SetResults(merger.Results())
}

func (c *CoverageController) runSequential(ctx context.Context, task *models.ResearchTask, log *zap.Logger) {
	rc := c.rc
	cfg := rc.Settings.Research.Coverage
	maxTime := cfg.MaxTimePerTask()
	started := rc.now()

	merger := dedup.NewMerger()
	merger.Add(task.Results()...)

	executed := 0
	for i, h := range task.Hypotheses {
		elapsed := rc.now().Sub(started)
		if executed >= cfg.MaxHypothesesToExecute {
			c.record(task, h.ID, executed, models.CoverageMaxHypotheses, "", elapsed.Seconds(), log)
			return
		}
		if elapsed >= maxTime {
			c.record(task, h.ID, executed, models.CoverageTimeLimit, "", elapsed.Seconds(), log)
			return
		}
		if ctx.Err() != nil {
			log.Info("Task cancelled before hypothesis", zap.Int("hypothesis_id", h.ID))
			return
		}

		results, err := c.executor.Execute(ctx, task, h)
		executed++
		if err != nil {
			log.Error("Hypothesis failed", zap.Int("hypothesis_id", h.ID), zap.Error(err))
		} else {
			merger.Add(results...)
			task.SetResults(merger.Results())
		}

		if i == 0 {
			c.record(task, h.ID, executed, models.CoverageSkippedFirst, "", rc.now().Sub(started).Seconds(), log)
			continue
		}

		assessment, err := rc.Oracle.Assess(ctx, task, rc.Question, started)
		if err == nil && assessment == nil {
			err = oracle.ErrEmptyAnswer
		}
		if err != nil {
			log.Warn("Coverage assessment failed; continuing", zap.Int("hypothesis_id", h.ID), zap.Error(err))
			c.record(task, h.ID, executed, models.CoverageAssessmentFailure, err.Error(), rc.now().Sub(started).Seconds(), log)
			continue
		}
		decision := models.CoverageContinue
		if assessment.Stop() {
			decision = models.CoverageStop
		}
		c.record(task, h.ID, executed, decision, assessment.Assessment, rc.now().Sub(started).Seconds(), log)
		if decision == models.CoverageStop {
			return
		}
	}
}

func (c *CoverageController) record(task *models.ResearchTask, hypothesisID, executed int, decision, assessment string, elapsed float64, log *zap.Logger) {
	task.AppendCoverageDecision(models.CoverageDecision{
		HypothesisID:   hypothesisID,
		Executed:       executed,
		Decision:       decision,
		Assessment:     assessment,
		ElapsedSeconds: elapsed,
	})
	metrics.CoverageDecisions.WithLabelValues(decision).Inc()
	log.Info("Coverage decision",
		zap.Int("hypothesis_id", hypothesisID),
		zap.Int("executed", executed),
		zap.String("decision", decision))
	c.rc.emit(streaming.Event{
		Type:         streaming.EventCoverageDecision,
		TaskID:       task.ID,
		HypothesisID: hypothesisID,
		Message:      decision,
		Data: map[string]interface{}{
			"executed":        executed,
			"assessment":      assessment,
			"elapsed_seconds": elapsed,
		},
	})
}
