// Package scheduler decides which pending task runs next. Selection is a
// pure function over a snapshot of the task pool; the polling loop
// re-derives the snapshot from unhandled inbox items on every tick.
package scheduler

import (
	"time"

	"keeper/app/config"
	"keeper/app/db/models"
	"keeper/app/faults"
	"keeper/app/states"
	"keeper/app/stores"
	"keeper/pkg/contextx"

	"github.com/sirupsen/logrus"
)

// SelectTask picks at most one task from the pool. A maintainer whose
// workflow has a planner pending is suppressed: the fix would be based on a
// stale script. Tasks without a workflow are never suppressed. Priority is
// planner, worker, maintainer; creation order breaks ties.
func SelectTask(tasks []*models.Task) *models.Task {
	plannerWorkflows := map[string]bool{}
	for _, task := range tasks {
		if states.TaskType(task.Type) == states.TaskPlanner && task.WorkflowID != "" {
			plannerWorkflows[task.WorkflowID] = true
		}
	}

	var pool []*models.Task
	for _, task := range tasks {
		if states.TaskType(task.Type) == states.TaskMaintainer &&
			task.WorkflowID != "" && plannerWorkflows[task.WorkflowID] {
			continue
		}
		pool = append(pool, task)
	}

	for _, taskType := range states.TaskTypePriority {
		var selected *models.Task
		for _, task := range pool {
			if states.TaskType(task.Type) != taskType {
				continue
			}
			if selected == nil || earlier(task, selected) {
				selected = task
			}
		}
		if selected != nil {
			return selected
		}
	}
	return nil
}

func earlier(a, b *models.Task) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// TaskRunner executes the selected task; the agent layer provides it.
type TaskRunner interface {
	Run(ctx *contextx.Context, task *models.Task, item *models.InboxItem) error
}

type RunnerFunc func(ctx *contextx.Context, task *models.Task, item *models.InboxItem) error

func (f RunnerFunc) Run(ctx *contextx.Context, task *models.Task, item *models.InboxItem) error {
	return f(ctx, task, item)
}

type Scheduler struct {
	tasks      *stores.TaskStore
	inbox      *stores.InboxStore
	runner     TaskRunner
	delay      time.Duration
	maxRetries int
	retryBase  time.Duration
	log        *logrus.Entry
	stop       chan struct{}
	done       chan struct{}
}

func New(cfg config.SchedulerConfig, tasks *stores.TaskStore, inbox *stores.InboxStore, runner TaskRunner, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		tasks:      tasks,
		inbox:      inbox,
		runner:     runner,
		delay:      time.Duration(cfg.Delay) * time.Millisecond,
		maxRetries: cfg.MaxRetries,
		retryBase:  time.Duration(cfg.RetryBackoff * float64(time.Second)),
		log:        logger.WithField("name", "scheduler"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// retryDelay doubles the base interval per past attempt.
func retryDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.delay)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.Tick(contextx.NewContext()); err != nil {
					s.log.Errorf("Scheduling tick failed, error: %s", err.Error())
				}
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Tick runs one scheduling round: derive the pool, select, execute.
// Selection cannot fail; running the task can, and routing the failure is
// handled here per kind.
func (s *Scheduler) Tick(ctx *contextx.Context) error {
	items, err := s.inbox.GetUnhandled(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	itemByTask := map[string]*models.InboxItem{}
	var taskIDs []string
	for _, item := range items {
		if item.Target != "task" {
			continue
		}
		if _, ok := itemByTask[item.TargetID]; ok {
			continue
		}
		itemByTask[item.TargetID] = item
		taskIDs = append(taskIDs, item.TargetID)
	}

	tasks, err := s.tasks.GetByIDs(ctx, taskIDs)
	if err != nil {
		return err
	}

	task := SelectTask(tasks)
	if task == nil {
		return nil
	}
	item := itemByTask[task.ID]

	runCtx := ctx.Clone()
	runCtx.Set("workflow", task.WorkflowID)
	err = s.runner.Run(runCtx, task, item)
	if err == nil {
		s.log.WithField("workflow", runCtx.GetWorkflowID()).
			Infof("Task %s (%s) finished", task.ID, task.Type)
		return s.inbox.MarkHandled(ctx, item.ID)
	}

	// a pause is a clean abort, not a failure; never retried
	if faults.IsWorkflowPaused(err) {
		s.log.Infof("Task %s aborted, workflow paused", task.ID)
		task.State = "paused"
		if updErr := s.tasks.Update(ctx, task, "State"); updErr != nil {
			return updErr
		}
		return s.inbox.MarkHandled(ctx, item.ID)
	}

	kind := faults.KindOf(err)
	s.log.Errorf("Task %s failed [kind=%s, route=%s]: %s", task.ID, kind, faults.RouteFor(kind), err.Error())
	if kind == faults.KindNetwork && item.Attempts < s.maxRetries {
		// deferred with backoff; the item surfaces again once due
		nextAt := time.Now().UTC().Add(retryDelay(s.retryBase, item.Attempts))
		s.log.Infof("Task %s deferred, retry %d/%d at %s", task.ID, item.Attempts+1, s.maxRetries, nextAt.Format(time.RFC3339))
		return s.inbox.Defer(ctx, item.ID, nextAt)
	}
	task.State = "error"
	task.Error = err.Error()
	if updErr := s.tasks.Update(ctx, task, "State", "Error"); updErr != nil {
		return updErr
	}
	return s.inbox.MarkHandled(ctx, item.ID)
}
