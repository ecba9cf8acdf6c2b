// Package reconciler settles indeterminate mutations by asking the external
// system what actually happened. It runs as background work, claim-based, so
// a second process or a restart never probes the same mutation twice at
// once.
package reconciler

import (
	"time"

	"keeper/app/config"
	"keeper/app/db/models"
	"keeper/app/notifications"
	"keeper/app/states"
	"keeper/app/stores"
	"keeper/pkg/contextx"

	"github.com/sirupsen/logrus"
)

// Outcome is a probe's verdict. Known=false means the external system could
// not tell either.
type Outcome struct {
	Known   bool
	Applied bool
	Result  string
	Error   string
}

// Prober re-queries the external system for a call's true effect, using the
// mutation's idempotency key. The agent/tool layer implements it.
type Prober interface {
	Probe(mutation *models.Mutation) (Outcome, error)
}

type ProberFunc func(mutation *models.Mutation) (Outcome, error)

func (f ProberFunc) Probe(mutation *models.Mutation) (Outcome, error) {
	return f(mutation)
}

type Reconciler struct {
	cfg       config.ReconcilerConfig
	mutations *stores.MutationStore
	prober    Prober
	notifier  notifications.Notifier
	log       *logrus.Entry
	stop      chan struct{}
	done      chan struct{}
}

func New(cfg config.ReconcilerConfig, mutations *stores.MutationStore, prober Prober, notifier notifications.Notifier, logger *logrus.Logger) *Reconciler {
	if notifier == nil {
		notifier = notifications.NopNotifier{}
	}
	return &Reconciler{
		cfg:       cfg,
		mutations: mutations,
		prober:    prober,
		notifier:  notifier,
		log:       logger.WithField("name", "reconciler"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Backoff is the wait before attempt n+1: base doubled per attempt, capped.
func Backoff(cfg config.ReconcilerConfig, attempts int) time.Duration {
	base := time.Duration(cfg.BaseBackoff) * time.Second
	max := time.Duration(cfg.MaxBackoff) * time.Second
	backoff := base
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

func (r *Reconciler) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(time.Duration(r.cfg.Delay) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				for {
					worked, err := r.Tick(contextx.NewContext())
					if err != nil {
						r.log.Errorf("Reconcile round failed, error: %s", err.Error())
						break
					}
					if !worked {
						break
					}
				}
			}
		}
	}()
}

func (r *Reconciler) Stop() {
	close(r.stop)
	<-r.done
}

// Tick claims and settles at most one due mutation. Returns whether any work
// was claimed.
func (r *Reconciler) Tick(ctx *contextx.Context) (bool, error) {
	now := time.Now().UTC()
	mutation, err := r.mutations.ClaimForReconcile(ctx, now)
	if err != nil {
		return false, err
	}
	if mutation == nil {
		return false, nil
	}

	outcome, probeErr := r.prober.Probe(mutation)
	if probeErr != nil {
		r.log.Warnf("Probe of mutation %s failed, error: %s", mutation.ID, probeErr.Error())
		outcome = Outcome{Known: false}
	}

	switch {
	case outcome.Known && outcome.Applied:
		r.log.Infof("Mutation %s reconciled as applied after %d attempt(s)",
			mutation.ID, mutation.ReconcileAttempts)
		return true, r.mutations.FinishReconcile(ctx, mutation.ID, stores.ReconcileOutcome{
			Status: states.MutationApplied,
			Result: outcome.Result,
		})
	case outcome.Known:
		r.log.Infof("Mutation %s reconciled as failed after %d attempt(s)",
			mutation.ID, mutation.ReconcileAttempts)
		return true, r.mutations.FinishReconcile(ctx, mutation.ID, stores.ReconcileOutcome{
			Status: states.MutationFailed,
			Error:  outcome.Error,
		})
	}

	if mutation.ReconcileAttempts >= r.cfg.MaxAttempts {
		// bounded attempts exhausted: back to indeterminate for a human
		r.log.Warnf("Mutation %s still indeterminate after %d attempt(s), needs human resolution",
			mutation.ID, mutation.ReconcileAttempts)
		err := r.mutations.FinishReconcile(ctx, mutation.ID, stores.ReconcileOutcome{
			Status: states.MutationIndeterminate,
		})
		if err != nil {
			return true, err
		}
		r.notifier.MutationNeedsAttention(mutation.ID, mutation.WorkflowID, mutation.ToolNamespace, mutation.UITitle)
		return true, nil
	}

	nextAt := now.Add(Backoff(r.cfg, mutation.ReconcileAttempts))
	return true, r.mutations.FinishReconcile(ctx, mutation.ID, stores.ReconcileOutcome{
		Status:        states.MutationNeedsReconcile,
		NextAttemptAt: &nextAt,
	})
}
