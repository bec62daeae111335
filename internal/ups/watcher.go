package ups

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/upstra/upstra/internal/eventlog"
	"github.com/upstra/upstra/internal/plan"
)

// ShutdownEngine runs the forward plan.
type ShutdownEngine interface {
	Run(ctx context.Context, p *plan.Plan) error
}

// RollbackEngine replays the active run in reverse.
type RollbackEngine interface {
	Run(ctx context.Context, grace plan.Grace) error
}

// RunStore is the slice of the event log the watcher needs: status markers
// and the persisted run pointer.
type RunStore interface {
	MarkStatus(status eventlog.Status) error
	PeekRun() (string, error)
}

const defaultPollInterval = 5 * time.Second

// Watcher tails the UPS log and invokes the engines on state transitions.
// Transitions are handled in the watch loop itself, so engine invocations
// never overlap.
type Watcher struct {
	logPath  string
	plan     *plan.Plan
	shutdown ShutdownEngine
	rollback RollbackEngine
	store    RunStore

	pollInterval time.Duration
	countdown    func(ctx context.Context, seconds int, desc string)

	state    Status
	migrated bool
}

// NewWatcher wires a UPS watcher for one plan.
func NewWatcher(logPath string, p *plan.Plan, shutdown ShutdownEngine, rollback RollbackEngine, store RunStore) *Watcher {
	return &Watcher{
		logPath:      logPath,
		plan:         p,
		shutdown:     shutdown,
		rollback:     rollback,
		store:        store,
		pollInterval: defaultPollInterval,
		countdown:    countdownBar,
		state:        StatusUnknown,
	}
}

// Run watches the log until the context is cancelled. File notifications
// come from fsnotify; a poll ticker backs them up, and carries the whole
// load when the watch cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	if status, err := ReadLogStatus(w.logPath); err == nil {
		w.state = status
		log.WithFields(log.Fields{"log": w.logPath, "status": status}).Info("UPS watcher started")
	} else {
		log.WithError(err).Warn("UPS log not readable yet, waiting for it to appear")
	}

	// A run pointer left by a previous process means a shutdown ran and its
	// rollback is still owed, typically because the watcher host itself lost
	// power. Pick the run up instead of starting from a blank slate.
	if runID, err := w.store.PeekRun(); err == nil {
		w.migrated = true
		log.WithField("run_id", runID).Info("Found open migration run, rollback pending")
	}

	var notifications chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		// Watch the directory: upslog recreates the file on rotation.
		if err := watcher.Add(filepath.Dir(w.logPath)); err == nil {
			notifications = make(chan fsnotify.Event, 1)
			go forwardEvents(watcher, w.logPath, notifications)
			defer watcher.Close()
		} else {
			log.WithError(err).Warn("Falling back to polling the UPS log")
			watcher.Close()
		}
	} else {
		log.WithError(err).Warn("Falling back to polling the UPS log")
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notifications:
		case <-ticker.C:
		}

		if err := w.evaluate(ctx); err != nil {
			return err
		}
	}
}

func forwardEvents(watcher *fsnotify.Watcher, logPath string, out chan<- fsnotify.Event) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				close(out)
				return
			}
			if event.Name != logPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Never block: a notification that finds the buffer full is
				// already covered by the pending one, and after Run returns
				// nobody drains the channel.
				select {
				case out <- event:
				default:
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				close(out)
				return
			}
			log.WithError(err).Warn("UPS log watch error")
		}
	}
}

// evaluate re-reads the log and applies at most one state transition. The
// returned error is fatal (durability failure from an engine).
func (w *Watcher) evaluate(ctx context.Context) error {
	status, err := ReadLogStatus(w.logPath)
	if err != nil || status == StatusUnknown {
		return nil
	}
	if status == w.state {
		return nil
	}

	previous := w.state
	w.state = status
	log.WithFields(log.Fields{"from": previous, "to": status}).Info("UPS power state changed")

	switch status {
	case StatusOnBattery:
		return w.onPowerFailure(ctx)
	case StatusOnLine:
		return w.onPowerRestored(ctx)
	}
	return nil
}

// onPowerFailure marks the failure, waits out the shutdown grace and runs
// the forward plan if the site is still on battery.
func (w *Watcher) onPowerFailure(ctx context.Context) error {
	if err := w.store.MarkStatus(eventlog.StatusPowerFailure); err != nil {
		log.WithError(err).Error("Failed to record POWER_FAILURE marker")
	}

	w.countdown(ctx, w.plan.Grace.ShutdownGrace, "Power failure, shutdown in")
	if ctx.Err() != nil {
		return ctx.Err()
	}

	// A flap during the grace period cancels the shutdown.
	if status, err := ReadLogStatus(w.logPath); err == nil && status == StatusOnLine {
		log.Info("Power returned during grace period, shutdown cancelled")
		w.state = StatusOnLine
		return nil
	}

	log.Info("Grace period expired, launching shutdown plan")
	if err := w.shutdown.Run(ctx, w.plan); err != nil {
		return err
	}
	w.migrated = true
	return nil
}

// onPowerRestored waits out the restart grace and rolls the last run back.
func (w *Watcher) onPowerRestored(ctx context.Context) error {
	if !w.migrated {
		// The flag only tracks runs this process launched; the pointer file
		// is the durable truth.
		if _, err := w.store.PeekRun(); err != nil {
			log.Info("Power restored, no shutdown to roll back")
			return nil
		}
		log.Info("Open migration run found, rolling it back")
		w.migrated = true
	}

	w.countdown(ctx, w.plan.Grace.RestartGrace, "Power restored, rollback in")
	if ctx.Err() != nil {
		return ctx.Err()
	}

	log.Info("Launching rollback plan")
	err := w.rollback.Run(ctx, w.plan.Grace)
	if errors.Is(err, eventlog.ErrNoRun) {
		log.Warn("No active run to roll back")
		w.migrated = false
		return nil
	}
	if err != nil {
		return err
	}

	w.migrated = false
	return nil
}
