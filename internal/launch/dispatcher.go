// Package launch fans a finished launch out to the analysis subscribers.
package launch

import (
	"context"
	"errors"
	"fmt"

	"github.com/msageha/launchanalyzer/internal/autoanalysis"
	"github.com/msageha/launchanalyzer/internal/logging"
	"github.com/msageha/launchanalyzer/internal/model"
	"github.com/msageha/launchanalyzer/internal/worker"
)

// Finished is what a subscriber receives: the committed launch and the
// project settings resolved at dispatch time.
type Finished struct {
	Launch   model.Launch
	Settings model.AnalyzerSettings
	UserID   int64
}

// Subscriber reacts to a finished launch. A returned handle tracks work
// scheduled in the background; it may be nil.
type Subscriber interface {
	Name() string
	LaunchFinished(ctx context.Context, f Finished) (*worker.Handle, error)
}

type LaunchSource interface {
	GetLaunch(ctx context.Context, id int64) (model.Launch, error)
}

type SettingsSource interface {
	AnalyzerSettings(projectID int64) model.AnalyzerSettings
}

// Dispatcher calls its subscribers in registration order.
type Dispatcher struct {
	launches    LaunchSource
	settings    SettingsSource
	subscribers []Subscriber
	logger      *logging.Logger
}

func NewDispatcher(launches LaunchSource, settings SettingsSource, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		launches: launches,
		settings: settings,
		logger:   logger.WithComponent("dispatcher"),
	}
}

// Register appends a subscriber.
func (d *Dispatcher) Register(s Subscriber) {
	d.subscribers = append(d.subscribers, s)
}

// Subscribers returns the registered subscriber names in call order.
func (d *Dispatcher) Subscribers() []string {
	names := make([]string, len(d.subscribers))
	for i, s := range d.subscribers {
		names[i] = s.Name()
	}
	return names
}

// Dispatch resolves the launch and its project settings and notifies every
// subscriber. Rejections (already running, disabled, no analyzers) are
// logged and skipped; other subscriber errors are joined and returned after
// all subscribers ran.
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.LaunchFinishedEvent) ([]*worker.Handle, error) {
	l, err := d.launches.GetLaunch(ctx, ev.LaunchID)
	if err != nil {
		return nil, fmt.Errorf("resolve launch %d: %w", ev.LaunchID, err)
	}
	if ev.ProjectID != 0 && l.ProjectID != ev.ProjectID {
		return nil, fmt.Errorf("%w: launch %d does not belong to project %d", model.ErrValidation, ev.LaunchID, ev.ProjectID)
	}
	if !l.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: launch %d has not finished (status %q)", model.ErrValidation, l.ID, l.Status)
	}

	f := Finished{
		Launch:   l,
		Settings: d.settings.AnalyzerSettings(l.ProjectID),
		UserID:   ev.UserID,
	}
	d.logger.Infof("launch finished launch=%d project=%d subscribers=%d", l.ID, l.ProjectID, len(d.subscribers))

	var handles []*worker.Handle
	var errs []error
	for _, s := range d.subscribers {
		h, err := s.LaunchFinished(ctx, f)
		switch {
		case err == nil:
			if h != nil {
				handles = append(handles, h)
			}
		case autoanalysis.IsRejection(err):
			d.logger.Infof("subscriber skipped name=%s launch=%d reason=%v", s.Name(), l.ID, err)
		default:
			d.logger.Errorf("subscriber failed name=%s launch=%d err=%v", s.Name(), l.ID, err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return handles, errors.Join(errs...)
}
