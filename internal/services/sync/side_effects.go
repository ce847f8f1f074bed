package sync

import (
	"context"
	"errors"

	"github.com/TheMichaelB/davsync/internal/e2e"
	"github.com/TheMichaelB/davsync/internal/events"
	"github.com/TheMichaelB/davsync/internal/models"
)

// SideEffects refresh account level state when the root folder is
// synchronized on its own.
type SideEffects interface {
	RefreshCapabilities(ctx context.Context) error
	RefreshDirectEditing(ctx context.Context) error
	RefreshPredefinedStatuses(ctx context.Context) error
	RefreshUserProfile(ctx context.Context) error
}

// AccountRefresher is the default SideEffects. Only the encryption
// capability matters to the engine; the rest is logged.
type AccountRefresher struct {
	e2e    *e2e.Manager
	logger *events.Logger
}

// NewAccountRefresher creates the default side effects. manager may be nil.
func NewAccountRefresher(manager *e2e.Manager, logger *events.Logger) *AccountRefresher {
	return &AccountRefresher{
		e2e:    manager,
		logger: logger.WithField("component", "account_refresh"),
	}
}

func (a *AccountRefresher) RefreshCapabilities(ctx context.Context) error {
	if a.e2e == nil {
		return nil
	}
	err := a.e2e.RefreshCapabilities(ctx)
	if errors.Is(err, models.ErrNotEncrypted) {
		a.logger.Debug("End-to-end encryption disabled on server")
		return nil
	}
	return err
}

func (a *AccountRefresher) RefreshDirectEditing(context.Context) error {
	a.logger.Debug("Direct editing refresh skipped")
	return nil
}

func (a *AccountRefresher) RefreshPredefinedStatuses(context.Context) error {
	a.logger.Debug("Predefined status refresh skipped")
	return nil
}

func (a *AccountRefresher) RefreshUserProfile(context.Context) error {
	a.logger.Debug("User profile refresh skipped")
	return nil
}

func runSideEffects(ctx context.Context, effects SideEffects, logger *events.Logger) {
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"capabilities", effects.RefreshCapabilities},
		{"direct_editing", effects.RefreshDirectEditing},
		{"predefined_statuses", effects.RefreshPredefinedStatuses},
		{"user_profile", effects.RefreshUserProfile},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			logger.WithError(err).WithField("step", step.name).Warn("Account refresh failed")
		}
	}
}
