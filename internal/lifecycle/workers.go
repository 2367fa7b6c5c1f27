package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/logfields"
	"github.com/flightdeckci/flightdeck/internal/store"
	"github.com/flightdeckci/flightdeck/internal/token"
)

// RegisterWorker registers a worker agent, or re-registers a known one when
// the request carries an existing id. Re-registration refreshes the name,
// capabilities, and token but keeps the lifetime counters. The returned
// worker carries the fresh access token.
func (e *Engine) RegisterWorker(ctx context.Context, id, name string, capabilities []string) (*store.Worker, bool, error) {
	if name == "" {
		return nil, false, ferrors.ValidationError("worker name is required").Build()
	}
	now := e.now()

	accessToken, err := token.New()
	if err != nil {
		return nil, false, ferrors.WrapError(err, ferrors.CategoryInternal, "failed to mint worker token").Build()
	}

	if id != "" {
		existing, err := e.store.GetWorker(ctx, nil, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, false, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to load worker").Build()
		}
		if err == nil {
			if err := e.store.ReregisterWorker(ctx, nil, id, name, existing.DisplayName, capabilities, accessToken, now); err != nil {
				return nil, false, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to re-register worker").Build()
			}
			w, err := e.store.GetWorker(ctx, nil, id)
			if err != nil {
				return nil, false, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to load worker").Build()
			}
			e.logger.Info("worker re-registered", logfields.WorkerID(id), slog.String("name", name))
			return w, true, nil
		}
	}

	if id == "" {
		id = uuid.NewString()
	}
	w := &store.Worker{
		ID:           id,
		Name:         name,
		DisplayName:  "builder-" + shortID(id),
		Capabilities: capabilities,
		Status:       store.WorkerIdle,
		AccessToken:  accessToken,
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
	if err := e.store.InsertWorker(ctx, nil, w); err != nil {
		return nil, false, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to register worker").Build()
	}
	e.logger.Info("worker registered", logfields.WorkerID(id), slog.String("name", name))
	return w, false, nil
}

// shortID gives the stable public prefix used in display names and logs.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
