package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	errs "github.com/alexjbarnes/keysync/internal/errors"
	"github.com/alexjbarnes/keysync/internal/queue"
)

// Queued payloads are stored as JSON, so key bytes travel as base64
// strings.

func uploadPayload(userID string, components map[string][]byte) map[string]any {
	encoded := make(map[string]any, len(components))
	for keyType, data := range components {
		encoded[keyType] = base64.StdEncoding.EncodeToString(data)
	}

	return map[string]any{"user_id": userID, "components": encoded}
}

func decodeComponents(op queue.Operation) (map[string][]byte, error) {
	raw, ok := op.Payload["components"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s %s has no components", errs.ErrPermanent, op.Type, op.ID)
	}

	out := make(map[string][]byte, len(raw))

	for keyType, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: component %s is not a string", errs.ErrPermanent, keyType)
		}

		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: component %s: %w", errs.ErrPermanent, keyType, err)
		}

		out[keyType] = data
	}

	return out, nil
}

func payloadUser(op queue.Operation) (string, error) {
	userID, ok := op.PayloadString("user_id")
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: %s %s has no user_id", errs.ErrPermanent, op.Type, op.ID)
	}

	return userID, nil
}

// requireOnline fails fast so an offline retry round does not wait out
// the directory timeout.
func (e *Engine) requireOnline() error {
	if !e.monitor.Online() {
		return errs.ErrOffline
	}

	return nil
}

func (e *Engine) handleUpload(ctx context.Context, op queue.Operation) error {
	userID, err := payloadUser(op)
	if err != nil {
		return err
	}

	components, err := decodeComponents(op)
	if err != nil {
		return err
	}

	if err := e.requireOnline(); err != nil {
		return err
	}

	return e.sync.PublishLocalKeys(ctx, userID, components)
}

func (e *Engine) handleSync(ctx context.Context, op queue.Operation) error {
	userID, err := payloadUser(op)
	if err != nil {
		return err
	}

	if err := e.requireOnline(); err != nil {
		return err
	}

	_, err = e.sync.ForceSyncUserKeys(ctx, userID, e.cacheBundle)

	return err
}

// handleFetch warms the cache for a fetch requested while offline.
func (e *Engine) handleFetch(ctx context.Context, op queue.Operation) error {
	userID, err := payloadUser(op)
	if err != nil {
		return err
	}

	if err := e.requireOnline(); err != nil {
		return err
	}

	b, err := e.download(ctx, userID)
	switch {
	case errors.Is(err, errNoBundle):
		return nil
	case err != nil:
		return err
	}

	e.cacheBundle(b)

	return nil
}

func (e *Engine) handleDelete(ctx context.Context, op queue.Operation) error {
	userID, err := payloadUser(op)
	if err != nil {
		return err
	}

	if err := e.requireOnline(); err != nil {
		return err
	}

	if err := e.sync.DeleteUserKeys(ctx, userID); err != nil {
		return err
	}

	e.cache.InvalidateUser(userID)

	return nil
}
