package memory

import (
	"context"
	"errors"

	"github.com/tessellate-ai/ltm/internal/apierrors"
	"github.com/tessellate-ai/ltm/internal/embeddings"
	"github.com/tessellate-ai/ltm/internal/graphdb"
	"github.com/tessellate-ai/ltm/internal/kvstore"
	"github.com/tessellate-ai/ltm/internal/vectordb"
)

// classify folds adapter sentinels into the error taxonomy. Coded
// errors pass through untouched so validation detail survives the trip
// up the stack.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apierrors.Error
	if errors.As(err, &apiErr) {
		return err
	}
	switch {
	case errors.Is(err, embeddings.ErrUnavailable):
		return apierrors.Wrap(apierrors.CodeEmbedUnavailable, "embedding provider unavailable", err)
	case errors.Is(err, vectordb.ErrUnavailable),
		errors.Is(err, graphdb.ErrUnavailable),
		errors.Is(err, kvstore.ErrUnavailable):
		return apierrors.Wrap(apierrors.CodeBackendUnavailable, op+": backend unavailable", err)
	case errors.Is(err, vectordb.ErrNotFound),
		errors.Is(err, kvstore.ErrKeyNotFound):
		return apierrors.Wrap(apierrors.CodeNotFound, op+": record not found", err)
	case errors.Is(err, graphdb.ErrCypherUnsupported):
		return apierrors.Wrap(apierrors.CodeValidation, "raw cypher requires a configured graph backend", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apierrors.Wrap(apierrors.CodeTimeout, op+": deadline exceeded", err)
	default:
		return apierrors.Wrap(apierrors.CodeInternal, op+" failed", err)
	}
}
