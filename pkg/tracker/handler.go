package tracker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wilhg/footprint/pkg/errmodel"
	"github.com/wilhg/footprint/pkg/owner"
	"github.com/wilhg/footprint/pkg/queue"
	"github.com/wilhg/footprint/pkg/store"
)

// TaskHandler replays deferred tracking requests. It implements queue.Handler.
type TaskHandler struct {
	rec    recorder
	owners *owner.Registry
	log    *zap.Logger
}

var _ queue.Handler = (*TaskHandler)(nil)

// NewTaskHandler returns a handler writing to st. Owners are re-resolved
// through owners before anything is written.
func NewTaskHandler(st store.Store, owners *owner.Registry, enricher *Enricher, opts ...Option) *TaskHandler {
	o := newOptions(opts)
	if enricher == nil {
		enricher = o.enricher
	}
	return &TaskHandler{
		rec:    recorder{st: st, enricher: enricher, now: o.now},
		owners: owners,
		log:    o.log,
	}
}

// Handle implements queue.Handler.
func (h *TaskHandler) Handle(ctx context.Context, t queue.Task) error {
	_, err := h.Perform(ctx, t.OwnerType, t.OwnerID, t.Attributes)
	return err
}

// Perform creates the footprint described by attrs for the owner. It returns
// (nil, nil) when the owner no longer exists.
func (h *TaskHandler) Perform(ctx context.Context, ownerType, ownerID string, attrs any) (*store.Footprint, error) {
	tr := otel.Tracer("tracker/handler")
	ctx, span := tr.Start(ctx, "TaskHandler.Perform", trace.WithAttributes(
		attribute.String("owner.type", ownerType),
		attribute.String("owner.id", ownerID),
	))
	defer span.End()

	ref := store.Reference{Type: ownerType, ID: ownerID}
	if err := h.owners.Resolve(ctx, ref); err != nil {
		switch {
		case errors.Is(err, owner.ErrNotFound):
			h.log.Info("owner gone, skipping footprint", zap.Stringer("owner", ref))
			span.SetAttributes(attribute.Bool("owner.missing", true))
			return nil, nil
		case errors.Is(err, owner.ErrUnknownType):
			err = errmodel.Validation("unknown_owner_type", fmt.Sprintf("no lookup registered for owner type %q", ownerType),
				map[string]any{"owner_type": ownerType})
		default:
			err = fmt.Errorf("resolve owner %s: %w", ref, err)
		}
		span.RecordError(err)
		return nil, err
	}

	a, err := NormalizeAttributes(attrs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	f := a.Footprint(ref)
	if err := h.rec.create(ctx, f, nil, a.GeoAttempted); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("footprint.id", f.ID))
	return f, nil
}
