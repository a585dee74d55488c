package cascade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"rebuildd/pkg/bus"
	"rebuildd/pkg/render"
	"rebuildd/services/events"
	"rebuildd/services/pdc"
	"rebuildd/services/tracking"
)

// Name identifies the handler in logs and policy files.
const Name = "MBSModuleStateChangeHandler"

// Namespace is the distgit namespace module repositories live in.
const Namespace = "modules"

var (
	// ErrDuplicateBuild means more than one tracked build shares an MBS build id.
	ErrDuplicateBuild = errors.New("duplicate tracked build")
	// ErrUnsupportedEvent is returned by Handle for events CanHandle rejects.
	ErrUnsupportedEvent = errors.New("unsupported event")
)

// Store is the build-tracking persistence the handler needs.
type Store interface {
	Reconcile(ctx context.Context, buildID int64, typ tracking.ArtifactType, fn tracking.ReconcileFunc) error
	RecordBuild(ctx context.Context, evt events.Event, name, branch string, typ tracking.ArtifactType, buildID int64) (*tracking.ArtifactBuild, error)
	BuildsForEvent(ctx context.Context, messageID string) (*tracking.Event, []tracking.ArtifactBuild, error)
}

// DependencyIndex finds modules that build-depend on a module stream.
type DependencyIndex interface {
	Dependents(ctx context.Context, depName, depStream string, activeOnly bool) ([]pdc.Module, error)
}

// Policy decides whether a candidate may be rebuilt.
type Policy interface {
	Allowed(handler, artifactType, name, branch string) bool
}

// Bumper creates a new revision in a distgit repository.
type Bumper interface {
	Bump(ctx context.Context, namespace, name, branch, message string) (rev string, err error)
}

// Builder submits module builds. ok is false when no trackable build resulted.
type Builder interface {
	BuildModule(ctx context.Context, name, branch, rev string) (buildID int64, ok bool, err error)
}

// Renderer produces commit messages.
type Renderer interface {
	Render(name string, data any) (string, error)
}

// Deps holds the handler's collaborators.
type Deps struct {
	Store    Store
	Index    DependencyIndex
	Policy   Policy
	Bumper   Bumper
	Builder  Builder
	Renderer Renderer
	Logger   zerolog.Logger
	Metrics  *Metrics
	Tracer   trace.Tracer
	Now      func() time.Time
}

// Handler rebuilds modules that depend on a module whose build became ready,
// after reconciling the state of the build it was told about.
type Handler struct {
	store    Store
	index    DependencyIndex
	policy   Policy
	bumper   Bumper
	builder  Builder
	renderer Renderer
	log      zerolog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// New constructs a Handler from deps.
func New(deps Deps) (*Handler, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Index == nil:
		return nil, errors.New("dependency index is required")
	case deps.Policy == nil:
		return nil, errors.New("policy is required")
	case deps.Bumper == nil:
		return nil, errors.New("bumper is required")
	case deps.Builder == nil:
		return nil, errors.New("builder is required")
	case deps.Renderer == nil:
		return nil, errors.New("renderer is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("rebuildd/cascade")
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Handler{
		store:    deps.Store,
		index:    deps.Index,
		policy:   deps.Policy,
		bumper:   deps.Bumper,
		builder:  deps.Builder,
		renderer: deps.Renderer,
		log:      deps.Logger.With().Str("handler", Name).Logger(),
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		now:      deps.Now,
	}, nil
}

func (h *Handler) Name() string { return Name }

// CanHandle accepts module state changes only.
func (h *Handler) CanHandle(evt events.Event) bool {
	switch evt.(type) {
	case *events.ModuleStateChange:
		return true
	default:
		return false
	}
}

// Handle reconciles the tracked build for evt and, when the build is ready,
// bumps and rebuilds every allowed dependent module. A failure for one
// dependent does not stop the others; all such failures are returned together.
// Dependents already rebuilt for the same message are skipped, so a
// redelivered event only retries the ones that failed.
func (h *Handler) Handle(ctx context.Context, evt events.Event) ([]events.Event, error) {
	e, ok := evt.(*events.ModuleStateChange)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %T", Name, ErrUnsupportedEvent, evt)
	}

	ctx, span := h.tracer.Start(ctx, "cascade.Handle", trace.WithAttributes(
		attribute.String("module.name", e.Module),
		attribute.String("module.stream", e.Stream),
		attribute.Int64("module.build_id", e.BuildID),
		attribute.String("module.state", string(e.State)),
	))
	defer span.End()

	log := h.log.With().
		Str("msg_id", e.MessageID).
		Str("module", e.Module).
		Str("stream", e.Stream).
		Int64("build_id", e.BuildID).
		Str("state", string(e.State)).
		Logger()

	if err := h.reconcile(ctx, e, log); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if e.State != events.ModuleStateReady {
		return []events.Event{}, nil
	}

	if err := h.cascade(ctx, e, log); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return []events.Event{}, nil
}

// trackedState maps an MBS state onto the tracked build state it implies.
func trackedState(s events.ModuleState) (tracking.BuildState, bool) {
	switch s {
	case events.ModuleStateReady:
		return tracking.BuildStateDone, true
	case events.ModuleStateFailed:
		return tracking.BuildStateFailed, true
	default:
		return 0, false
	}
}

func (h *Handler) reconcile(ctx context.Context, e *events.ModuleStateChange, log zerolog.Logger) error {
	var applied *tracking.ArtifactBuild

	err := h.store.Reconcile(ctx, e.BuildID, tracking.ArtifactTypeModule, func(builds []tracking.ArtifactBuild) ([]tracking.ArtifactBuild, error) {
		switch len(builds) {
		case 0:
			return nil, nil
		case 1:
		default:
			return nil, bus.Terminal(fmt.Errorf("%w: %d module builds with build id %d", ErrDuplicateBuild, len(builds), e.BuildID))
		}

		state, mapped := trackedState(e.State)
		if !mapped {
			return nil, nil
		}

		b := builds[0]
		b.State = state
		if state.Terminal() {
			now := h.now()
			b.TimeCompleted = &now
		}
		applied = &b
		return []tracking.ArtifactBuild{b}, nil
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateBuild) {
			log.Error().Err(err).Msg("tracked builds are inconsistent")
		}
		return fmt.Errorf("reconcile build %d: %w", e.BuildID, err)
	}

	if applied == nil {
		log.Debug().Msg("no tracked build changed")
		return nil
	}
	h.metrics.Reconciled.WithLabelValues(applied.State.String()).Inc()
	log.Info().
		Int64("artifact_build_id", applied.ID).
		Str("artifact", applied.Name).
		Str("new_state", applied.State.String()).
		Msg("updated tracked build")
	return nil
}

func (h *Handler) cascade(ctx context.Context, e *events.ModuleStateChange, log zerolog.Logger) error {
	deps, err := h.index.Dependents(ctx, e.Module, e.Stream, true)
	if err != nil {
		return fmt.Errorf("query modules depending on %s:%s: %w", e.Module, e.Stream, err)
	}
	log.Info().Int("dependents", len(deps)).Msg("found dependent modules")

	done, err := h.rebuilt(ctx, e.MessageID)
	if err != nil {
		return fmt.Errorf("load builds for message %s: %w", e.MessageID, err)
	}

	var errs error
	for _, m := range deps {
		if done[rebuildKey{m.Name, m.Version}] {
			log.Info().Str("dependent", m.Name).Str("branch", m.Version).Msg("already rebuilt for this message")
			h.metrics.Candidates.WithLabelValues(OutcomeAlreadyRebuilt).Inc()
			continue
		}
		outcome, err := h.rebuild(ctx, e, m, log)
		h.metrics.Candidates.WithLabelValues(outcome).Inc()
		if err != nil {
			log.Error().Err(err).Str("dependent", m.Name).Str("branch", m.Version).Msg("rebuild failed")
			errs = multierr.Append(errs, fmt.Errorf("%s:%s: %w", m.Name, m.Version, err))
		}
	}
	return errs
}

type rebuildKey struct {
	name, branch string
}

// rebuilt returns the module builds already recorded for messageID.
func (h *Handler) rebuilt(ctx context.Context, messageID string) (map[rebuildKey]bool, error) {
	_, builds, err := h.store.BuildsForEvent(ctx, messageID)
	if errors.Is(err, tracking.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	done := make(map[rebuildKey]bool, len(builds))
	for _, b := range builds {
		if b.Type == tracking.ArtifactTypeModule {
			done[rebuildKey{b.Name, b.Branch}] = true
		}
	}
	return done, nil
}

func (h *Handler) rebuild(ctx context.Context, e *events.ModuleStateChange, m pdc.Module, log zerolog.Logger) (string, error) {
	log = log.With().Str("dependent", m.Name).Str("branch", m.Version).Logger()
	artifactType := tracking.ArtifactTypeModule.String()

	if !h.policy.Allowed(Name, artifactType, m.Name, m.Version) {
		log.Info().Msg("skipping module not allowed by policy")
		return OutcomeSkipped, nil
	}

	msg, err := h.renderer.Render(render.BumpCommit, struct{ Module string }{Module: e.Module})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("render commit message: %w", err)
	}

	rev, err := h.bumper.Bump(ctx, Namespace, m.Name, m.Version, msg)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("bump: %w", err)
	}

	buildID, ok, err := h.builder.BuildModule(ctx, m.Name, m.Version, rev)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("build %s: %w", rev, err)
	}
	if !ok {
		log.Info().Str("rev", rev).Msg("no trackable build was started")
		return OutcomeDeduplicated, nil
	}

	b, err := h.store.RecordBuild(ctx, e, m.Name, m.Version, tracking.ArtifactTypeModule, buildID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("record build %d: %w", buildID, err)
	}
	log.Info().
		Str("rev", rev).
		Int64("build_id", buildID).
		Int64("artifact_build_id", b.ID).
		Msg("triggered rebuild")
	return OutcomeDispatched, nil
}
