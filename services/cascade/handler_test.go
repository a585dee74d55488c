package cascade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rebuildd/pkg/bus"
	"rebuildd/pkg/render"
	"rebuildd/services/events"
	"rebuildd/services/pdc"
	"rebuildd/services/tracking"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorded struct {
	event   events.Event
	name    string
	branch  string
	typ     tracking.ArtifactType
	buildID int64
}

type fakeStore struct {
	mu        sync.Mutex
	builds    []tracking.ArtifactBuild
	recorded  []recorded
	nextID    int64
	writes    int
	eventIDs  map[string]int64
	lookupErr error
}

func (s *fakeStore) Reconcile(_ context.Context, buildID int64, typ tracking.ArtifactType, fn tracking.ReconcileFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []tracking.ArtifactBuild
	for _, b := range s.builds {
		if b.BuildID == buildID && b.Type == typ {
			matched = append(matched, b)
		}
	}
	changed, err := fn(matched)
	if err != nil {
		return err
	}
	for _, c := range changed {
		for i := range s.builds {
			if s.builds[i].ID == c.ID {
				s.builds[i] = c
				s.writes++
			}
		}
	}
	return nil
}

func (s *fakeStore) RecordBuild(_ context.Context, evt events.Event, name, branch string, typ tracking.ArtifactType, buildID int64) (*tracking.ArtifactBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.eventIDs == nil {
		s.eventIDs = map[string]int64{}
	}
	eventID, ok := s.eventIDs[evt.ID()]
	if !ok {
		eventID = int64(len(s.eventIDs) + 1)
		s.eventIDs[evt.ID()] = eventID
	}

	s.nextID++
	b := tracking.ArtifactBuild{ID: 1000 + s.nextID, Name: name, Branch: branch, Type: typ, State: tracking.BuildStateBuild, BuildID: buildID, EventID: &eventID}
	s.builds = append(s.builds, b)
	s.recorded = append(s.recorded, recorded{event: evt, name: name, branch: branch, typ: typ, buildID: buildID})
	s.writes++
	return &b, nil
}

func (s *fakeStore) BuildsForEvent(_ context.Context, messageID string) (*tracking.Event, []tracking.ArtifactBuild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupErr != nil {
		return nil, nil, s.lookupErr
	}
	eventID, ok := s.eventIDs[messageID]
	if !ok {
		return nil, nil, fmt.Errorf("event %q: %w", messageID, tracking.ErrNotFound)
	}
	var builds []tracking.ArtifactBuild
	for _, b := range s.builds {
		if b.EventID != nil && *b.EventID == eventID {
			builds = append(builds, b)
		}
	}
	return &tracking.Event{ID: eventID, MessageID: messageID}, builds, nil
}

func (s *fakeStore) build(id int64) tracking.ArtifactBuild {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.builds {
		if b.ID == id {
			return b
		}
	}
	return tracking.ArtifactBuild{}
}

type depQuery struct {
	name, stream string
	activeOnly   bool
}

type fakeIndex struct {
	modules []pdc.Module
	err     error
	queries []depQuery
}

func (f *fakeIndex) Dependents(_ context.Context, name, stream string, activeOnly bool) ([]pdc.Module, error) {
	f.queries = append(f.queries, depQuery{name, stream, activeOnly})
	return f.modules, f.err
}

type policyFunc func(handler, artifactType, name, branch string) bool

func (f policyFunc) Allowed(handler, artifactType, name, branch string) bool {
	return f(handler, artifactType, name, branch)
}

func allowAll(string, string, string, string) bool { return true }

type bumpCall struct {
	namespace, name, branch, message string
}

type fakeBumper struct {
	revs  map[string]string
	errs  map[string]error
	calls []bumpCall
	log   *[]string
}

func (f *fakeBumper) Bump(_ context.Context, namespace, name, branch, message string) (string, error) {
	f.calls = append(f.calls, bumpCall{namespace, name, branch, message})
	if f.log != nil {
		*f.log = append(*f.log, "bump:"+name)
	}
	if err := f.errs[name]; err != nil {
		return "", err
	}
	if rev, ok := f.revs[name]; ok {
		return rev, nil
	}
	return "rev-" + name, nil
}

type buildCall struct {
	name, branch, rev string
}

type buildResult struct {
	id  int64
	ok  bool
	err error
}

type fakeBuilder struct {
	results map[string]buildResult
	calls   []buildCall
	log     *[]string
}

func (f *fakeBuilder) BuildModule(_ context.Context, name, branch, rev string) (int64, bool, error) {
	f.calls = append(f.calls, buildCall{name, branch, rev})
	if f.log != nil {
		*f.log = append(*f.log, "build:"+name)
	}
	r, ok := f.results[name]
	if !ok {
		return 0, false, nil
	}
	return r.id, r.ok, r.err
}

type fixture struct {
	store   *fakeStore
	index   *fakeIndex
	bumper  *fakeBumper
	builder *fakeBuilder
	metrics *Metrics
	handler *Handler
	calls   []string
}

func newFixture(t *testing.T, allowed policyFunc) *fixture {
	t.Helper()
	f := &fixture{
		store:   &fakeStore{},
		index:   &fakeIndex{},
		metrics: NewMetrics(nil),
	}
	f.bumper = &fakeBumper{log: &f.calls}
	f.builder = &fakeBuilder{results: map[string]buildResult{}, log: &f.calls}

	engine, err := render.New()
	require.NoError(t, err)

	h, err := New(Deps{
		Store:    f.store,
		Index:    f.index,
		Policy:   allowed,
		Bumper:   f.bumper,
		Builder:  f.builder,
		Renderer: engine,
		Logger:   zerolog.Nop(),
		Metrics:  f.metrics,
		Now:      func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	f.handler = h
	return f
}

func (f *fixture) track(id, buildID int64, typ tracking.ArtifactType, state tracking.BuildState) {
	f.store.builds = append(f.store.builds, tracking.ArtifactBuild{ID: id, Name: "platform", Type: typ, State: state, BuildID: buildID})
}

func stateChange(state events.ModuleState) *events.ModuleStateChange {
	return &events.ModuleStateChange{
		MessageID: "msg-1",
		Module:    "platform",
		Stream:    "f30",
		BuildID:   42,
		State:     state,
	}
}

func TestCanHandle(t *testing.T) {
	f := newFixture(t, allowAll)

	assert.True(t, f.handler.CanHandle(stateChange(events.ModuleStateReady)))
	assert.False(t, f.handler.CanHandle(&events.GitModuleMetadataChange{MessageID: "c1", Module: "app"}))
	assert.Equal(t, Name, f.handler.Name())

	_, err := f.handler.Handle(context.Background(), &events.GitModuleMetadataChange{MessageID: "c1"})
	require.ErrorIs(t, err, ErrUnsupportedEvent)
}

func TestReconcileMapsStates(t *testing.T) {
	tests := []struct {
		state         events.ModuleState
		want          tracking.BuildState
		wantCompleted bool
	}{
		{events.ModuleStateReady, tracking.BuildStateDone, true},
		{events.ModuleStateFailed, tracking.BuildStateFailed, true},
		{events.ModuleStateInit, tracking.BuildStateBuild, false},
		{events.ModuleStateWait, tracking.BuildStateBuild, false},
		{events.ModuleStateBuild, tracking.BuildStateBuild, false},
		{events.ModuleStateDone, tracking.BuildStateBuild, false},
		{events.ModuleState("exploded"), tracking.BuildStateBuild, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			f := newFixture(t, allowAll)
			f.track(1, 42, tracking.ArtifactTypeModule, tracking.BuildStateBuild)

			out, err := f.handler.Handle(context.Background(), stateChange(tt.state))
			require.NoError(t, err)
			assert.Empty(t, out)

			got := f.store.build(1)
			assert.Equal(t, tt.want, got.State)
			if tt.wantCompleted {
				require.NotNil(t, got.TimeCompleted)
				assert.Equal(t, fixedNow, *got.TimeCompleted)
				assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reconciled.WithLabelValues(tt.want.String())))
			} else {
				assert.Nil(t, got.TimeCompleted)
				assert.Equal(t, 0, f.store.writes)
			}
		})
	}
}

func TestReconcileIgnoresOtherArtifactTypes(t *testing.T) {
	f := newFixture(t, allowAll)
	f.track(1, 42, tracking.ArtifactTypeImage, tracking.BuildStateBuild)

	_, err := f.handler.Handle(context.Background(), stateChange(events.ModuleStateFailed))
	require.NoError(t, err)
	assert.Equal(t, tracking.BuildStateBuild, f.store.build(1).State)
}

func TestDuplicateTrackedBuildIsFatal(t *testing.T) {
	f := newFixture(t, allowAll)
	f.track(1, 42, tracking.ArtifactTypeModule, tracking.BuildStateBuild)
	f.track(2, 42, tracking.ArtifactTypeModule, tracking.BuildStateBuild)
	f.index.modules = []pdc.Module{{Name: "app", Version: "f30", Active: true}}

	_, err := f.handler.Handle(context.Background(), stateChange(events.ModuleStateReady))
	require.ErrorIs(t, err, ErrDuplicateBuild)
	assert.True(t, bus.IsTerminal(err))

	assert.Equal(t, tracking.BuildStateBuild, f.store.build(1).State)
	assert.Equal(t, tracking.BuildStateBuild, f.store.build(2).State)
	assert.Zero(t, f.store.writes)
	assert.Empty(t, f.index.queries)
	assert.Empty(t, f.bumper.calls)
	assert.Empty(t, f.builder.calls)
}

func TestReadyUpdatesBuildAndQueriesDependents(t *testing.T) {
	f := newFixture(t, allowAll)
	f.track(1, 42, tracking.ArtifactTypeModule, tracking.BuildStateBuild)

	_, err := f.handler.Handle(context.Background(), stateChange(events.ModuleStateReady))
	require.NoError(t, err)

	assert.Equal(t, tracking.BuildStateDone, f.store.build(1).State)
	assert.Equal(t, []depQuery{{name: "platform", stream: "f30", activeOnly: true}}, f.index.queries)
}

func TestCascadeRunsWithoutTrackedBuild(t *testing.T) {
	f := newFixture(t, allowAll)
	f.index.modules = []pdc.Module{{Name: "app", Version: "f30", Active: true}}
	f.builder.results["app"] = buildResult{id: 99, ok: true}

	_, err := f.handler.Handle(context.Background(), stateChange(events.ModuleStateReady))
	require.NoError(t, err)
	assert.Len(t, f.store.recorded, 1)
}

func TestNoCascadeUnlessReady(t *testing.T) {
	for _, state := range []events.ModuleState{events.ModuleStateFailed, events.ModuleStateDone, events.ModuleStateBuild} {
		t.Run(string(state), func(t *testing.T) {
			f := newFixture(t, allowAll)
			f.index.modules = []pdc.Module{{Name: "app", Version: "f30", Active: true}}

			_, err := f.handler.Handle(context.Background(), stateChange(state))
			require.NoError(t, err)
			assert.Empty(t, f.index.queries)
			assert.Empty(t, f.bumper.calls)
		})
	}
}

func TestPolicyRejectionHasNoSideEffects(t *testing.T) {
	var asked []string
	f := newFixture(t, func(handler, typ, name, branch string) bool {
		asked = append(asked, handler+"|"+typ+"|"+name+"|"+branch)
		return false
	})
	f.index.modules = []pdc.Module{{Name: "app", Version: "f30", Active: true}}

	_, err := f.handler.Handle(context.Background(), stateChange(events.ModuleStateReady))
	require.NoError(t, err)

	assert.Equal(t, []string{Name + "|module|app|f30"}, asked)
	assert.Empty(t, f.bumper.calls)
	assert.Empty(t, f.builder.calls)
	assert.Empty(t, f.store.recorded)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Candidates.WithLabelValues(OutcomeSkipped)))
}

func TestDispatchRecordsBuildWithProvenance(t *testing.T) {
	f := newFixture(t, allowAll)
	f.index.modules = []pdc.Module{{Name: "app", Version: "f30", Active: true}}
	f.bumper.revs = map[string]string{"app": "abc123"}
	f.builder.results["app"] = buildResult{id: 99, ok: true}
	evt := stateChange(events.ModuleStateReady)

	_, err := f.handler.Handle(context.Background(), evt)
	require.NoError(t, err)

	require.Equal(t, []bumpCall{{
		namespace: "modules",
		name:      "app",
		branch:    "f30",
		message:   "Bump to rebuild because of platform update",
	}}, f.bumper.calls)
	require.Equal(t, []buildCall{{name: "app", branch: "f30", rev: "abc123"}}, f.builder.calls)
	require.Equal(t, []recorded{{event: evt, name: "app", branch: "f30", typ: tracking.ArtifactTypeModule, buildID: 99}}, f.store.recorded)

	var created tracking.ArtifactBuild
	for _, b := range f.store.builds {
		if b.BuildID == 99 {
			created = b
		}
	}
	assert.Equal(t, tracking.BuildStateBuild, created.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Candidates.WithLabelValues(OutcomeDispatched)))
}

func TestSentinelCreatesNothing(t *testing.T) {
	f := newFixture(t, allowAll)
	f.index.modules = []pdc.Module{{Name: "app", Version: "f30", Active: true}}

	out, err := f.handler.Handle(context.Background(), stateChange(events.ModuleStateReady))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Len(t, f.builder.calls, 1)
	assert.Empty(t, f.store.recorded)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Candidates.WithLabelValues(OutcomeDeduplicated)))
}

func TestBumpPrecedesDispatchPerModule(t *testing.T) {
	f := newFixture(t, allowAll)
	f.index.modules = []pdc.Module{
		{Name: "app", Version: "f30", Active: true},
		{Name: "tools", Version: "f30", Active: true},
	}

	_, err := f.handler.Handle(context.Background(), stateChange(events.ModuleStateReady))
	require.NoError(t, err)
	assert.Equal(t, []string{"bump:app", "build:app", "bump:tools", "build:tools"}, f.calls)
}

func TestFailuresDoNotStopRemainingCandidates(t *testing.T) {
	f := newFixture(t, allowAll)
	f.track(1, 42, tracking.ArtifactTypeModule, tracking.BuildStateBuild)
	f.index.modules = []pdc.Module{
		{Name: "broken", Version: "f30", Active: true},
		{Name: "flaky", Version: "f30", Active: true},
		{Name: "app", Version: "f30", Active: true},
	}
	bumpErr := errors.New("push rejected")
	buildErr := errors.New("mbs unavailable")
	f.bumper.errs = map[string]error{"broken": bumpErr}
	f.builder.results["flaky"] = buildResult{err: buildErr}
	f.builder.results["app"] = buildResult{id: 99, ok: true}

	_, err := f.handler.Handle(context.Background(), stateChange(events.ModuleStateReady))
	require.Error(t, err)
	assert.ErrorIs(t, err, bumpErr)
	assert.ErrorIs(t, err, buildErr)
	assert.False(t, bus.IsTerminal(err))

	assert.Equal(t, tracking.BuildStateDone, f.store.build(1).State)
	assert.Equal(t, []buildCall{{"flaky", "f30", "rev-flaky"}, {"app", "f30", "rev-app"}}, f.builder.calls)
	require.Len(t, f.store.recorded, 1)
	assert.Equal(t, "app", f.store.recorded[0].name)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Candidates.WithLabelValues(OutcomeFailed)))
}

func TestRedeliveryRetriesOnlyFailedDependents(t *testing.T) {
	f := newFixture(t, allowAll)
	f.track(1, 42, tracking.ArtifactTypeModule, tracking.BuildStateBuild)
	f.index.modules = []pdc.Module{
		{Name: "broken", Version: "f30", Active: true},
		{Name: "app", Version: "f30", Active: true},
		{Name: "app", Version: "f31", Active: true},
	}
	bumpErr := errors.New("push rejected")
	f.bumper.errs = map[string]error{"broken": bumpErr}
	f.builder.results["app"] = buildResult{id: 99, ok: true}
	evt := stateChange(events.ModuleStateReady)

	for delivery := 1; delivery <= 3; delivery++ {
		_, err := f.handler.Handle(context.Background(), evt)
		require.ErrorIs(t, err, bumpErr, "delivery %d", delivery)
	}

	var appBumps []string
	for _, c := range f.bumper.calls {
		if c.name == "app" {
			appBumps = append(appBumps, c.branch)
		}
	}
	assert.Equal(t, []string{"f30", "f31"}, appBumps)
	require.Len(t, f.store.recorded, 2)
	assert.Equal(t, "f30", f.store.recorded[0].branch)
	assert.Equal(t, "f31", f.store.recorded[1].branch)
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.Candidates.WithLabelValues(OutcomeAlreadyRebuilt)))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.Candidates.WithLabelValues(OutcomeFailed)))
}

func TestOtherMessagesDoNotSuppressRebuilds(t *testing.T) {
	f := newFixture(t, allowAll)
	f.index.modules = []pdc.Module{{Name: "app", Version: "f30", Active: true}}
	f.builder.results["app"] = buildResult{id: 99, ok: true}

	first := stateChange(events.ModuleStateReady)
	second := stateChange(events.ModuleStateReady)
	second.MessageID = "msg-2"

	_, err := f.handler.Handle(context.Background(), first)
	require.NoError(t, err)
	_, err = f.handler.Handle(context.Background(), second)
	require.NoError(t, err)

	assert.Len(t, f.bumper.calls, 2)
	assert.Len(t, f.store.recorded, 2)
}

func TestRecordedBuildLookupFailureStopsCascade(t *testing.T) {
	f := newFixture(t, allowAll)
	f.index.modules = []pdc.Module{{Name: "app", Version: "f30", Active: true}}
	f.store.lookupErr = errors.New("db down")

	_, err := f.handler.Handle(context.Background(), stateChange(events.ModuleStateReady))
	require.ErrorIs(t, err, f.store.lookupErr)
	assert.Empty(t, f.bumper.calls)
	assert.Empty(t, f.builder.calls)
}

func TestDependencyIndexFailureKeepsReconciliation(t *testing.T) {
	f := newFixture(t, allowAll)
	f.track(1, 42, tracking.ArtifactTypeModule, tracking.BuildStateBuild)
	f.index.err = errors.New("pdc down")

	_, err := f.handler.Handle(context.Background(), stateChange(events.ModuleStateReady))
	require.ErrorIs(t, err, f.index.err)
	assert.Equal(t, tracking.BuildStateDone, f.store.build(1).State)
	assert.Empty(t, f.bumper.calls)
}

func TestNewRequiresCollaborators(t *testing.T) {
	engine, err := render.New()
	require.NoError(t, err)
	full := Deps{
		Store:    &fakeStore{},
		Index:    &fakeIndex{},
		Policy:   policyFunc(allowAll),
		Bumper:   &fakeBumper{},
		Builder:  &fakeBuilder{},
		Renderer: engine,
	}
	_, err = New(full)
	require.NoError(t, err)

	missing := map[string]func(*Deps){
		"store":    func(d *Deps) { d.Store = nil },
		"index":    func(d *Deps) { d.Index = nil },
		"policy":   func(d *Deps) { d.Policy = nil },
		"bumper":   func(d *Deps) { d.Bumper = nil },
		"builder":  func(d *Deps) { d.Builder = nil },
		"renderer": func(d *Deps) { d.Renderer = nil },
	}
	for name, unset := range missing {
		t.Run(name, func(t *testing.T) {
			d := full
			unset(&d)
			_, err := New(d)
			assert.Error(t, err)
		})
	}
}
