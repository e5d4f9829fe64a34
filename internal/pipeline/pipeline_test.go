package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aseinotegi/dgt-beacon-etl/internal/adapter/feed"
	"github.com/aseinotegi/dgt-beacon-etl/internal/adapter/store"
	"github.com/aseinotegi/dgt-beacon-etl/internal/domain"
	"github.com/aseinotegi/dgt-beacon-etl/internal/observability"
	"github.com/aseinotegi/dgt-beacon-etl/internal/pipeline"
	"github.com/aseinotegi/dgt-beacon-etl/internal/reconcile"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var endpoints = []feed.Endpoint{
	{Source: domain.SourceNacional, URL: "http://feeds.test/nacional"},
	{Source: domain.SourcePaisVasco, URL: "http://feeds.test/pais_vasco"},
	{Source: domain.SourceCataluna, URL: "http://feeds.test/cataluna"},
}

// --- mocks ---

type mockFetcher struct {
	mu      sync.Mutex
	bodies  map[domain.Source][]byte
	errs    map[domain.Source]*feed.FetchError
	calls   int
	block   chan struct{}
	started chan struct{}
}

func newMockFetcher() *mockFetcher {
	return &mockFetcher{
		bodies: map[domain.Source][]byte{},
		errs:   map[domain.Source]*feed.FetchError{},
	}
}

func (m *mockFetcher) set(source domain.Source, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bodies[source] = []byte(body)
	delete(m.errs, source)
}

func (m *mockFetcher) fail(source domain.Source, kind feed.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[source] = &feed.FetchError{Source: source, Kind: kind, Err: errors.New("upstream unavailable")}
}

func (m *mockFetcher) FetchAll(_ context.Context, eps []feed.Endpoint) []feed.Result {
	m.mu.Lock()
	m.calls++
	block, started := m.block, m.started
	m.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]feed.Result, 0, len(eps))
	for _, ep := range eps {
		if err, ok := m.errs[ep.Source]; ok {
			out = append(out, feed.Result{Source: ep.Source, Err: err})
			continue
		}
		out = append(out, feed.Result{Source: ep.Source, Body: m.bodies[ep.Source]})
	}
	return out
}

func (m *mockFetcher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockPublisher struct {
	mu      sync.Mutex
	changes []domain.BeaconChange
	err     error
	onCall  func()
}

func (m *mockPublisher) Publish(_ context.Context, changes []domain.BeaconChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onCall != nil {
		m.onCall()
	}
	if m.err != nil {
		return m.err
	}
	m.changes = append(m.changes, changes...)
	return nil
}

// failingReconciler fails every reconciliation of one source.
type failingReconciler struct {
	inner  pipeline.Reconciler
	source domain.Source
}

func (f *failingReconciler) Reconcile(ctx context.Context, source domain.Source, records []domain.Record) (reconcile.Outcome, error) {
	if source == f.source {
		return reconcile.Outcome{}, errors.New("deadlock detected")
	}
	return f.inner.Reconcile(ctx, source, records)
}

// --- feed builders ---

type incident struct {
	id, cause, detailed string
	lat, lng            float64
}

func nacionalFeed(incidents ...incident) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<d2:payload xmlns:d2="http://levelC/schema/3/d2Payload" xmlns:sit="http://levelC/schema/3/situation" xmlns:loc="http://levelC/schema/3/locationReferencing" xmlns:com="http://levelC/schema/3/common">
  <com:publicationTime>2024-03-01T10:15:00+01:00</com:publicationTime>
`)
	for _, in := range incidents {
		detailed := ""
		if in.detailed != "" {
			detailed = fmt.Sprintf("<sit:detailedCauseType><sit:vehicleObstructionType>%s</sit:vehicleObstructionType></sit:detailedCauseType>", in.detailed)
		}
		fmt.Fprintf(&b, `  <sit:situation id="S-%[1]s">
    <sit:situationRecord id="%[1]s">
      <sit:cause><sit:causeType>%[2]s</sit:causeType>%[3]s</sit:cause>
      <sit:locationReference>
        <loc:tpegLinearLocation>
          <loc:to><loc:pointCoordinates><loc:latitude>%[4]g</loc:latitude><loc:longitude>%[5]g</loc:longitude></loc:pointCoordinates></loc:to>
        </loc:tpegLinearLocation>
      </sit:locationReference>
    </sit:situationRecord>
  </sit:situation>
`, in.id, in.cause, detailed, in.lat, in.lng)
	}
	b.WriteString("</d2:payload>\n")
	return b.String()
}

func regionalFeed(incidents ...incident) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>
<d2LogicalModel xmlns="http://datex2.eu/schema/1_0/1_0" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance">
  <payloadPublication>
    <publicationTime>2024-03-01T10:20:00+01:00</publicationTime>
`)
	for _, in := range incidents {
		fmt.Fprintf(&b, `    <situation id="S-%[1]s">
      <situationRecord xsi:type="_0:%[2]s" id="%[1]s">
        <groupOfLocations><tpegLinearLocation><to>
          <pointCoordinates><latitude>%[3]g</latitude><longitude>%[4]g</longitude></pointCoordinates>
        </to></tpegLinearLocation></groupOfLocations>
      </situationRecord>
    </situation>
`, in.id, in.cause, in.lat, in.lng)
	}
	b.WriteString("  </payloadPublication>\n</d2LogicalModel>\n")
	return b.String()
}

// --- harness ---

type harness struct {
	store     *store.Store
	fetcher   *mockFetcher
	publisher *mockPublisher
	clock     *clockwork.FakeClock
	metrics   *observability.Metrics
	coord     *pipeline.Coordinator
}

func newHarness(t *testing.T, wrap func(pipeline.Reconciler) pipeline.Reconciler) *harness {
	t.Helper()
	s, err := store.Open("sqlite://:memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	var rec pipeline.Reconciler = reconcile.NewEngine(s, clock, slog.Default())
	if wrap != nil {
		rec = wrap(rec)
	}

	h := &harness{
		store:     s,
		fetcher:   newMockFetcher(),
		publisher: &mockPublisher{},
		clock:     clock,
		metrics:   observability.NewMetricsForTesting(),
	}
	h.coord = pipeline.New(endpoints, h.fetcher, rec, s, h.publisher, clock, slog.Default(), h.metrics)

	for _, ep := range endpoints {
		if domain.DialectFor(ep.Source) == domain.DialectA {
			h.fetcher.set(ep.Source, nacionalFeed())
		} else {
			h.fetcher.set(ep.Source, regionalFeed())
		}
	}
	return h
}

func (h *harness) logsFor(t *testing.T, source domain.Source) []domain.SyncLog {
	t.Helper()
	logs, err := h.store.ListSyncLogs(context.Background(), source, 0)
	require.NoError(t, err)
	return logs
}

func (h *harness) active(t *testing.T, source domain.Source) map[string]domain.Beacon {
	t.Helper()
	bs, err := h.store.ListBeacons(context.Background(), store.BeaconFilter{Source: source, ActiveOnly: true})
	require.NoError(t, err)
	out := map[string]domain.Beacon{}
	for _, b := range bs {
		out[b.ExternalID] = b
	}
	return out
}

// --- tests ---

func TestRunCycle_EndToEndScenario(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ext1 := incident{id: "ext-1", cause: "roadworks", lat: 40.0, lng: -3.0}
	ext2 := incident{id: "ext-2", cause: "vehicleObstruction", detailed: "vehicleStuck", lat: 41.0, lng: 2.0}
	h.fetcher.set(domain.SourceNacional, nacionalFeed(ext1, ext2))

	report, err := h.coord.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, "success", report.Outcome())

	active := h.active(t, domain.SourceNacional)
	require.Len(t, active, 2)
	assert.True(t, domain.IsFlaggedIncident(active["ext-2"].Record))

	logs := h.logsFor(t, domain.SourceNacional)
	require.Len(t, logs, 1)
	first := logs[0]
	assert.True(t, first.Success)
	assert.Equal(t, 2, *first.InFeed)
	assert.Equal(t, 2, *first.Created)
	assert.Equal(t, 0, *first.Updated)
	assert.Equal(t, 0, *first.Deactivated)
	require.NotNil(t, first.CompletedAt)
	require.NotNil(t, first.PublicationTime)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), *first.PublicationTime)
	assert.Nil(t, first.ErrorMessage)

	ext2ID := active["ext-2"].ID
	h.clock.Advance(time.Minute)
	h.fetcher.set(domain.SourceNacional, nacionalFeed(ext1))

	_, err = h.coord.RunCycle(ctx)
	require.NoError(t, err)

	logs = h.logsFor(t, domain.SourceNacional)
	require.Len(t, logs, 2)
	second := logs[0]
	assert.True(t, second.Success)
	assert.Equal(t, 0, *second.Created)
	assert.Equal(t, 1, *second.Updated)
	assert.Equal(t, 1, *second.Deactivated)

	gone, err := h.store.Beacon(ctx, ext2ID)
	require.NoError(t, err)
	assert.False(t, gone.IsActive)
	assert.NotNil(t, gone.DeletedAt)

	still := h.active(t, domain.SourceNacional)
	require.Len(t, still, 1)
	assert.Equal(t, active["ext-1"].ID, still["ext-1"].ID, "updated in place")

	kinds := map[domain.ChangeKind]int{}
	for _, c := range h.publisher.changes {
		kinds[c.Kind]++
	}
	assert.Equal(t, map[domain.ChangeKind]int{domain.ChangeCreated: 2, domain.ChangeDeactivated: 1}, kinds)
}

func TestRunCycle_PartialFailureIsolation(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.set(domain.SourceNacional, nacionalFeed(incident{id: "n1", cause: "roadworks", lat: 40, lng: -3}))
	h.fetcher.fail(domain.SourcePaisVasco, feed.KindTimeout)
	h.fetcher.set(domain.SourceCataluna, regionalFeed(incident{id: "c1", cause: "Accident", lat: 41.4, lng: 2.2}))

	report, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "partial", report.Outcome())
	assert.Equal(t, 2, report.Succeeded())
	require.Len(t, report.Sources, 3)

	assert.Len(t, h.active(t, domain.SourceNacional), 1)
	assert.Len(t, h.active(t, domain.SourceCataluna), 1)

	for _, src := range []domain.Source{domain.SourceNacional, domain.SourceCataluna} {
		logs := h.logsFor(t, src)
		require.Len(t, logs, 1)
		assert.True(t, logs[0].Success, src)
	}

	pv := h.logsFor(t, domain.SourcePaisVasco)
	require.Len(t, pv, 1)
	assert.False(t, pv[0].Success)
	assert.Nil(t, pv[0].InFeed)
	assert.Nil(t, pv[0].Created)
	assert.Nil(t, pv[0].Updated)
	assert.Nil(t, pv[0].Deactivated)
	require.NotNil(t, pv[0].ErrorMessage)
	assert.Contains(t, *pv[0].ErrorMessage, "timeout")

	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.CyclesTotal.WithLabelValues("partial")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.SourceSyncs.WithLabelValues("pais_vasco", "fetch_error")), 0)
	assert.NoError(t, h.coord.CheckReadiness(context.Background()))
}

func TestRunCycle_FetchFailureKeepsExistingBeacons(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.set(domain.SourceNacional, nacionalFeed(incident{id: "n1", cause: "roadworks", lat: 40, lng: -3}))
	_, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)

	h.fetcher.fail(domain.SourceNacional, feed.KindHTTPStatus)
	_, err = h.coord.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.active(t, domain.SourceNacional), 1, "a failed fetch must not deactivate anything")
}

func TestRunCycle_MalformedDocumentIsFailedSync(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.set(domain.SourceNacional, nacionalFeed(incident{id: "n1", cause: "roadworks", lat: 40, lng: -3}))
	_, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)

	h.fetcher.set(domain.SourceNacional, `<payload><situation id="x">`)
	report, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, h.active(t, domain.SourceNacional), 1)
	logs := h.logsFor(t, domain.SourceNacional)
	require.Len(t, logs, 2)
	assert.False(t, logs[0].Success)
	assert.Nil(t, logs[0].InFeed)
	assert.Equal(t, "partial", report.Outcome())
}

func TestRunCycle_EmptyFeedDeactivatesAll(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.set(domain.SourceCataluna, regionalFeed(
		incident{id: "c1", cause: "Accident", lat: 41.4, lng: 2.2},
		incident{id: "c2", cause: "Accident", lat: 41.5, lng: 2.1},
	))
	_, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)

	h.fetcher.set(domain.SourceCataluna, regionalFeed())
	_, err = h.coord.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.active(t, domain.SourceCataluna))
	logs := h.logsFor(t, domain.SourceCataluna)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].Success)
	assert.Equal(t, 0, *logs[0].InFeed)
	assert.Equal(t, 2, *logs[0].Deactivated)
}

func TestRunCycle_PersistenceFailureIsolated(t *testing.T) {
	h := newHarness(t, func(inner pipeline.Reconciler) pipeline.Reconciler {
		return &failingReconciler{inner: inner, source: domain.SourceCataluna}
	})
	h.fetcher.set(domain.SourceNacional, nacionalFeed(incident{id: "n1", cause: "roadworks", lat: 40, lng: -3}))
	h.fetcher.set(domain.SourceCataluna, regionalFeed(incident{id: "c1", cause: "Accident", lat: 41.4, lng: 2.2}))

	report, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Succeeded())

	cat := h.logsFor(t, domain.SourceCataluna)
	require.Len(t, cat, 1)
	assert.False(t, cat[0].Success)
	assert.Equal(t, "deadlock detected", *cat[0].ErrorMessage)

	assert.Len(t, h.active(t, domain.SourceNacional), 1)
	assert.Empty(t, h.active(t, domain.SourceCataluna))
}

func TestRunCycle_PublishFailureDoesNotFailSync(t *testing.T) {
	h := newHarness(t, nil)
	h.publisher.err = errors.New("broker down")
	h.fetcher.set(domain.SourceNacional, nacionalFeed(incident{id: "n1", cause: "roadworks", lat: 40, lng: -3}))

	_, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)

	logs := h.logsFor(t, domain.SourceNacional)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.InDelta(t, 1, testutil.ToFloat64(h.metrics.EventsPublished.WithLabelValues("error")), 0)
}

func TestRunCycle_AllSourcesFailed(t *testing.T) {
	h := newHarness(t, nil)
	for _, ep := range endpoints {
		h.fetcher.fail(ep.Source, feed.KindTransport)
	}

	report, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "failed", report.Outcome())
	assert.Error(t, h.coord.CheckReadiness(context.Background()))

	logs, err := h.store.ListSyncLogs(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3, "one log row per source even when all fail")
}

func TestRunCycle_RejectsOverlap(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.block = make(chan struct{})
	h.fetcher.started = make(chan struct{}, 1)

	require.NoError(t, h.coord.TriggerCycle(context.Background()))
	<-h.fetcher.started

	_, err := h.coord.RunCycle(context.Background())
	require.ErrorIs(t, err, pipeline.ErrCycleInProgress)
	require.ErrorIs(t, h.coord.TriggerCycle(context.Background()), pipeline.ErrCycleInProgress)
	assert.InDelta(t, 2, testutil.ToFloat64(h.metrics.CyclesSkipped), 0)

	close(h.fetcher.block)
	h.coord.Wait()

	h.fetcher.mu.Lock()
	h.fetcher.block, h.fetcher.started = nil, nil
	h.fetcher.mu.Unlock()

	_, err = h.coord.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.fetcher.callCount())
}

func TestCheckReadiness_NotReadyBeforeFirstCycle(t *testing.T) {
	h := newHarness(t, nil)
	assert.Error(t, h.coord.CheckReadiness(context.Background()))
}

func TestCheckReadiness_StoreUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.coord.CheckReadiness(context.Background()))

	require.NoError(t, h.store.Close())

	err = h.coord.CheckReadiness(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unreachable")
}

func TestRunCycle_PublishesAfterEverySourceReconciled(t *testing.T) {
	h := newHarness(t, nil)
	h.fetcher.set(domain.SourceNacional, nacionalFeed(incident{id: "n1", cause: "roadworks", lat: 40, lng: -3}))
	h.fetcher.set(domain.SourceCataluna, regionalFeed(incident{id: "c1", cause: "Accident", lat: 41.4, lng: 2.2}))

	var logsSeen []int
	h.publisher.onCall = func() {
		logs, err := h.store.ListSyncLogs(context.Background(), "", 0)
		require.NoError(t, err)
		logsSeen = append(logsSeen, len(logs))
	}

	_, err := h.coord.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{3, 3}, logsSeen, "every source is audited before the first publish")
	assert.Len(t, h.publisher.changes, 2)
}

func TestRun_CyclesOnStartAndEveryInterval(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx, time.Minute) }()

	require.Eventually(t, func() bool { return len(h.logsFor(t, domain.SourceNacional)) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	// Ticks that land while the first cycle is finishing are skipped, so keep ticking.
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Minute)
		return len(h.logsFor(t, domain.SourceNacional)) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.InDelta(t, 0, testutil.ToFloat64(h.metrics.PipelineRunning), 0)
	require.ErrorIs(t, h.coord.TriggerCycle(context.Background()), pipeline.ErrStopped)
}
