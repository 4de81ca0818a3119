package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/watchtower/internal/alert"
	"github.com/marcus-qen/watchtower/internal/clock"
	"github.com/marcus-qen/watchtower/internal/facts"
	"github.com/marcus-qen/watchtower/internal/notify"
	"github.com/marcus-qen/watchtower/internal/pipeline"
	"github.com/marcus-qen/watchtower/internal/probe"
	"github.com/marcus-qen/watchtower/internal/rule"
	"github.com/marcus-qen/watchtower/internal/store"
)

type fakeProbe struct {
	id    string
	facts facts.Facts
	err   error

	// block, when non-nil, holds Collect until closed; the probe ignores
	// ctx so the stale-run path can be exercised.
	block chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeProbe) ID() string { return f.id }

func (f *fakeProbe) Collect(_ context.Context, _ *store.ProbeState) (facts.Facts, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.facts, f.err
}

func (f *fakeProbe) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type captureChannel struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Send(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, a)
	return nil
}

func (c *captureChannel) delivered() []alert.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alert.Alert(nil), c.sent...)
}

func newTestRunner(t *testing.T, clk clock.Clock) (*Runner, *store.Store, *captureChannel) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), clk, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ch := &captureChannel{}
	pipe := pipeline.New(st, notify.NewSet(nil, ch), pipeline.Config{}, clk, nil)
	return New(st, pipe, clk, nil), st, ch
}

func gasProbeDesc(id string) probe.Descriptor {
	return probe.Descriptor{
		ID:       id,
		Platform: "evm",
		Type:     "chain",
		Interval: 30,
		Rules: []rule.Descriptor{{
			ID: "gas-high", Kind: rule.KindThreshold,
			Fact: "evm.gasPriceGwei", Threshold: 100, Operator: rule.OpGT,
		}},
	}
}

func mustBuildRules(t *testing.T, ds []rule.Descriptor) []rule.Rule {
	t.Helper()
	rules, err := rule.BuildSet(ds)
	if err != nil {
		t.Fatalf("build rules: %v", err)
	}
	return rules
}

func TestRunOnceEvaluatesAndPersists(t *testing.T) {
	clk := clock.NewManual(time.Now())
	r, st, ch := newTestRunner(t, clk)

	desc := gasProbeDesc("eth-mainnet")
	fp := &fakeProbe{id: desc.ID, facts: facts.Facts{"evm.gasPriceGwei": facts.Float(120)}}
	if err := r.Add(desc, fp, mustBuildRules(t, desc.Rules)); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := r.RunOnce("eth-mainnet"); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got := ch.delivered()
	if len(got) != 1 || got[0].ID != alert.BreachID("eth-mainnet", "gas-high") {
		t.Fatalf("delivered = %v", got)
	}

	saved, err := st.LoadProbeState("eth-mainnet")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if saved.Rule["gas-high"] != "triggered" {
		t.Fatalf("rule state not persisted: %v", saved.Rule)
	}

	runs, _ := st.RecentRuns("eth-mainnet", 10)
	if len(runs) != 1 || runs[0].Status != store.RunSuccess {
		t.Fatalf("run history = %+v", runs)
	}
	if len(r.Running()) != 0 {
		t.Fatalf("lock leaked: %v", r.Running())
	}
}

func TestRunOnceCollectErrorRecorded(t *testing.T) {
	clk := clock.NewManual(time.Now())
	r, st, ch := newTestRunner(t, clk)

	desc := gasProbeDesc("eth-mainnet")
	fp := &fakeProbe{id: desc.ID, err: errors.New("circuit breaker for rpc is open, retry in 42s")}
	if err := r.Add(desc, fp, mustBuildRules(t, desc.Rules)); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := r.RunOnce("eth-mainnet"); err != nil {
		t.Fatalf("run once: %v", err)
	}

	runs, _ := st.RecentRuns("eth-mainnet", 10)
	if len(runs) != 1 || runs[0].Status != store.RunError {
		t.Fatalf("run history = %+v", runs)
	}
	if runs[0].ErrorMessage == "" {
		t.Fatal("error message not recorded")
	}
	if len(ch.delivered()) != 0 {
		t.Fatal("failed run must not emit rule alerts")
	}
	if len(r.Running()) != 0 {
		t.Fatalf("lock leaked after error: %v", r.Running())
	}
}

func TestRunOnceUnknownProbe(t *testing.T) {
	r, _, _ := newTestRunner(t, clock.NewManual(time.Now()))
	err := r.RunOnce("nope")
	if !errors.Is(err, ErrUnknownProbe) {
		t.Fatalf("expected ErrUnknownProbe, got %v", err)
	}
}

func TestSingleFlightSkipsOverlappingRun(t *testing.T) {
	clk := clock.NewManual(time.Now())
	r, st, _ := newTestRunner(t, clk)

	desc := gasProbeDesc("eth-mainnet")
	fp := &fakeProbe{id: desc.ID, facts: facts.Facts{}}
	if err := r.Add(desc, fp, nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	// A fresh in-flight lock: the new tick must skip without running.
	r.mu.Lock()
	r.activeLocks["eth-mainnet"] = clk.Now()
	r.mu.Unlock()

	if err := r.RunOnce("eth-mainnet"); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if fp.callCount() != 0 {
		t.Fatal("skipped run still invoked Collect")
	}
	runs, _ := st.RecentRuns("eth-mainnet", 10)
	if len(runs) != 0 {
		t.Fatalf("skipped run left history: %+v", runs)
	}
	// Lock untouched.
	if len(r.Running()) != 1 {
		t.Fatalf("lock table = %v", r.Running())
	}
}

func TestWatchdogReclaimsStaleLock(t *testing.T) {
	clk := clock.NewManual(time.Now())
	r, st, ch := newTestRunner(t, clk)

	desc := gasProbeDesc("eth-mainnet")
	fp := &fakeProbe{id: desc.ID, facts: facts.Facts{"evm.gasPriceGwei": facts.Float(50)}}
	if err := r.Add(desc, fp, mustBuildRules(t, desc.Rules)); err != nil {
		t.Fatalf("add: %v", err)
	}

	// A lock older than twice the default timeout: the watchdog must fire.
	r.mu.Lock()
	r.activeLocks["eth-mainnet"] = clk.Now().Add(-2*probe.DefaultTimeout - time.Second)
	r.mu.Unlock()

	if err := r.RunOnce("eth-mainnet"); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got := ch.delivered()
	if len(got) != 1 {
		t.Fatalf("expected one stuck alert, got %v", got)
	}
	stuck := got[0]
	if stuck.ID != alert.StuckID("eth-mainnet") {
		t.Fatalf("stuck alert id = %q", stuck.ID)
	}
	if stuck.Severity != alert.SeverityCritical || stuck.RuleID != "system" {
		t.Fatalf("stuck alert = %+v", stuck)
	}

	// The reclaimed tick then ran normally.
	if fp.callCount() != 1 {
		t.Fatalf("collect calls = %d", fp.callCount())
	}
	runs, _ := st.RecentRuns("eth-mainnet", 10)
	if len(runs) != 1 || runs[0].Status != store.RunSuccess {
		t.Fatalf("run history = %+v", runs)
	}
	if len(r.Running()) != 0 {
		t.Fatalf("lock leaked: %v", r.Running())
	}
}

type hookChannel struct {
	fn func(alert.Alert)
}

func (h *hookChannel) Name() string { return "hook" }

func (h *hookChannel) Send(_ context.Context, a alert.Alert) error {
	if h.fn != nil {
		h.fn(a)
	}
	return nil
}

func TestWatchdogYieldsToRunStartedDuringRecovery(t *testing.T) {
	clk := clock.NewManual(time.Now())
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), clk, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hook := &hookChannel{}
	pipe := pipeline.New(st, notify.NewSet(nil, hook), pipeline.Config{}, clk, nil)
	r := New(st, pipe, clk, nil)

	desc := gasProbeDesc("eth-mainnet")
	fp := &fakeProbe{id: desc.ID, facts: facts.Facts{}}
	if err := r.Add(desc, fp, nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	// While the stuck alert is being routed the lock table is unlocked; a
	// concurrent tick claiming the slot in that window must win.
	freshStamp := clk.Now().Add(time.Second)
	hook.fn = func(a alert.Alert) {
		if a.ID != alert.StuckID("eth-mainnet") {
			return
		}
		r.mu.Lock()
		r.activeLocks["eth-mainnet"] = freshStamp
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.activeLocks["eth-mainnet"] = clk.Now().Add(-2*probe.DefaultTimeout - time.Second)
	r.mu.Unlock()

	if err := r.RunOnce("eth-mainnet"); err != nil {
		t.Fatalf("run once: %v", err)
	}

	if fp.callCount() != 0 {
		t.Fatal("tick must yield to the run that started during stuck-alert routing")
	}
	r.mu.Lock()
	ts, held := r.activeLocks["eth-mainnet"]
	r.mu.Unlock()
	if !held || !ts.Equal(freshStamp) {
		t.Fatalf("concurrent run's lock overwritten: %v (held=%v)", ts, held)
	}
}

func TestWatchdogAlertBypassesMute(t *testing.T) {
	clk := clock.NewManual(time.Now())
	r, _, ch := newTestRunner(t, clk)

	desc := gasProbeDesc("eth-mainnet")
	fp := &fakeProbe{id: desc.ID, facts: facts.Facts{}}
	if err := r.Add(desc, fp, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Mute("eth-mainnet", 60); err != nil {
		t.Fatalf("mute: %v", err)
	}

	r.mu.Lock()
	r.activeLocks["eth-mainnet"] = clk.Now().Add(-2*probe.DefaultTimeout - time.Second)
	r.mu.Unlock()

	if err := r.RunOnce("eth-mainnet"); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got := ch.delivered()
	if len(got) != 1 || got[0].ID != alert.StuckID("eth-mainnet") {
		t.Fatalf("muted probe swallowed the stuck alert: %v", got)
	}
}

func TestTimeoutRecordsErrorAndHoldsLock(t *testing.T) {
	r, st, _ := newTestRunner(t, clock.System())

	desc := gasProbeDesc("eth-mainnet")
	desc.TimeoutMs = 40
	fp := &fakeProbe{id: desc.ID, facts: facts.Facts{}, block: make(chan struct{})}
	if err := r.Add(desc, fp, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	r.mu.Lock()
	mp := r.probes["eth-mainnet"]
	r.mu.Unlock()

	r.runProbe(context.Background(), mp, desc.Timeout(), "manual")

	runs, _ := st.RecentRuns("eth-mainnet", 10)
	if len(runs) != 1 || runs[0].Status != store.RunError || runs[0].ErrorMessage != timeoutMessage {
		t.Fatalf("run history = %+v", runs)
	}

	// The stale Collect is still in flight: the lock stays held.
	if len(r.Running()) != 1 {
		t.Fatalf("lock released while Collect in flight: %v", r.Running())
	}

	// Once the Collect returns, the lock is released.
	close(fp.block)
	deadline := time.Now().Add(2 * time.Second)
	for len(r.Running()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("lock not released after Collect returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMuteUnmute(t *testing.T) {
	clk := clock.NewManual(time.Now())
	r, st, _ := newTestRunner(t, clk)

	desc := gasProbeDesc("eth-mainnet")
	if err := r.Add(desc, &fakeProbe{id: desc.ID}, nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := r.Mute("eth-mainnet", 60); err != nil {
		t.Fatalf("mute: %v", err)
	}
	muted, _ := st.LoadProbeState("eth-mainnet")
	deadline := pipeline.MutedUntilMs(muted.Probe[pipeline.MutedUntilKey])
	want := clk.Now().UnixMilli() + 60*60_000
	if deadline != want {
		t.Fatalf("muted_until = %d, want %d", deadline, want)
	}

	if err := r.Unmute("eth-mainnet"); err != nil {
		t.Fatalf("unmute: %v", err)
	}
	unmuted, _ := st.LoadProbeState("eth-mainnet")
	if _, ok := unmuted.Probe[pipeline.MutedUntilKey]; ok {
		t.Fatal("unmute left the deadline in place")
	}

	if err := r.Mute("eth-mainnet", 0); err == nil {
		t.Fatal("zero-minute mute must be rejected")
	}
	if err := r.Mute("nope", 5); !errors.Is(err, ErrUnknownProbe) {
		t.Fatalf("unknown probe mute: %v", err)
	}
}

func TestMuteDuringRunSurvivesStateSave(t *testing.T) {
	clk := clock.NewManual(time.Now())
	r, st, ch := newTestRunner(t, clk)

	desc := gasProbeDesc("eth-mainnet")
	fp := &fakeProbe{
		id:    desc.ID,
		facts: facts.Facts{"evm.gasPriceGwei": facts.Float(120)},
		block: make(chan struct{}),
	}
	if err := r.Add(desc, fp, mustBuildRules(t, desc.Rules)); err != nil {
		t.Fatalf("add: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.RunOnce("eth-mainnet") }()

	deadline := time.Now().Add(2 * time.Second)
	for fp.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Mute lands while the run is blocked inside Collect.
	if err := r.Mute("eth-mainnet", 60); err != nil {
		t.Fatalf("mute: %v", err)
	}
	close(fp.block)
	if err := <-done; err != nil {
		t.Fatalf("run once: %v", err)
	}

	saved, err := st.LoadProbeState("eth-mainnet")
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if pipeline.MutedUntilMs(saved.Probe[pipeline.MutedUntilKey]) == 0 {
		t.Fatal("end-of-run save dropped the mid-run mute")
	}
	if saved.Rule["gas-high"] != "triggered" {
		t.Fatalf("rule state lost: %v", saved.Rule)
	}
	if len(ch.delivered()) != 0 {
		t.Fatalf("mid-run mute must suppress the run's alerts: %v", ch.delivered())
	}
}

func TestEnableDisable(t *testing.T) {
	clk := clock.NewManual(time.Now())
	r, _, _ := newTestRunner(t, clk)

	desc := gasProbeDesc("eth-mainnet")
	if err := r.Add(desc, &fakeProbe{id: desc.ID}, nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := r.Disable("eth-mainnet"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	// Idempotent.
	if err := r.Disable("eth-mainnet"); err != nil {
		t.Fatalf("second disable: %v", err)
	}
	if err := r.Enable("eth-mainnet"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := r.Enable("nope"); !errors.Is(err, ErrUnknownProbe) {
		t.Fatalf("unknown probe enable: %v", err)
	}
}

func TestAddValidation(t *testing.T) {
	r, _, _ := newTestRunner(t, clock.NewManual(time.Now()))

	desc := gasProbeDesc("eth-mainnet")
	if err := r.Add(desc, &fakeProbe{id: desc.ID}, nil); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Add(desc, &fakeProbe{id: desc.ID}, nil); err == nil {
		t.Fatal("duplicate id must be rejected")
	}

	bad := gasProbeDesc("cron-probe")
	bad.Interval = 0
	bad.Schedule = "not a cron line"
	if err := r.Add(bad, &fakeProbe{id: bad.ID}, nil); err == nil {
		t.Fatal("invalid cron schedule must be rejected")
	}

	cronOK := gasProbeDesc("cron-probe")
	cronOK.Interval = 0
	cronOK.Schedule = "*/5 * * * *"
	if err := r.Add(cronOK, &fakeProbe{id: cronOK.ID}, nil); err != nil {
		t.Fatalf("valid cron schedule rejected: %v", err)
	}
}

func TestStartAndStopLifecycle(t *testing.T) {
	r, st, _ := newTestRunner(t, clock.System())

	desc := gasProbeDesc("eth-mainnet")
	desc.Interval = 3600 // only the startup run fires during the test
	fp := &fakeProbe{id: desc.ID, facts: facts.Facts{}}
	if err := r.Add(desc, fp, nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	r.Start(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for fp.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("startup run never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()

	runs, _ := st.RecentRuns("eth-mainnet", 10)
	if len(runs) == 0 {
		t.Fatal("startup run not recorded")
	}
	if len(r.Running()) != 0 {
		t.Fatalf("locks survive Stop: %v", r.Running())
	}
}

func TestRuleErrorIsolation(t *testing.T) {
	clk := clock.NewManual(time.Now())
	r, _, ch := newTestRunner(t, clk)

	desc := gasProbeDesc("eth-mainnet")
	desc.Rules = []rule.Descriptor{
		{ID: "broken", Kind: rule.KindThreshold, Fact: "evm.gasPriceGwei", Threshold: 1, Operator: rule.OpGT},
		{ID: "gas-high", Kind: rule.KindThreshold, Fact: "evm.gasPriceGwei", Threshold: 100, Operator: rule.OpGT},
	}
	rules := mustBuildRules(t, desc.Rules)
	rules[0] = failingRule{}

	fp := &fakeProbe{id: desc.ID, facts: facts.Facts{"evm.gasPriceGwei": facts.Float(120)}}
	if err := r.Add(desc, fp, rules); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.RunOnce("eth-mainnet"); err != nil {
		t.Fatalf("run once: %v", err)
	}

	got := ch.delivered()
	if len(got) != 1 || got[0].RuleID != "gas-high" {
		t.Fatalf("later rule starved by failing one: %v", got)
	}
}

type failingRule struct{}

func (failingRule) ID() string { return "broken" }

func (failingRule) Evaluate(facts.Facts, rule.Context) ([]alert.Alert, error) {
	return nil, errors.New("boom")
}
