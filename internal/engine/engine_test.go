package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus-qen/watchtower/internal/clock"
	"github.com/marcus-qen/watchtower/internal/config"
	"github.com/marcus-qen/watchtower/internal/facts"
	"github.com/marcus-qen/watchtower/internal/platform"
	"github.com/marcus-qen/watchtower/internal/probe"
	"github.com/marcus-qen/watchtower/internal/rule"
	"github.com/marcus-qen/watchtower/internal/store"
)

type staticProbe struct {
	id string
	f  facts.Facts
}

func (s staticProbe) ID() string { return s.id }

func (s staticProbe) Collect(context.Context, *store.ProbeState) (facts.Facts, error) {
	return s.f, nil
}

type staticPlatform struct {
	facts     facts.Facts
	destroyed bool
}

func (s *staticPlatform) Describe() platform.Descriptor {
	return platform.Descriptor{ID: "static", DisplayName: "Static", Version: "0.0.1", ProbeTypes: []string{"fixed"}}
}

func (s *staticPlatform) Initialize(context.Context, map[string]any) error { return nil }

func (s *staticPlatform) CreateProbe(_ string, desc probe.Descriptor) (probe.Probe, error) {
	return staticProbe{id: desc.ID, f: s.facts}, nil
}

func (s *staticPlatform) Destroy(context.Context) error {
	s.destroyed = true
	return nil
}

func (s *staticPlatform) HealthCheck(context.Context) bool { return true }

func newTestEngine(t *testing.T, cfg config.Config, pf *staticPlatform) *Engine {
	t.Helper()
	registry := platform.NewRegistry(nil)
	if err := registry.Register(pf); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng, err := New(Options{
		Config:    cfg,
		Registry:  registry,
		Clock:     clock.NewManual(time.Now()),
		StorePath: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func engineConfig() config.Config {
	cfg := config.Default()
	cfg.Probes = []probe.Descriptor{{
		ID: "fixed-1", Platform: "static", Type: "fixed", Interval: 3600,
		Rules: []rule.Descriptor{{
			ID: "level-high", Kind: rule.KindThreshold,
			Fact: "static.level", Threshold: 10, Operator: rule.OpGT,
		}},
	}}
	return cfg
}

func TestEngineStartStop(t *testing.T) {
	pf := &staticPlatform{facts: facts.Facts{"static.level": facts.Int(5)}}
	eng := newTestEngine(t, engineConfig(), pf)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	probes := eng.ListProbes()
	if len(probes) != 1 || probes[0].ID != "fixed-1" {
		t.Fatalf("probes = %+v", probes)
	}

	if err := eng.RunOnce("fixed-1"); err != nil {
		t.Fatalf("run once: %v", err)
	}

	// The startup run and RunOnce race through the single-flight gate;
	// either one persists the evaluated state.
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := eng.LoadProbeState("fixed-1")
		if err != nil {
			t.Fatalf("load state: %v", err)
		}
		if st.Rule["level-high"] == "ok" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("rule state never persisted: %v", st.Rule)
		}
		time.Sleep(10 * time.Millisecond)
	}

	runs, err := eng.RecentRuns(10)
	if err != nil || len(runs) == 0 {
		t.Fatalf("recent runs = %v %v", runs, err)
	}

	eng.Stop(context.Background())
	if !pf.destroyed {
		t.Fatal("Stop must destroy platforms")
	}
}

func TestEngineSkipsDisabledProbes(t *testing.T) {
	cfg := engineConfig()
	off := false
	cfg.Probes[0].Enabled = &off
	pf := &staticPlatform{facts: facts.Facts{}}
	eng := newTestEngine(t, cfg, pf)

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop(context.Background())

	if got := eng.ListProbes(); len(got) != 0 {
		t.Fatalf("disabled probe registered: %+v", got)
	}
}

func TestEngineNotFound(t *testing.T) {
	pf := &staticPlatform{facts: facts.Facts{}}
	eng := newTestEngine(t, engineConfig(), pf)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop(context.Background())

	if _, err := eng.LoadProbeState("nope"); !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
	if err := eng.Mute("nope", 5); !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestEngineRejectsUnknownPlatformReference(t *testing.T) {
	cfg := engineConfig()
	cfg.Probes[0].Platform = "solana"
	pf := &staticPlatform{facts: facts.Facts{}}
	eng := newTestEngine(t, cfg, pf)

	if err := eng.Start(context.Background()); err == nil {
		t.Fatal("unknown platform reference must fail startup")
	}
}
