package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"trading-riskengine/internal/model"
	"trading-riskengine/internal/store/memory"
)

// slowLoadStore parks LoadRiskProfiles after reading until release closes.
type slowLoadStore struct {
	*memory.Store
	loaded  chan struct{}
	release chan struct{}
}

func (s *slowLoadStore) LoadRiskProfiles(ctx context.Context) (map[string]model.RiskProfile, error) {
	out, err := s.Store.LoadRiskProfiles(ctx)
	close(s.loaded)
	<-s.release
	return out, err
}

func TestCache_RefreshSkipsInvalidProfiles(t *testing.T) {
	st := memory.New()
	good := scenarioProfile()
	bad := scenarioProfile()
	bad.LeverageMultiple = d("20")
	st.AddUser("u1", &good)
	st.AddUser("u2", &bad)
	st.AddUser("u3", nil)

	c := NewCache(st)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
	if _, ok := c.Get("u1"); !ok {
		t.Error("u1 should be cached")
	}
	if _, ok := c.Get("u2"); ok {
		t.Error("invalid profile must not be cached")
	}
}

func TestCache_RefreshKeepsSnapshotOnError(t *testing.T) {
	st := memory.New()
	p := scenarioProfile()
	st.AddUser("u1", &p)
	c := NewCache(st)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	st.FailOn("LoadRiskProfiles", errors.New("db down"))
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := c.Get("u1"); !ok {
		t.Error("failed refresh must keep the previous snapshot")
	}
}

func TestCache_Update(t *testing.T) {
	st := memory.New()
	p := scenarioProfile()
	st.AddUser("u1", &p)
	c := NewCache(st)

	var notified []string
	c.OnUpdate = func(ctx context.Context, userID string) { notified = append(notified, userID) }
	c.Set("u1", p)

	old, _ := c.Get("u1")
	next := scenarioProfile()
	next.TrailingStopLoss = d("1")
	if err := c.Update(context.Background(), "u1", next); err != nil {
		t.Fatalf("Update: %v", err)
	}

	calc, ok := c.Get("u1")
	if !ok || !calc.Profile().TrailingStopLoss.Equal(d("1")) {
		t.Fatalf("cached profile not replaced: %+v", calc)
	}
	if old == calc {
		t.Error("entry must be replaced, not mutated")
	}
	saved, err := st.GetRiskProfile(context.Background(), "u1")
	if err != nil || !saved.TrailingStopLoss.Equal(d("1")) {
		t.Errorf("stored profile = %+v, %v", saved, err)
	}
	if len(notified) != 1 || notified[0] != "u1" {
		t.Errorf("OnUpdate calls = %v", notified)
	}
}

func TestCache_UpdateRejectsInvalid(t *testing.T) {
	st := memory.New()
	p := scenarioProfile()
	st.AddUser("u1", &p)
	c := NewCache(st)
	c.Set("u1", p)

	bad := scenarioProfile()
	bad.MaxSimultaneousPositions = 0
	err := c.Update(context.Background(), "u1", bad)
	if !errors.Is(err, ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}
	calc, _ := c.Get("u1")
	if calc.Profile().MaxSimultaneousPositions != 5 {
		t.Error("invalid update must leave the cache untouched")
	}
	saved, _ := st.GetRiskProfile(context.Background(), "u1")
	if saved.MaxSimultaneousPositions != 5 {
		t.Error("invalid update must not persist")
	}
}

func TestCache_ReloadEvictsMissing(t *testing.T) {
	st := memory.New()
	p := scenarioProfile()
	c := NewCache(st)
	c.Set("gone", p)

	if err := c.Reload(context.Background(), "gone"); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := c.Get("gone"); ok {
		t.Error("missing profile should be evicted")
	}

	st.AddUser("u1", &p)
	if err := c.Reload(context.Background(), "u1"); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if _, ok := c.Get("u1"); !ok {
		t.Error("u1 should be loaded")
	}
}

func TestCache_UpdateDuringRefreshSurvives(t *testing.T) {
	mem := memory.New()
	p := scenarioProfile()
	mem.AddUser("u1", &p)
	st := &slowLoadStore{Store: mem, loaded: make(chan struct{}), release: make(chan struct{})}
	c := NewCache(st)
	c.Set("u1", p)

	refreshed := make(chan error, 1)
	go func() { refreshed <- c.Refresh(context.Background()) }()
	<-st.loaded

	next := scenarioProfile()
	next.MaxSimultaneousPositions = 2
	updated := make(chan error, 1)
	go func() { updated <- c.Update(context.Background(), "u1", next) }()

	// Give the update a chance to land while the load is parked.
	select {
	case err := <-updated:
		updated <- err
	case <-time.After(50 * time.Millisecond):
	}
	close(st.release)

	if err := <-refreshed; err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := <-updated; err != nil {
		t.Fatalf("Update: %v", err)
	}

	saved, _ := mem.GetRiskProfile(context.Background(), "u1")
	calc, ok := c.Get("u1")
	if !ok {
		t.Fatal("u1 evicted")
	}
	if calc.Profile().MaxSimultaneousPositions != saved.MaxSimultaneousPositions {
		t.Fatalf("cache maxPositions = %d, store = %d", calc.Profile().MaxSimultaneousPositions, saved.MaxSimultaneousPositions)
	}
	if saved.MaxSimultaneousPositions != 2 {
		t.Errorf("stored maxPositions = %d, want 2", saved.MaxSimultaneousPositions)
	}
}
