package risk

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"trading-riskengine/internal/model"
)

// ErrProfileNotFound is returned when a user has no usable risk profile.
var ErrProfileNotFound = errors.New("risk profile not found")

// Cache maps user id → Calculator. Readers load an immutable snapshot map;
// writers copy it, replace one entry wholesale, and swap the pointer.
type Cache struct {
	store model.ProfileStore

	writeMu sync.Mutex
	entries atomic.Pointer[map[string]*Calculator]

	// OnUpdate is called after a profile update is persisted, e.g. to tell
	// other instances to reload the user.
	OnUpdate func(ctx context.Context, userID string)
}

// NewCache creates an empty cache backed by store.
func NewCache(store model.ProfileStore) *Cache {
	c := &Cache{store: store}
	empty := make(map[string]*Calculator)
	c.entries.Store(&empty)
	return c
}

// Get returns the calculator for userID.
func (c *Cache) Get(userID string) (*Calculator, bool) {
	calc, ok := (*c.entries.Load())[userID]
	return calc, ok
}

// Profile returns the cached risk profile for userID.
func (c *Cache) Profile(userID string) (model.RiskProfile, bool) {
	calc, ok := c.Get(userID)
	if !ok {
		return model.RiskProfile{}, false
	}
	return calc.Profile(), true
}

// Len returns the number of cached users.
func (c *Cache) Len() int {
	return len(*c.entries.Load())
}

// Refresh reloads every profile from the store. Profiles that fail
// validation are left out and logged. Writers are held off for the whole
// load so an update saved meanwhile is not replaced by the older snapshot.
func (c *Cache) Refresh(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	profiles, err := c.store.LoadRiskProfiles(ctx)
	if err != nil {
		return fmt.Errorf("risk: load profiles: %w", err)
	}

	next := make(map[string]*Calculator, len(profiles))
	for userID, p := range profiles {
		if err := Validate(p); err != nil {
			log.Printf("[risk] skipping profile for user %s: %v", userID, err)
			continue
		}
		next[userID] = NewCalculator(p)
	}
	c.entries.Store(&next)

	log.Printf("[risk] loaded %d risk profiles", len(next))
	return nil
}

// Reload re-reads one user's profile; a missing or invalid profile evicts
// the entry.
func (c *Cache) Reload(ctx context.Context, userID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	p, err := c.store.GetRiskProfile(ctx, userID)
	if errors.Is(err, model.ErrNotFound) {
		c.swapLocked(userID, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("risk: reload profile %s: %w", userID, err)
	}
	if err := Validate(p); err != nil {
		c.swapLocked(userID, nil)
		return err
	}
	c.swapLocked(userID, NewCalculator(p))
	return nil
}

// Update validates p, persists it and replaces the cached entry. An invalid
// profile changes nothing.
func (c *Cache) Update(ctx context.Context, userID string, p model.RiskProfile) error {
	if err := Validate(p); err != nil {
		return err
	}

	c.writeMu.Lock()
	if err := c.store.SaveRiskProfile(ctx, userID, p); err != nil {
		c.writeMu.Unlock()
		return fmt.Errorf("risk: save profile %s: %w", userID, err)
	}
	c.swapLocked(userID, NewCalculator(p))
	c.writeMu.Unlock()
	log.Printf("[risk] risk profile updated for user %s", userID)

	if c.OnUpdate != nil {
		c.OnUpdate(ctx, userID)
	}
	return nil
}

// Set installs a calculator directly. Intended for wiring and tests.
func (c *Cache) Set(userID string, p model.RiskProfile) {
	c.swap(userID, NewCalculator(p))
}

func (c *Cache) swap(userID string, calc *Calculator) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.swapLocked(userID, calc)
}

func (c *Cache) swapLocked(userID string, calc *Calculator) {
	cur := *c.entries.Load()
	next := make(map[string]*Calculator, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	if calc == nil {
		delete(next, userID)
	} else {
		next[userID] = calc
	}
	c.entries.Store(&next)
}
