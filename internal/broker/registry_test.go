package broker

import (
	"context"
	"errors"
	"testing"

	"trading-riskengine/internal/model"
)

type credMap map[string]model.BrokerCredentials

func (m credMap) BrokerCredentials(_ context.Context, userID string) (model.BrokerCredentials, error) {
	c, ok := m[userID]
	if !ok {
		return model.BrokerCredentials{}, model.ErrNotFound
	}
	return c, nil
}

func TestRegistry_ReusesClientPerCredentials(t *testing.T) {
	creds := credMap{
		"u1": {ClientCode: "C1", APIKey: "k", AccessToken: "t1"},
		"u2": {ClientCode: "C1", APIKey: "k", AccessToken: "t1"},
		"u3": {ClientCode: "C3", APIKey: "k", AccessToken: "t3"},
	}
	built := 0
	r := NewRegistry(creds, func(c model.BrokerCredentials) model.Broker {
		built++
		return NewClient(c, Config{}, nil)
	})
	ctx := context.Background()

	a, err := r.ForUser(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := r.ForUser(ctx, "u2")
	if a != b {
		t.Error("same account should share one client")
	}
	if _, err := r.ForUser(ctx, "u3"); err != nil {
		t.Fatal(err)
	}
	if built != 2 || r.Len() != 2 {
		t.Errorf("built=%d len=%d, want 2/2", built, r.Len())
	}
}

func TestRegistry_RotatedCredentialsReplaceClient(t *testing.T) {
	creds := credMap{"u1": {ClientCode: "C1", APIKey: "k", AccessToken: "old"}}
	r := NewRegistry(creds, func(c model.BrokerCredentials) model.Broker { return NewClient(c, Config{}, nil) })
	ctx := context.Background()

	first, _ := r.ForUser(ctx, "u1")
	creds["u1"] = model.BrokerCredentials{ClientCode: "C1", APIKey: "k", AccessToken: "new"}
	second, _ := r.ForUser(ctx, "u1")

	if first == second {
		t.Error("rotated credentials returned the stale client")
	}
	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestRegistry_MissingAccount(t *testing.T) {
	r := NewRegistry(credMap{"u1": {ClientCode: "C1"}}, func(c model.BrokerCredentials) model.Broker { return nil })

	for _, user := range []string{"u1", "ghost"} {
		if _, err := r.ForUser(context.Background(), user); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", user, err)
		}
	}
}

func TestKey_DiffersBySecret(t *testing.T) {
	a := Key(model.BrokerCredentials{ClientCode: "C1", APIKey: "k", Password: "p1"})
	b := Key(model.BrokerCredentials{ClientCode: "C1", APIKey: "k", Password: "p2"})
	if a == b {
		t.Error("keys collide")
	}
}
