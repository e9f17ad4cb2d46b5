package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"trading-riskengine/internal/model"
)

// LoadRiskProfiles returns every user's stored profile. Rows whose profile
// cannot be decoded are logged and skipped.
func (s *Store) LoadRiskProfiles(ctx context.Context) (map[string]model.RiskProfile, error) {
	query := `
		SELECT id, risk_profile
		FROM users
		WHERE risk_profile IS NOT NULL`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: load profiles: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.RiskProfile)
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("postgres: load profiles: %w", err)
		}
		var p model.RiskProfile
		if err := json.Unmarshal(raw, &p); err != nil {
			log.Printf("[postgres] skipping user %s: bad risk_profile: %v", id, err)
			continue
		}
		out[id] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load profiles: %w", err)
	}
	return out, nil
}

func (s *Store) GetRiskProfile(ctx context.Context, userID string) (model.RiskProfile, error) {
	query := `
		SELECT risk_profile
		FROM users
		WHERE id = $1 AND risk_profile IS NOT NULL`

	var raw []byte
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&raw); err != nil {
		return model.RiskProfile{}, notFound(err, "profile", userID)
	}
	var p model.RiskProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.RiskProfile{}, fmt.Errorf("postgres: profile %s: %w", userID, err)
	}
	return p, nil
}

func (s *Store) SaveRiskProfile(ctx context.Context, userID string, p model.RiskProfile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("postgres: encode profile: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET risk_profile = $2 WHERE id = $1`, userID, raw)
	if err != nil {
		return fmt.Errorf("postgres: save profile %s: %w", userID, err)
	}
	return exactlyOne(res, "user", userID)
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: list users: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: user exists %s: %w", userID, err)
	}
	return exists, nil
}

func (s *Store) ResetDailyCounters(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET daily_pnl = 0, daily_trades = 0`)
	if err != nil {
		return 0, fmt.Errorf("postgres: reset daily counters: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) BrokerCredentials(ctx context.Context, userID string) (model.BrokerCredentials, error) {
	query := `
		SELECT broker_client_code, broker_api_key, broker_access_token, broker_password, broker_totp_secret
		FROM users
		WHERE id = $1`

	var c model.BrokerCredentials
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&c.ClientCode,
		&c.APIKey,
		&c.AccessToken,
		&c.Password,
		&c.TOTPSecret,
	)
	if err != nil {
		return model.BrokerCredentials{}, notFound(err, "user", userID)
	}
	return c, nil
}
