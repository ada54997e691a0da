package checkin

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/sunny-voice-lab/internal/analysis"
	"github.com/sunny-voice-lab/internal/logging"
	"github.com/sunny-voice-lab/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound reports a lookup that matched no row.
var ErrNotFound = errors.New("checkin: not found")

// Elder is a registered care recipient.
type Elder struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Name           string    `json:"name"`
	Nickname       string    `json:"nickname,omitempty"`
	Interests      string    `json:"interests,omitempty"`
	MedicalNotes   string    `json:"medicalNotes,omitempty"`
	FamilyName     string    `json:"familyName"`
	FamilyEmail    string    `json:"familyEmail"`
	EmergencyPhone string    `json:"emergencyPhone,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Record is one stored check-in call.
type Record struct {
	ID              string              `json:"id"`
	ElderID         string              `json:"elderId"`
	WellnessScore   int                 `json:"wellnessScore"`
	Summary         string              `json:"summary"`
	Transcript      []session.Utterance `json:"transcript"`
	Alerts          []analysis.Alert    `json:"alerts"`
	DurationSeconds int                 `json:"durationSeconds"`
	CreatedAt       time.Time           `json:"createdAt"`
}

// AlertRow is one stored alert with its acknowledgement state.
type AlertRow struct {
	ID             string     `json:"id"`
	ElderID        string     `json:"elderId"`
	CheckinID      string     `json:"checkinId,omitempty"`
	Type           string     `json:"type"`
	Severity       string     `json:"severity"`
	Message        string     `json:"message"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Subscription tracks a family account's billing plan.
type Subscription struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"userId"`
	StripeCustomerID     string     `json:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string     `json:"stripeSubscriptionId,omitempty"`
	Plan                 string     `json:"plan"`
	Status               string     `json:"status"`
	CurrentPeriodEnd     *time.Time `json:"currentPeriodEnd,omitempty"`
}

// Store persists check-ins, alerts, elders and subscriptions in Postgres.
type Store struct {
	pool     *pgxpool.Pool
	notifier *Notifier // optional
}

// Open connects a pool and verifies the database is reachable.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("checkin: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkin: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// SetNotifier attaches the alert webhook forwarder. Alerts persisted after
// this call are forwarded best-effort.
func (s *Store) SetNotifier(n *Notifier) { s.notifier = n }

// Migrate applies the embedded schema migrations.
func Migrate(databaseURL string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("checkin: migrate open: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("checkin: migrate dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("checkin: migrate up: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Persist stores the finished call as a check-in plus one alert row per
// detected alert, all in one transaction. It implements session.ResultSink.
func (s *Store) Persist(ctx context.Context, elderID string, result *session.CallResult) (string, error) {
	transcript, err := json.Marshal(result.Transcript)
	if err != nil {
		return "", fmt.Errorf("checkin: marshal transcript: %w", err)
	}
	alerts, err := json.Marshal(result.Alerts)
	if err != nil {
		return "", fmt.Errorf("checkin: marshal alerts: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("checkin: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var checkinID string
	err = tx.QueryRow(ctx,
		`INSERT INTO checkins (elder_id, wellness_score, summary, transcript, alerts, duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		nullableID(elderID), result.WellnessScore, result.Summary, transcript, alerts, result.DurationSeconds,
	).Scan(&checkinID)
	if err != nil {
		return "", fmt.Errorf("checkin: insert checkin: %w", err)
	}

	for _, a := range result.Alerts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO alerts (elder_id, checkin_id, type, severity, message)
			 VALUES ($1, $2, $3, $4, $5)`,
			nullableID(elderID), checkinID, string(a.Type), string(a.Severity), a.Message,
		); err != nil {
			return "", fmt.Errorf("checkin: insert alert: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("checkin: commit: %w", err)
	}

	logging.Infow("checkin: stored", logging.CheckinFields(checkinID, result.WellnessScore, len(result.Alerts))...)

	if s.notifier != nil && len(result.Alerts) > 0 {
		s.notifier.Forward(elderID, checkinID, result)
	}
	return checkinID, nil
}

// ListCheckins returns the most recent check-ins for an elder, newest first.
func (s *Store) ListCheckins(ctx context.Context, elderID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(elder_id::text, ''), wellness_score, summary, transcript, alerts, duration_seconds, created_at
		 FROM checkins
		 WHERE $1 = '' OR elder_id::text = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		elderID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("checkin: list checkins: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var transcript, alerts []byte
		if err := rows.Scan(&r.ID, &r.ElderID, &r.WellnessScore, &r.Summary, &transcript, &alerts, &r.DurationSeconds, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("checkin: scan checkin: %w", err)
		}
		if len(transcript) > 0 {
			if err := json.Unmarshal(transcript, &r.Transcript); err != nil {
				return nil, fmt.Errorf("checkin: decode transcript: %w", err)
			}
		}
		if len(alerts) > 0 {
			if err := json.Unmarshal(alerts, &r.Alerts); err != nil {
				return nil, fmt.Errorf("checkin: decode alerts: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAlerts returns alerts for an elder, optionally only unacknowledged
// ones, newest first.
func (s *Store) ListAlerts(ctx context.Context, elderID string, unackedOnly bool) ([]AlertRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(elder_id::text, ''), COALESCE(checkin_id::text, ''), type, severity, message, acknowledged, acknowledged_at, created_at
		 FROM alerts
		 WHERE ($1 = '' OR elder_id::text = $1) AND (NOT $2 OR NOT acknowledged)
		 ORDER BY created_at DESC`,
		elderID, unackedOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("checkin: list alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRow
	for rows.Next() {
		var a AlertRow
		if err := rows.Scan(&a.ID, &a.ElderID, &a.CheckinID, &a.Type, &a.Severity, &a.Message, &a.Acknowledged, &a.AcknowledgedAt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("checkin: scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AckAlert marks one alert acknowledged. Acknowledging twice is a no-op
// that keeps the original acknowledgement time.
func (s *Store) AckAlert(ctx context.Context, alertID string) (AlertRow, error) {
	var a AlertRow
	err := s.pool.QueryRow(ctx,
		`UPDATE alerts
		 SET acknowledged = TRUE,
		     acknowledged_at = COALESCE(acknowledged_at, now())
		 WHERE id = $1
		 RETURNING id, COALESCE(elder_id::text, ''), COALESCE(checkin_id::text, ''), type, severity, message, acknowledged, acknowledged_at, created_at`,
		alertID,
	).Scan(&a.ID, &a.ElderID, &a.CheckinID, &a.Type, &a.Severity, &a.Message, &a.Acknowledged, &a.AcknowledgedAt, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AlertRow{}, ErrNotFound
	}
	if err != nil {
		return AlertRow{}, fmt.Errorf("checkin: ack alert: %w", err)
	}
	return a, nil
}

// CreateElder registers a care recipient.
func (s *Store) CreateElder(ctx context.Context, e Elder) (Elder, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO elders (user_id, name, nickname, interests, medical_notes, family_name, family_email, emergency_phone)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		e.UserID, e.Name, e.Nickname, e.Interests, e.MedicalNotes, e.FamilyName, e.FamilyEmail, e.EmergencyPhone,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return Elder{}, fmt.Errorf("checkin: create elder: %w", err)
	}
	return e, nil
}

// ListElders returns the elders registered by one family account.
func (s *Store) ListElders(ctx context.Context, userID string) ([]Elder, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, COALESCE(nickname, ''), COALESCE(interests, ''), COALESCE(medical_notes, ''), name, family_name, family_email, COALESCE(emergency_phone, ''), created_at
		 FROM elders
		 WHERE user_id = $1
		 ORDER BY created_at`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("checkin: list elders: %w", err)
	}
	defer rows.Close()

	var out []Elder
	for rows.Next() {
		var e Elder
		if err := rows.Scan(&e.ID, &e.UserID, &e.Nickname, &e.Interests, &e.MedicalNotes, &e.Name, &e.FamilyName, &e.FamilyEmail, &e.EmergencyPhone, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("checkin: scan elder: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpsertSubscription records a completed checkout, keyed by the family
// account id.
func (s *Store) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscriptions (user_id, stripe_customer_id, stripe_subscription_id, plan, status, current_period_end)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO UPDATE SET
		   stripe_customer_id = EXCLUDED.stripe_customer_id,
		   stripe_subscription_id = EXCLUDED.stripe_subscription_id,
		   plan = EXCLUDED.plan,
		   status = EXCLUDED.status,
		   current_period_end = EXCLUDED.current_period_end,
		   updated_at = now()`,
		sub.UserID, sub.StripeCustomerID, sub.StripeSubscriptionID, sub.Plan, sub.Status, sub.CurrentPeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("checkin: upsert subscription: %w", err)
	}
	return nil
}

// DowngradeSubscription returns a canceled account to the free plan.
func (s *Store) DowngradeSubscription(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscriptions
		 SET plan = 'free', status = 'canceled', updated_at = now()
		 WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("checkin: downgrade subscription: %w", err)
	}
	return nil
}

// nullableID maps an unset elder id to NULL so calls placed without a
// registered elder still persist.
func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
