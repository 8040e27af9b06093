// Package postgres persists governance state in PostgreSQL through gorm. Locks reference their
// owning alert with ON DELETE CASCADE, and a partial unique index keeps at most one pending
// alert per (property, metric, condition).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/miradorstack/mirador-governance/internal/models"
	"github.com/miradorstack/mirador-governance/internal/store"
	"github.com/miradorstack/mirador-governance/internal/utils"
)

var _ store.Store = (*Store)(nil)

// Options configures the connection pool.
type Options struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
	Logger          *slog.Logger
}

// Store is a gorm backed store.Store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects, configures the pool and optionally migrates the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &Store{db: db, logger: opts.Logger}
	if opts.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates or updates the governance tables.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&analysisResultRow{}, &alertRow{}, &lockRow{}, &propertyStateRow{}); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_governance_alerts_pending_key
		ON governance_alerts (property_id, metric_name, alert_condition) WHERE status = 'pending'`).Error; err != nil {
		return fmt.Errorf("postgres: pending alert index: %w", err)
	}
	s.logger.Info("governance schema migrated")
	return nil
}

// Atomically implements store.Store.
func (s *Store) Atomically(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&transaction{db: db})
	})
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(tx store.Reader) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&transaction{db: db})
	}, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
}

// Close releases the pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type transaction struct {
	db *gorm.DB
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", kind, id, utils.ErrNotFound)
	}
	return err
}

func (t *transaction) ListAnalysisResults(propertyID, metricName string) ([]models.AnalysisResult, error) {
	q := t.db.Where("property_id = ?", propertyID)
	if metricName != "" {
		q = q.Where("metric_name = ?", metricName)
	}
	var rows []analysisResultRow
	if err := q.Order("analysis_date, created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.AnalysisResult, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (t *transaction) GetAlert(id string) (models.Alert, error) {
	var row alertRow
	if err := t.db.First(&row, "id = ?", id).Error; err != nil {
		return models.Alert{}, notFound(err, "alert", id)
	}
	return row.model(), nil
}

func (t *transaction) FindPendingAlert(key models.AlertKey) (models.Alert, bool, error) {
	var rows []alertRow
	err := t.db.
		Where("property_id = ? AND metric_name = ? AND alert_condition = ? AND status = ?",
			key.PropertyID, key.MetricName, key.Condition, string(models.AlertPending)).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return models.Alert{}, false, err
	}
	if len(rows) == 0 {
		return models.Alert{}, false, nil
	}
	return rows[0].model(), true, nil
}

func (t *transaction) ListAlerts(filter models.AlertFilter) ([]models.Alert, error) {
	q := t.db.Model(&alertRow{})
	if filter.PropertyID != "" {
		q = q.Where("property_id = ?", filter.PropertyID)
	}
	if filter.Committee != "" {
		q = q.Where("responsible_committee = ?", filter.Committee)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	return findAlerts(q)
}

func (t *transaction) ListPendingAlertsExpiringBefore(ts time.Time) ([]models.Alert, error) {
	return findAlerts(t.db.Where("status = ? AND expires_at < ?", string(models.AlertPending), ts))
}

func findAlerts(q *gorm.DB) ([]models.Alert, error) {
	var rows []alertRow
	if err := q.Order("created_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.Alert, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (t *transaction) GetLock(id string) (models.WorkflowLock, error) {
	var row lockRow
	if err := t.db.First(&row, "id = ?", id).Error; err != nil {
		return models.WorkflowLock{}, notFound(err, "lock", id)
	}
	return row.model(), nil
}

func (t *transaction) ListLocks(propertyID string) ([]models.WorkflowLock, error) {
	return findLocks(t.db.Where("property_id = ?", propertyID))
}

func (t *transaction) ListLocksByAlert(alertID string) ([]models.WorkflowLock, error) {
	return findLocks(t.db.Where("alert_id = ?", alertID))
}

func (t *transaction) ListActiveLocksBefore(ts time.Time) ([]models.WorkflowLock, error) {
	return findLocks(t.db.Where("status = ? AND locked_at < ?", string(models.LockLocked), ts))
}

func findLocks(q *gorm.DB) ([]models.WorkflowLock, error) {
	var rows []lockRow
	if err := q.Order("locked_at, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]models.WorkflowLock, len(rows))
	for i, r := range rows {
		out[i] = r.model()
	}
	return out, nil
}

func (t *transaction) GetPropertyState(propertyID string) (models.PropertyState, error) {
	var rows []propertyStateRow
	if err := t.db.Where("property_id = ?", propertyID).Limit(1).Find(&rows).Error; err != nil {
		return models.PropertyState{}, err
	}
	if len(rows) == 0 {
		return models.PropertyState{PropertyID: propertyID}, nil
	}
	return rows[0].model(), nil
}

func (t *transaction) InsertAnalysisResult(result models.AnalysisResult) error {
	row := resultToRow(result)
	return t.db.Create(&row).Error
}

func (t *transaction) InsertAlert(alert models.Alert) error {
	row := alertToRow(alert)
	err := t.db.Omit("Locks").Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) && alert.Status == models.AlertPending {
		return fmt.Errorf("alert %s: %w", alert.ID, utils.ErrDuplicateAlertSuppressed)
	}
	return err
}

func (t *transaction) UpdateAlert(alert models.Alert) error {
	row := alertToRow(alert)
	res := t.db.Model(&alertRow{}).Where("id = ?", alert.ID).Select("*").Omit("id", "Locks").Updates(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %s: %w", alert.ID, utils.ErrNotFound)
	}
	return nil
}

func (t *transaction) DeleteAlert(id string) error {
	res := t.db.Delete(&alertRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("alert %s: %w", id, utils.ErrNotFound)
	}
	return nil
}

func (t *transaction) InsertLock(lock models.WorkflowLock) error {
	row := lockToRow(lock)
	err := t.db.Create(&row).Error
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return fmt.Errorf("lock %s owner alert %s: %w", lock.ID, lock.AlertID, utils.ErrNotFound)
	}
	return err
}

func (t *transaction) UpdateLock(lock models.WorkflowLock) error {
	row := lockToRow(lock)
	res := t.db.Model(&lockRow{}).Where("id = ?", lock.ID).Select("*").Omit("id").Updates(&row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("lock %s: %w", lock.ID, utils.ErrNotFound)
	}
	return nil
}

func (t *transaction) PutPropertyState(st models.PropertyState, expectedVersion int64) error {
	row := stateToRow(st)
	var res *gorm.DB
	if expectedVersion == 0 {
		res = t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	} else {
		res = t.db.Model(&propertyStateRow{}).
			Where("property_id = ? AND version = ?", st.PropertyID, expectedVersion).
			Select("*").Omit("property_id").
			Updates(&row)
	}
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &utils.ConcurrentMutationError{
			PropertyID: st.PropertyID,
			Reason:     fmt.Sprintf("property state moved past version %d", expectedVersion),
		}
	}
	return nil
}
