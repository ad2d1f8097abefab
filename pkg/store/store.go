package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/llmrace/llmrace/pkg/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store provides persistence for all benchmark resources.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Connection CRUD.
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id uint) (*Connection, error)
	GetConnectionByName(ctx context.Context, name string) (*Connection, error)
	ListConnections(ctx context.Context) ([]Connection, error)
	UpdateConnection(ctx context.Context, conn *Connection) error
	DeleteConnection(ctx context.Context, id uint) error

	// Car CRUD.
	CreateCar(ctx context.Context, car *Car) error
	GetCar(ctx context.Context, id uint) (*Car, error)
	ListCars(ctx context.Context) ([]Car, error)
	UpdateCar(ctx context.Context, car *Car) error
	DeleteCar(ctx context.Context, id uint) error

	// Suite CRUD.
	CreateSuite(ctx context.Context, suite *Suite) error
	GetSuite(ctx context.Context, id uint) (*Suite, error)
	ListSuites(ctx context.Context) ([]Suite, error)
	DeleteSuite(ctx context.Context, id uint) error
	CreateTest(ctx context.Context, test *TestCase) error
	ListTests(ctx context.Context, suiteID uint) ([]TestCase, error)

	// Provider settings.
	GetProviderSetting(ctx context.Context, t ProviderType) (*ProviderSetting, error)
	ListProviderSettings(ctx context.Context) ([]ProviderSetting, error)
	UpdateProviderSetting(ctx context.Context, setting *ProviderSetting) error
	SeedProviderSettings(ctx context.Context) error

	// Runs and items.
	CreateRunWithItems(ctx context.Context, run *Run, items []RunItem) error
	GetRun(ctx context.Context, id uint) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	GetRunItem(ctx context.Context, id uint) (*RunItem, error)
	ListRunItems(ctx context.Context, runID uint) ([]RunItem, error)
	UpdateRunItem(ctx context.Context, item *RunItem) error

	// Per-item artifacts.
	UpsertRunOutput(ctx context.Context, output *RunOutput) error
	ListRunOutputs(ctx context.Context, runID uint) ([]RunOutput, error)
	UpsertRunMetric(ctx context.Context, metric *RunMetric) error
	ListRunMetrics(ctx context.Context, runID uint) ([]RunMetric, error)
	AppendToolCall(ctx context.Context, record *ToolCallRecord) error
	ListToolCalls(ctx context.Context, runID uint) ([]ToolCallRecord, error)

	// Judge results (append-only).
	AppendJudgeResult(ctx context.Context, result *JudgeResult) error
	ListJudgeResults(ctx context.Context, runID uint) ([]JudgeResult, error)

	// Telemetry (append-only, gapless per-run sequence).
	AppendEvent(ctx context.Context, event *TelemetryEvent) error
	ListEventsAfter(ctx context.Context, runID uint, afterSeq uint64) ([]TelemetryEvent, error)

	// Cross-run reads for the leaderboard.
	ListAllRunItems(ctx context.Context) ([]RunItem, error)
	ListAllRunMetrics(ctx context.Context) ([]RunMetric, error)
	ListAllRunOutputs(ctx context.Context) ([]RunOutput, error)
	ListAllJudgeResults(ctx context.Context) ([]JudgeResult, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Connection{},
		&ProviderSetting{},
		&Car{},
		&Suite{},
		&TestCase{},
		&Run{},
		&RunItem{},
		&RunOutput{},
		&RunMetric{},
		&ToolCallRecord{},
		&JudgeResult{},
		&TelemetryEvent{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// wrapNotFound maps gorm's sentinel onto the store's.
func wrapNotFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return fmt.Errorf("%s: %w", what, err)
}

// --- Connection CRUD ---

func (s *store) CreateConnection(ctx context.Context, conn *Connection) error {
	if err := s.db.WithContext(ctx).Create(conn).Error; err != nil {
		return fmt.Errorf("creating connection: %w", err)
	}

	return nil
}

func (s *store) GetConnection(ctx context.Context, id uint) (*Connection, error) {
	var conn Connection
	if err := s.db.WithContext(ctx).First(&conn, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting connection")
	}

	return &conn, nil
}

func (s *store) GetConnectionByName(ctx context.Context, name string) (*Connection, error) {
	var conn Connection
	if err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&conn).Error; err != nil {
		return nil, wrapNotFound(err, "getting connection by name")
	}

	return &conn, nil
}

func (s *store) ListConnections(ctx context.Context) ([]Connection, error) {
	var conns []Connection
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}

	return conns, nil
}

func (s *store) UpdateConnection(ctx context.Context, conn *Connection) error {
	if err := s.db.WithContext(ctx).Save(conn).Error; err != nil {
		return fmt.Errorf("updating connection: %w", err)
	}

	return nil
}

func (s *store) DeleteConnection(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Delete(&Connection{}, id).Error; err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}

	return nil
}

// --- Car CRUD ---

func (s *store) CreateCar(ctx context.Context, car *Car) error {
	if err := s.db.WithContext(ctx).Create(car).Error; err != nil {
		return fmt.Errorf("creating car: %w", err)
	}

	return nil
}

func (s *store) GetCar(ctx context.Context, id uint) (*Car, error) {
	var car Car
	if err := s.db.WithContext(ctx).First(&car, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting car")
	}

	return &car, nil
}

func (s *store) ListCars(ctx context.Context) ([]Car, error) {
	var cars []Car
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&cars).Error; err != nil {
		return nil, fmt.Errorf("listing cars: %w", err)
	}

	return cars, nil
}

func (s *store) UpdateCar(ctx context.Context, car *Car) error {
	if err := s.db.WithContext(ctx).Save(car).Error; err != nil {
		return fmt.Errorf("updating car: %w", err)
	}

	return nil
}

func (s *store) DeleteCar(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Delete(&Car{}, id).Error; err != nil {
		return fmt.Errorf("deleting car: %w", err)
	}

	return nil
}

// --- Suite CRUD ---

func (s *store) CreateSuite(ctx context.Context, suite *Suite) error {
	if err := s.db.WithContext(ctx).Create(suite).Error; err != nil {
		return fmt.Errorf("creating suite: %w", err)
	}

	return nil
}

func (s *store) GetSuite(ctx context.Context, id uint) (*Suite, error) {
	var suite Suite
	if err := s.db.WithContext(ctx).
		Preload("Tests", func(db *gorm.DB) *gorm.DB {
			return db.Order("order_index ASC")
		}).
		First(&suite, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting suite")
	}

	return &suite, nil
}

func (s *store) ListSuites(ctx context.Context) ([]Suite, error) {
	var suites []Suite
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&suites).Error; err != nil {
		return nil, fmt.Errorf("listing suites: %w", err)
	}

	return suites, nil
}

func (s *store) DeleteSuite(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("suite_id = ?", id).
			Delete(&TestCase{}).Error; err != nil {
			return fmt.Errorf("deleting suite tests: %w", err)
		}

		if err := tx.Delete(&Suite{}, id).Error; err != nil {
			return fmt.Errorf("deleting suite: %w", err)
		}

		return nil
	})
}

func (s *store) CreateTest(ctx context.Context, test *TestCase) error {
	if err := s.db.WithContext(ctx).Create(test).Error; err != nil {
		return fmt.Errorf("creating test: %w", err)
	}

	return nil
}

func (s *store) ListTests(ctx context.Context, suiteID uint) ([]TestCase, error) {
	var tests []TestCase
	if err := s.db.WithContext(ctx).
		Where("suite_id = ?", suiteID).
		Order("order_index ASC").
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("listing tests: %w", err)
	}

	return tests, nil
}

// --- Provider settings ---

// GetProviderSetting returns the settings row for a provider type,
// creating it with defaults when absent.
func (s *store) GetProviderSetting(
	ctx context.Context, t ProviderType,
) (*ProviderSetting, error) {
	setting := ProviderSetting{
		ProviderType:   t,
		MaxInFlight:    DefaultMaxInFlight,
		TimeoutMs:      DefaultTimeoutMs,
		RetryCount:     DefaultRetryCount,
		RetryBackoffMs: DefaultRetryBackoffMs,
	}

	if err := s.db.WithContext(ctx).
		Where("provider_type = ?", t).
		FirstOrCreate(&setting).Error; err != nil {
		return nil, fmt.Errorf("getting provider setting: %w", err)
	}

	return &setting, nil
}

func (s *store) ListProviderSettings(ctx context.Context) ([]ProviderSetting, error) {
	var settings []ProviderSetting
	if err := s.db.WithContext(ctx).
		Order("provider_type ASC").
		Find(&settings).Error; err != nil {
		return nil, fmt.Errorf("listing provider settings: %w", err)
	}

	return settings, nil
}

func (s *store) UpdateProviderSetting(
	ctx context.Context, setting *ProviderSetting,
) error {
	if err := s.db.WithContext(ctx).Save(setting).Error; err != nil {
		return fmt.Errorf("updating provider setting: %w", err)
	}

	return nil
}

// SeedProviderSettings ensures a settings row exists for every
// supported provider type.
func (s *store) SeedProviderSettings(ctx context.Context) error {
	for _, t := range AllProviderTypes() {
		if _, err := s.GetProviderSetting(ctx, t); err != nil {
			return fmt.Errorf("seeding settings for %s: %w", t, err)
		}
	}

	return nil
}

// --- Runs and items ---

// CreateRunWithItems persists the run and its full item enumeration in
// one transaction.
func (s *store) CreateRunWithItems(
	ctx context.Context, run *Run, items []RunItem,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(run).Error; err != nil {
			return fmt.Errorf("creating run: %w", err)
		}

		for i := range items {
			items[i].RunID = run.ID
		}

		if len(items) > 0 {
			if err := tx.Create(&items).Error; err != nil {
				return fmt.Errorf("creating run items: %w", err)
			}
		}

		return nil
	})
}

func (s *store) GetRun(ctx context.Context, id uint) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting run")
	}

	return &run, nil
}

func (s *store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []Run
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

func (s *store) UpdateRun(ctx context.Context, run *Run) error {
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("updating run: %w", err)
	}

	return nil
}

func (s *store) GetRunItem(ctx context.Context, id uint) (*RunItem, error) {
	var item RunItem
	if err := s.db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, wrapNotFound(err, "getting run item")
	}

	return &item, nil
}

func (s *store) ListRunItems(ctx context.Context, runID uint) ([]RunItem, error) {
	var items []RunItem
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing run items: %w", err)
	}

	return items, nil
}

func (s *store) UpdateRunItem(ctx context.Context, item *RunItem) error {
	if err := s.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("updating run item: %w", err)
	}

	return nil
}

// --- Per-item artifacts ---

func (s *store) UpsertRunOutput(ctx context.Context, output *RunOutput) error {
	var existing RunOutput

	err := s.db.WithContext(ctx).
		Where("run_item_id = ?", output.RunItemID).
		First(&existing).Error

	switch {
	case err == nil:
		output.ID = existing.ID

		if err := s.db.WithContext(ctx).Save(output).Error; err != nil {
			return fmt.Errorf("updating run output: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(output).Error; err != nil {
			return fmt.Errorf("creating run output: %w", err)
		}
	default:
		return fmt.Errorf("looking up run output: %w", err)
	}

	return nil
}

func (s *store) ListRunOutputs(ctx context.Context, runID uint) ([]RunOutput, error) {
	var outputs []RunOutput
	if err := s.db.WithContext(ctx).
		Joins("JOIN run_items ON run_items.id = run_outputs.run_item_id").
		Where("run_items.run_id = ?", runID).
		Order("run_outputs.run_item_id ASC").
		Find(&outputs).Error; err != nil {
		return nil, fmt.Errorf("listing run outputs: %w", err)
	}

	return outputs, nil
}

func (s *store) UpsertRunMetric(ctx context.Context, metric *RunMetric) error {
	var existing RunMetric

	err := s.db.WithContext(ctx).
		Where("run_item_id = ?", metric.RunItemID).
		First(&existing).Error

	switch {
	case err == nil:
		metric.ID = existing.ID

		if err := s.db.WithContext(ctx).Save(metric).Error; err != nil {
			return fmt.Errorf("updating run metric: %w", err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(metric).Error; err != nil {
			return fmt.Errorf("creating run metric: %w", err)
		}
	default:
		return fmt.Errorf("looking up run metric: %w", err)
	}

	return nil
}

func (s *store) ListRunMetrics(ctx context.Context, runID uint) ([]RunMetric, error) {
	var metrics []RunMetric
	if err := s.db.WithContext(ctx).
		Joins("JOIN run_items ON run_items.id = run_metrics.run_item_id").
		Where("run_items.run_id = ?", runID).
		Order("run_metrics.run_item_id ASC").
		Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("listing run metrics: %w", err)
	}

	return metrics, nil
}

func (s *store) AppendToolCall(ctx context.Context, record *ToolCallRecord) error {
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("appending tool call: %w", err)
	}

	return nil
}

func (s *store) ListToolCalls(ctx context.Context, runID uint) ([]ToolCallRecord, error) {
	var records []ToolCallRecord
	if err := s.db.WithContext(ctx).
		Joins("JOIN run_items ON run_items.id = tool_call_records.run_item_id").
		Where("run_items.run_id = ?", runID).
		Order("tool_call_records.run_item_id ASC, tool_call_records.loop_index ASC, tool_call_records.id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing tool calls: %w", err)
	}

	return records, nil
}

// --- Judge results ---

func (s *store) AppendJudgeResult(ctx context.Context, result *JudgeResult) error {
	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("appending judge result: %w", err)
	}

	return nil
}

func (s *store) ListJudgeResults(ctx context.Context, runID uint) ([]JudgeResult, error) {
	var results []JudgeResult
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing judge results: %w", err)
	}

	return results, nil
}

// --- Telemetry ---

// AppendEvent assigns the next per-run sequence number and persists the
// event atomically, keeping sequences gapless and strictly increasing.
func (s *store) AppendEvent(ctx context.Context, event *TelemetryEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq uint64

		if err := tx.Model(&TelemetryEvent{}).
			Where("run_id = ?", event.RunID).
			Select("COALESCE(MAX(seq_no), 0)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("reading max sequence: %w", err)
		}

		event.SeqNo = maxSeq + 1

		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("creating telemetry event: %w", err)
		}

		return nil
	})
}

func (s *store) ListEventsAfter(
	ctx context.Context, runID uint, afterSeq uint64,
) ([]TelemetryEvent, error) {
	var events []TelemetryEvent
	if err := s.db.WithContext(ctx).
		Where("run_id = ? AND seq_no > ?", runID, afterSeq).
		Order("seq_no ASC").
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("listing telemetry events: %w", err)
	}

	return events, nil
}

// --- Cross-run reads ---

func (s *store) ListAllRunItems(ctx context.Context) ([]RunItem, error) {
	var items []RunItem
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&items).Error; err != nil {
		return nil, fmt.Errorf("listing all run items: %w", err)
	}

	return items, nil
}

func (s *store) ListAllRunMetrics(ctx context.Context) ([]RunMetric, error) {
	var metrics []RunMetric
	if err := s.db.WithContext(ctx).
		Order("run_item_id ASC").
		Find(&metrics).Error; err != nil {
		return nil, fmt.Errorf("listing all run metrics: %w", err)
	}

	return metrics, nil
}

func (s *store) ListAllRunOutputs(ctx context.Context) ([]RunOutput, error) {
	var outputs []RunOutput
	if err := s.db.WithContext(ctx).
		Order("run_item_id ASC").
		Find(&outputs).Error; err != nil {
		return nil, fmt.Errorf("listing all run outputs: %w", err)
	}

	return outputs, nil
}

func (s *store) ListAllJudgeResults(ctx context.Context) ([]JudgeResult, error) {
	var results []JudgeResult
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("listing all judge results: %w", err)
	}

	return results, nil
}
