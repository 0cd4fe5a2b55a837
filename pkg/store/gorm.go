package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/hostedops/deployoor/pkg/config"
	"github.com/hostedops/deployoor/pkg/deployment"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Compile-time interface check.
var _ Store = (*dbStore)(nil)

type dbStore struct {
	log   logrus.FieldLogger
	cfg   *config.StoreConfig
	db    *gorm.DB
	locks *lockTable
}

// NewStore creates a Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.StoreConfig) Store {
	return &dbStore{
		log:   log.WithField("component", "store"),
		cfg:   cfg,
		locks: newLockTable(log),
	}
}

type lastRunModel struct {
	AppID   string `gorm:"primaryKey;size:255"`
	JobType string `gorm:"primaryKey;size:64"`
	Data    []byte
}

func (lastRunModel) TableName() string { return "last_runs" }

type historicRunModel struct {
	AppID   string `gorm:"primaryKey;size:255"`
	JobType string `gorm:"primaryKey;size:64"`
	Number  int64  `gorm:"primaryKey;autoIncrement:false"`
	Data    []byte
}

func (historicRunModel) TableName() string { return "historic_runs" }

type documentModel struct {
	Key  string `gorm:"primaryKey;size:512"`
	Data []byte
}

func (documentModel) TableName() string { return "documents" }

// Start opens the database connection and runs migrations.
func (s *dbStore) Start(ctx context.Context) error {
	var dialector gorm.Dialector

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
		return fmt.Errorf("unsupported store driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&lastRunModel{},
		&historicRunModel{},
		&documentModel{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Store connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *dbStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Lock acquires the leased lock for the given key.
func (s *dbStore) Lock(key string, timeout time.Duration) (Lease, error) {
	return s.locks.Lock(key, timeout)
}

func (s *dbStore) ReadLastRun(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType,
) (*deployment.Run, error) {
	var model lastRunModel

	err := s.db.WithContext(ctx).
		Where("app_id = ? AND job_type = ?", id.String(), t.String()).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}

		return nil, fmt.Errorf("reading last run of %s %s: %w", id, t, err)
	}

	return decodeRun(model.Data)
}

func (s *dbStore) WriteLastRun(ctx context.Context, run deployment.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("serialising %s: %w", run.ID(), err)
	}

	model := lastRunModel{
		AppID:   run.ID().Application.String(),
		JobType: run.ID().Type.String(),
		Data:    data,
	}

	err = s.db.WithContext(ctx).
		Where("app_id = ? AND job_type = ?", model.AppID, model.JobType).
		Assign(lastRunModel{Data: data}).
		FirstOrCreate(&model).Error
	if err != nil {
		return fmt.Errorf("writing last run of %s: %w", run.ID(), err)
	}

	return nil
}

func (s *dbStore) ReadHistoricRuns(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType,
) ([]deployment.Run, error) {
	var models []historicRunModel

	err := s.db.WithContext(ctx).
		Where("app_id = ? AND job_type = ?", id.String(), t.String()).
		Order("number ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("reading history of %s %s: %w", id, t, err)
	}

	runs := make([]deployment.Run, 0, len(models))

	for _, model := range models {
		run, err := decodeRun(model.Data)
		if err != nil {
			return nil, err
		}

		runs = append(runs, *run)
	}

	return runs, nil
}

func (s *dbStore) WriteHistoricRuns(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType, runs []deployment.Run,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("app_id = ? AND job_type = ?", id.String(), t.String()).
			Delete(&historicRunModel{}).Error; err != nil {
			return fmt.Errorf("clearing history of %s %s: %w", id, t, err)
		}

		for _, run := range runs {
			data, err := json.Marshal(run)
			if err != nil {
				return fmt.Errorf("serialising %s: %w", run.ID(), err)
			}

			model := historicRunModel{
				AppID:   id.String(),
				JobType: t.String(),
				Number:  run.ID().Number,
				Data:    data,
			}

			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("writing history of %s %s: %w", id, t, err)
			}
		}

		return nil
	})
}

func (s *dbStore) DeleteJobData(
	ctx context.Context, id deployment.ApplicationID, t deployment.JobType,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("app_id = ? AND job_type = ?", id.String(), t.String()).
			Delete(&lastRunModel{}).Error; err != nil {
			return fmt.Errorf("deleting last run of %s %s: %w", id, t, err)
		}

		if err := tx.
			Where("app_id = ? AND job_type = ?", id.String(), t.String()).
			Delete(&historicRunModel{}).Error; err != nil {
			return fmt.Errorf("deleting history of %s %s: %w", id, t, err)
		}

		return nil
	})
}

func (s *dbStore) DeleteApplicationData(ctx context.Context, id deployment.ApplicationID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("app_id = ?", id.String()).
			Delete(&lastRunModel{}).Error; err != nil {
			return fmt.Errorf("deleting last runs of %s: %w", id, err)
		}

		if err := tx.
			Where("app_id = ?", id.String()).
			Delete(&historicRunModel{}).Error; err != nil {
			return fmt.Errorf("deleting history of %s: %w", id, err)
		}

		return nil
	})
}

func (s *dbStore) ApplicationsWithJobs(ctx context.Context) ([]deployment.ApplicationID, error) {
	var appIDs []string

	err := s.db.WithContext(ctx).
		Model(&lastRunModel{}).
		Distinct("app_id").
		Order("app_id ASC").
		Pluck("app_id", &appIDs).Error
	if err != nil {
		return nil, fmt.Errorf("listing applications with jobs: %w", err)
	}

	ids := make([]deployment.ApplicationID, 0, len(appIDs))

	for _, appID := range appIDs {
		id, err := deployment.ParseApplicationID(appID)
		if err != nil {
			return nil, fmt.Errorf("listing applications with jobs: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, nil
}

func (s *dbStore) ReadDocument(ctx context.Context, key string) ([]byte, error) {
	var model documentModel

	err := s.db.WithContext(ctx).
		Where("key = ?", key).
		First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}

		return nil, fmt.Errorf("reading document %q: %w", key, err)
	}

	return model.Data, nil
}

func (s *dbStore) WriteDocument(ctx context.Context, key string, data []byte) error {
	model := documentModel{Key: key, Data: data}

	err := s.db.WithContext(ctx).
		Where("key = ?", key).
		Assign(documentModel{Data: data}).
		FirstOrCreate(&model).Error
	if err != nil {
		return fmt.Errorf("writing document %q: %w", key, err)
	}

	return nil
}

func (s *dbStore) DeleteDocument(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).
		Where("key = ?", key).
		Delete(&documentModel{}).Error; err != nil {
		return fmt.Errorf("deleting document %q: %w", key, err)
	}

	return nil
}

func (s *dbStore) DeleteDocuments(ctx context.Context, prefix string) error {
	if err := s.db.WithContext(ctx).
		Where("key LIKE ?", escapeLike(prefix)+"%").
		Delete(&documentModel{}).Error; err != nil {
		return fmt.Errorf("deleting documents under %q: %w", prefix, err)
	}

	return nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)

	return strings.ReplaceAll(s, "_", `\_`)
}

func decodeRun(data []byte) (*deployment.Run, error) {
	var run deployment.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("deserialising run: %w", err)
	}

	return &run, nil
}

// sortRunsByNumber orders runs ascending by run number.
func sortRunsByNumber(runs []deployment.Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].ID().Number < runs[j].ID().Number
	})
}
