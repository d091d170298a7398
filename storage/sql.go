package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taskboard/domain"
)

// taskRecord is the persisted row of a task.
type taskRecord struct {
	ID             string    `gorm:"primaryKey;size:36"`
	Title          string    `gorm:"size:200;not null"`
	Description    string    `gorm:"size:2000;not null"`
	Status         string    `gorm:"size:16;not null;index"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime:false"`
	LastModifiedAt time.Time `gorm:"not null"`
}

func (taskRecord) TableName() string {
	return "tasks"
}

func recordFromTask(t domain.Task) taskRecord {
	return taskRecord{
		ID:             t.ID,
		Title:          t.Title,
		Description:    t.Description,
		Status:         string(t.Status),
		CreatedAt:      t.CreatedAt.UTC(),
		LastModifiedAt: t.LastModifiedAt.UTC(),
	}
}

func (r taskRecord) task() domain.Task {
	return domain.Task{
		ID:             r.ID,
		Title:          r.Title,
		Description:    r.Description,
		Status:         domain.State(r.Status),
		CreatedAt:      r.CreatedAt.UTC(),
		LastModifiedAt: r.LastModifiedAt.UTC(),
	}
}

// SQLStore persists tasks in a relational database through GORM.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the SQLite database at dsn. GORM diagnostics
// are routed to the given logger; only warnings and slow queries are reported.
func OpenSQLite(dsn string, lg *log.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if lg != nil {
		cfg.Logger = logger.New(lg, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		})
	}
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	return db, nil
}

// NewSQLStore wraps an open GORM connection.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the tasks table when it does not exist yet.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&taskRecord{})
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) GetAll(ctx context.Context) ([]domain.Task, error) {
	var rows []taskRecord
	if err := s.db.WithContext(ctx).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasksFromRecords(rows), nil
}

func (s *SQLStore) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	var row taskRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	t := row.task()
	return &t, nil
}

func (s *SQLStore) GetByState(ctx context.Context, state domain.State) ([]domain.Task, error) {
	var rows []taskRecord
	err := s.db.WithContext(ctx).Where("status = ?", string(state)).Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", state, err)
	}
	return tasksFromRecords(rows), nil
}

func (s *SQLStore) Add(ctx context.Context, task domain.Task) (domain.Task, error) {
	rec := recordFromTask(task)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return domain.Task{}, fmt.Errorf("add task %s: %w", task.ID, err)
	}
	return rec.task(), nil
}

// Update overwrites the mutable columns of an existing row. The creation time
// is never written.
func (s *SQLStore) Update(ctx context.Context, task domain.Task) (domain.Task, error) {
	rec := recordFromTask(task)
	res := s.db.WithContext(ctx).
		Model(&taskRecord{}).
		Where("id = ?", rec.ID).
		Select("title", "description", "status", "last_modified_at").
		Updates(&rec)
	if res.Error != nil {
		return domain.Task{}, fmt.Errorf("update task %s: %w", task.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.Task{}, fmt.Errorf("update task %s: %w", task.ID, domain.ErrNotFound)
	}
	return rec.task(), nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&taskRecord{}).Error; err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func tasksFromRecords(rows []taskRecord) []domain.Task {
	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.task())
	}
	return tasks
}
