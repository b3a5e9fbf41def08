// Package shardid - sqlite.go provides a SQLite-backed implementation of
// MetadataStore, ContainerStore, and CounterSource on top of GORM.
//
// Metadata lives in four GORM-managed tables with storage-level uniqueness
// constraints. SQLite has no schema objects, so a "container" is a tracked
// table-name prefix: cloning an entity into container "orders_0001" creates
// the table "orders_0001_<entity>". Counters are rows incremented with a
// single UPDATE ... RETURNING statement: one atomic fetch-and-increment,
// durable, and visible to every process sharing the database file.
//
// SQLite cannot attach a default expression to an existing column, so field
// defaults are recorded in a defaults table for the application layer to
// consult; defaults are metadata here, not executable DDL.

package shardid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type settingRow struct {
	Name      string `gorm:"primaryKey;size:128"`
	Value     string `gorm:"size:512"`
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (settingRow) TableName() string { return "shard_settings" }

type allocationRow struct {
	ID          uint   `gorm:"primaryKey"`
	Family      string `gorm:"size:128;uniqueIndex:idx_alloc_family_number"`
	Number      int64  `gorm:"uniqueIndex:idx_alloc_family_number"`
	Container   string `gorm:"size:160"`
	Location    string `gorm:"size:256"`
	Initialized bool   `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (allocationRow) TableName() string { return "shard_allocations" }

type entityRow struct {
	ID        uint   `gorm:"primaryKey"`
	Family    string `gorm:"size:128;uniqueIndex:idx_entity_family_name"`
	Name      string `gorm:"size:128;uniqueIndex:idx_entity_family_name"`
	IDField   string `gorm:"size:128"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (entityRow) TableName() string { return "shard_entities" }

type containerRow struct {
	Name      string `gorm:"primaryKey;size:160"`
	CreatedAt time.Time
}

func (containerRow) TableName() string { return "shard_containers" }

type counterRow struct {
	Container string `gorm:"primaryKey;size:160"`
	Name      string `gorm:"primaryKey;size:64"`
	Value     int64
}

func (counterRow) TableName() string { return "shard_counters" }

type defaultRow struct {
	Container  string `gorm:"primaryKey;size:160"`
	Entity     string `gorm:"primaryKey;size:128"`
	Field      string `gorm:"primaryKey;size:128"`
	Expression string `gorm:"size:512"`
}

func (defaultRow) TableName() string { return "shard_field_defaults" }

// SQLiteStore implements all three storage contracts over one SQLite
// database. Safe for concurrent use; SQLite serializes writers itself.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) a SQLite database at path and
// migrates the metadata tables. Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("shardid: opening sqlite %q: %w", path, err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing GORM connection, migrating the metadata
// tables it needs. The connection may be shared with application tables.
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	err := db.AutoMigrate(
		&settingRow{},
		&allocationRow{},
		&entityRow{},
		&containerRow{},
		&counterRow{},
		&defaultRow{},
	)
	if err != nil {
		return nil, fmt.Errorf("shardid: migrating metadata tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// DB exposes the underlying GORM handle, for callers sharing the connection.
func (s *SQLiteStore) DB() *gorm.DB { return s.db }

func (s *SQLiteStore) GetSetting(ctx context.Context, name string) (Setting, error) {
	var row settingRow
	err := s.db.WithContext(ctx).First(&row, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Setting{}, fmt.Errorf("%w: %q", ErrSettingNotFound, name)
	}
	if err != nil {
		return Setting{}, err
	}
	return Setting{
		Name:      row.Name,
		Value:     row.Value,
		IsDefault: row.IsDefault,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

func (s *SQLiteStore) PutSetting(ctx context.Context, setting Setting) error {
	row := settingRow{
		Name:      setting.Name,
		Value:     setting.Value,
		IsDefault: setting.IsDefault,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "is_default", "updated_at"}),
	}).Create(&row).Error
}

func (s *SQLiteStore) ListSettings(ctx context.Context) ([]Setting, error) {
	var rows []settingRow
	if err := s.db.WithContext(ctx).Order("name").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Setting, len(rows))
	for i, row := range rows {
		out[i] = Setting{
			Name:      row.Name,
			Value:     row.Value,
			IsDefault: row.IsDefault,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		}
	}
	return out, nil
}

func (s *SQLiteStore) AnyShardInitialized(ctx context.Context) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&allocationRow{}).
		Where("initialized = ?", true).Limit(1).Count(&count).Error
	return count > 0, err
}

func (s *SQLiteStore) MaxShardNumber(ctx context.Context, family string) (int64, error) {
	var max int64
	err := s.db.WithContext(ctx).Model(&allocationRow{}).
		Where("family = ?", family).
		Select("COALESCE(MAX(number), 0)").
		Scan(&max).Error
	return max, err
}

func (s *SQLiteStore) InsertAllocation(ctx context.Context, a Allocation) error {
	row := allocationRow{
		Family:      a.Family,
		Number:      a.Number,
		Container:   a.Container,
		Location:    a.Location,
		Initialized: a.Initialized,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%d", ErrDuplicateAllocation, a.Family, a.Number)
	}
	return err
}

func (s *SQLiteStore) GetAllocation(ctx context.Context, family string, number int64) (Allocation, error) {
	var row allocationRow
	err := s.db.WithContext(ctx).First(&row, "family = ? AND number = ?", family, number).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Allocation{}, fmt.Errorf("%w: %s/%d", ErrUnknownShard, family, number)
	}
	if err != nil {
		return Allocation{}, err
	}
	return allocationFromRow(row), nil
}

func (s *SQLiteStore) ListAllocations(ctx context.Context, family string) ([]Allocation, error) {
	var rows []allocationRow
	err := s.db.WithContext(ctx).Where("family = ?", family).Order("number").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Allocation, len(rows))
	for i, row := range rows {
		out[i] = allocationFromRow(row)
	}
	return out, nil
}

func (s *SQLiteStore) MarkInitialized(ctx context.Context, family string, number int64) error {
	res := s.db.WithContext(ctx).Model(&allocationRow{}).
		Where("family = ? AND number = ?", family, number).
		Update("initialized", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s/%d", ErrUnknownShard, family, number)
	}
	return nil
}

func (s *SQLiteStore) InsertEntity(ctx context.Context, e Entity) error {
	row := entityRow{Family: e.Family, Name: e.Name, IDField: e.IDField}
	err := s.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateEntity, e.Family, e.Name)
	}
	return err
}

func (s *SQLiteStore) DeleteEntity(ctx context.Context, family, name string) error {
	return s.db.WithContext(ctx).
		Where("family = ? AND name = ?", family, name).
		Delete(&entityRow{}).Error
}

func (s *SQLiteStore) ListEntities(ctx context.Context, family string) ([]Entity, error) {
	var rows []entityRow
	err := s.db.WithContext(ctx).Where("family = ?", family).Order("name").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Entity, len(rows))
	for i, row := range rows {
		out[i] = Entity{
			Family:    row.Family,
			Name:      row.Name,
			IDField:   row.IDField,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		}
	}
	return out, nil
}

func (s *SQLiteStore) CreateContainer(ctx context.Context, name string) error {
	err := s.db.WithContext(ctx).Create(&containerRow{Name: name}).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: container %q", ErrAlreadyExists, name)
	}
	return err
}

func (s *SQLiteStore) DropContainer(ctx context.Context, name string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Drop every table cloned into this container before forgetting it.
		var tables []string
		err := tx.Raw(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE ? ESCAPE '\\'",
			name+"\\_%",
		).Scan(&tables).Error
		if err != nil {
			return err
		}
		for _, table := range tables {
			if err := tx.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %q", table)).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("container = ?", name).Delete(&counterRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("container = ?", name).Delete(&defaultRow{}).Error; err != nil {
			return err
		}
		return tx.Delete(&containerRow{Name: name}).Error
	})
}

func (s *SQLiteStore) CreateCounter(ctx context.Context, container, name string) error {
	err := s.db.WithContext(ctx).Create(&counterRow{Container: container, Name: name}).Error
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: counter %q in %q", ErrAlreadyExists, name, container)
	}
	return err
}

// CloneEntity replicates a source table's definition into the container by
// rewriting its sqlite_master DDL under the container-prefixed name. Only
// the definition is copied, never the data.
func (s *SQLiteStore) CloneEntity(ctx context.Context, sourceEntity, container string) error {
	target := containerTable(container, sourceEntity)
	db := s.db.WithContext(ctx)

	var existing int64
	err := db.Raw(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", target,
	).Scan(&existing).Error
	if err != nil {
		return err
	}
	if existing > 0 {
		return fmt.Errorf("%w: entity %q in %q", ErrAlreadyExists, sourceEntity, container)
	}

	var ddl string
	err = db.Raw(
		"SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?", sourceEntity,
	).Scan(&ddl).Error
	if err != nil {
		return err
	}
	if ddl == "" {
		return fmt.Errorf("source entity %q does not exist", sourceEntity)
	}

	// The table name is the first occurrence of the source name in its own
	// CREATE statement.
	return db.Exec(strings.Replace(ddl, sourceEntity, target, 1)).Error
}

// SetFieldDefault records the generated default expression for a cloned
// entity's field. See the package comment on why this is metadata rather
// than column DDL under SQLite.
func (s *SQLiteStore) SetFieldDefault(ctx context.Context, container, entity, field, expression string) error {
	target := containerTable(container, entity)
	db := s.db.WithContext(ctx)

	var existing int64
	err := db.Raw(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", target,
	).Scan(&existing).Error
	if err != nil {
		return err
	}
	if existing == 0 {
		return fmt.Errorf("entity %q not present in %q", entity, container)
	}

	row := defaultRow{Container: container, Entity: entity, Field: field, Expression: expression}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "container"}, {Name: "entity"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"expression"}),
	}).Create(&row).Error
}

// Counter implements CounterSource. The handle increments its row with one
// UPDATE ... RETURNING statement per call.
func (s *SQLiteStore) Counter(container, name string) Counter {
	return &sqliteCounter{db: s.db, container: container, name: name}
}

// FieldDefault returns the recorded default expression for an entity field.
func (s *SQLiteStore) FieldDefault(ctx context.Context, container, entity, field string) (string, bool, error) {
	var row defaultRow
	err := s.db.WithContext(ctx).First(&row,
		"container = ? AND entity = ? AND field = ?", container, entity, field).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Expression, true, nil
}

type sqliteCounter struct {
	db        *gorm.DB
	container string
	name      string
}

func (c *sqliteCounter) Next(ctx context.Context) (int64, error) {
	var value int64
	res := c.db.WithContext(ctx).Raw(
		"UPDATE shard_counters SET value = value + 1 WHERE container = ? AND name = ? RETURNING value",
		c.container, c.name,
	).Scan(&value)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, fmt.Errorf("unknown counter %q in %q", c.name, c.container)
	}
	return value, nil
}

func containerTable(container, entity string) string {
	return container + "_" + entity
}

// isUniqueViolation detects a storage uniqueness constraint rejection. The
// sqlite driver translates these to gorm.ErrDuplicatedKey when TranslateError
// is on; the string check covers connections opened without it.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func allocationFromRow(row allocationRow) Allocation {
	return Allocation{
		Family:      row.Family,
		Number:      row.Number,
		Container:   row.Container,
		Location:    row.Location,
		Initialized: row.Initialized,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
}
