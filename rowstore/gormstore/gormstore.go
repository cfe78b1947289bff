// Package gormstore is the MySQL rowstore.Store adapter, built on GORM.
// Entry fields live in one JSON column; conditions on them are translated
// to JSON_EXTRACT expressions. Population and projection semantics follow
// the memstore reference.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/verso-cms/core/rowstore"
)

// entryRow is the storage shape of one document version.
type entryRow struct {
	ID               uint64         `gorm:"primaryKey;autoIncrement"`
	DocumentID       string         `gorm:"type:char(36);not null;index:idx_entries_doc,priority:2"`
	Kind             string         `gorm:"type:varchar(191);not null;index:idx_entries_doc,priority:1;index:idx_entries_pub,priority:1"`
	Locale           *string        `gorm:"type:varchar(35)"`
	PublishedAt      *time.Time     `gorm:"index:idx_entries_pub,priority:2"`
	FirstPublishedAt *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Fields           map[string]any `gorm:"type:longtext;serializer:json"`
}

func (entryRow) TableName() string { return "entries" }

func (e *entryRow) BeforeCreate(*gorm.DB) error {
	if e.DocumentID == "" {
		e.DocumentID = uuid.New().String()
	}
	return nil
}

// relationRow is one directed link between two entry rows. The order column
// is named ord; order is reserved.
type relationRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	SourceID   uint64 `gorm:"not null;index:idx_relations_source"`
	SourceKind string `gorm:"type:varchar(191);not null"`
	TargetID   uint64 `gorm:"not null;index:idx_relations_target"`
	TargetKind string `gorm:"type:varchar(191);not null"`
	Path       string `gorm:"type:varchar(191);not null"`
	Order      int    `gorm:"column:ord;not null"`
}

func (relationRow) TableName() string { return "relations" }

// Store adapts a *gorm.DB to the rowstore contract.
type Store struct {
	db   *gorm.DB
	inTx bool
}

// New wraps an open GORM handle.
func New(db *gorm.DB) *Store { return &Store{db: db} }

// Open connects to MySQL and returns a store over the connection.
func Open(dsn string, logLevel logger.LogLevel) (*Store, error) {
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:               dsn,
		DefaultStringSize: 191,
	}), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return New(db), nil
}

// EnsureSchema runs auto-migration for the entry and relation tables.
func (s *Store) EnsureSchema() error {
	if err := s.db.AutoMigrate(&entryRow{}, &relationRow{}); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Entries(kind string) rowstore.Entries { return entrySet{s: s, kind: kind} }
func (s *Store) Relations() rowstore.Relations        { return relSet{s: s} }

// InTransaction runs fn inside one database transaction. Nested calls join
// the enclosing transaction.
func (s *Store) InTransaction(ctx context.Context, fn func(tx rowstore.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, inTx: true})
	})
}

func (s *Store) handle(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// mapErr folds driver errors into the rowstore error vocabulary.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rowstore.ErrNotFound
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return fmt.Errorf("%w: %s", rowstore.ErrConflict, mysqlErr.Message)
	}
	return err
}

func rowToEntry(r *entryRow) *rowstore.Entry {
	return &rowstore.Entry{
		ID:               r.ID,
		DocumentID:       r.DocumentID,
		Kind:             r.Kind,
		Locale:           r.Locale,
		PublishedAt:      r.PublishedAt,
		FirstPublishedAt: r.FirstPublishedAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		Fields:           r.Fields,
	}
}

func rowToRelation(r *relationRow) *rowstore.Relation {
	return &rowstore.Relation{
		ID:         r.ID,
		SourceID:   r.SourceID,
		SourceKind: r.SourceKind,
		TargetID:   r.TargetID,
		TargetKind: r.TargetKind,
		Path:       r.Path,
		Order:      r.Order,
	}
}

type entrySet struct {
	s    *Store
	kind string
}

func (es entrySet) FindMany(ctx context.Context, q *rowstore.Query) ([]*rowstore.Entry, error) {
	var hook rowstore.FilterHook
	if q != nil {
		hook = q.FilterEach
	}
	tx, err := es.scoped(ctx, rowstore.EffectiveWhere(q, es.kind, hook))
	if err != nil {
		return nil, err
	}

	var sel []string
	var populate map[string]*rowstore.Query
	if q != nil {
		order, err := buildOrder(q.OrderBy)
		if err != nil {
			return nil, err
		}
		tx = tx.Order(order)
		if q.Offset > 0 {
			tx = tx.Offset(int(q.Offset))
		}
		if q.Limit > 0 {
			tx = tx.Limit(int(q.Limit))
		}
		sel, populate = q.Select, q.Populate
	} else {
		tx = tx.Order("`entries`.`id` ASC")
	}

	var rows []entryRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	out := make([]*rowstore.Entry, len(rows))
	for i := range rows {
		out[i] = project(rowToEntry(&rows[i]), sel)
	}
	if err := es.s.populate(ctx, out, populate, hook); err != nil {
		return nil, err
	}
	return out, nil
}

func (es entrySet) FindOne(ctx context.Context, q *rowstore.Query) (*rowstore.Entry, error) {
	one := rowstore.Query{}
	if q != nil {
		one = *q
	}
	one.Limit = 1
	rows, err := es.FindMany(ctx, &one)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, rowstore.ErrNotFound
	}
	return rows[0], nil
}

func (es entrySet) Count(ctx context.Context, q *rowstore.Query) (int64, error) {
	var hook rowstore.FilterHook
	if q != nil {
		hook = q.FilterEach
	}
	tx, err := es.scoped(ctx, rowstore.EffectiveWhere(q, es.kind, hook))
	if err != nil {
		return 0, err
	}
	var n int64
	if err := tx.Count(&n).Error; err != nil {
		return 0, mapErr(err)
	}
	return n, nil
}

func (es entrySet) Create(ctx context.Context, e *rowstore.Entry) (*rowstore.Entry, error) {
	fields := rowstore.CopyFields(e.Fields)
	if fields == nil {
		fields = map[string]any{}
	}
	row := entryRow{
		DocumentID:       e.DocumentID,
		Kind:             es.kind,
		Locale:           e.Locale,
		PublishedAt:      e.PublishedAt,
		FirstPublishedAt: e.FirstPublishedAt,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
		Fields:           fields,
	}
	if err := es.s.handle(ctx).Create(&row).Error; err != nil {
		return nil, mapErr(err)
	}
	return rowToEntry(&row), nil
}

func (es entrySet) Update(ctx context.Context, id uint64, changes map[string]any) (*rowstore.Entry, error) {
	h := es.s.handle(ctx)

	var row entryRow
	if err := h.Where("`kind` = ?", es.kind).First(&row, id).Error; err != nil {
		return nil, mapErr(err)
	}

	assign := map[string]any{}
	fieldsChanged := false
	for key, val := range changes {
		switch key {
		case rowstore.FieldDocumentID:
			if s, ok := val.(string); ok {
				assign["document_id"] = s
			}
		case rowstore.FieldLocale:
			assign["locale"] = toStringPtr(val)
		case rowstore.FieldPublishedAt:
			assign["published_at"] = toTimePtr(val)
		case rowstore.FieldFirstPublishedAt:
			assign["first_published_at"] = toTimePtr(val)
		case rowstore.FieldUpdatedAt:
			if t := toTimePtr(val); t != nil {
				assign["updated_at"] = *t
			}
		case rowstore.FieldID, rowstore.FieldCreatedAt:
			// immutable
		default:
			if row.Fields == nil {
				row.Fields = map[string]any{}
			}
			row.Fields[key] = rowstore.CopyValue(val)
			fieldsChanged = true
		}
	}
	if fieldsChanged {
		assign["fields"] = row.Fields
	}
	if len(assign) > 0 {
		if err := h.Model(&row).Updates(assign).Error; err != nil {
			return nil, mapErr(err)
		}
	}

	if err := h.Where("`kind` = ?", es.kind).First(&row, id).Error; err != nil {
		return nil, mapErr(err)
	}
	return rowToEntry(&row), nil
}

func (es entrySet) Delete(ctx context.Context, q *rowstore.Query) ([]*rowstore.Entry, error) {
	var hook rowstore.FilterHook
	if q != nil {
		hook = q.FilterEach
	}
	tx, err := es.scoped(ctx, rowstore.EffectiveWhere(q, es.kind, hook))
	if err != nil {
		return nil, err
	}

	var rows []entryRow
	if err := tx.Order("`entries`.`id` ASC").Find(&rows).Error; err != nil {
		return nil, mapErr(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	removed := make([]*rowstore.Entry, len(rows))
	ids := make([]uint64, len(rows))
	for i := range rows {
		removed[i] = rowToEntry(&rows[i])
		ids[i] = rows[i].ID
	}

	h := es.s.handle(ctx)
	if err := h.Where("`id` IN ?", ids).Delete(&entryRow{}).Error; err != nil {
		return nil, mapErr(err)
	}
	// Links die with the rows they touch, on either end.
	if err := h.Where("`source_id` IN ? OR `target_id` IN ?", ids, ids).Delete(&relationRow{}).Error; err != nil {
		return nil, mapErr(err)
	}
	return removed, nil
}

// scoped starts a query over the set's kind with the given condition applied.
func (es entrySet) scoped(ctx context.Context, where rowstore.Condition) (*gorm.DB, error) {
	tx := es.s.handle(ctx).Model(&entryRow{}).Where("`entries`.`kind` = ?", es.kind)
	if where == nil {
		return tx, nil
	}
	b := &condBuilder{}
	sql, args, err := b.build(where, "entries")
	if err != nil {
		return nil, err
	}
	return tx.Where(sql, args...), nil
}

// project clones e, trimming Fields to the selection. Core fields always
// survive projection.
func project(e *rowstore.Entry, sel []string) *rowstore.Entry {
	out := e.Clone()
	if len(sel) == 0 {
		return out
	}
	kept := make(map[string]any, len(sel))
	for _, name := range sel {
		if v, ok := out.Fields[name]; ok {
			kept[name] = v
		}
	}
	out.Fields = kept
	return out
}

type relSet struct{ s *Store }

func (rs relSet) FindBySources(ctx context.Context, ids []uint64) ([]*rowstore.Relation, error) {
	return rs.find(ctx, "`source_id` IN ?", ids)
}

func (rs relSet) FindByTargets(ctx context.Context, ids []uint64) ([]*rowstore.Relation, error) {
	return rs.find(ctx, "`target_id` IN ?", ids)
}

func (rs relSet) find(ctx context.Context, cond string, ids []uint64) ([]*rowstore.Relation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []relationRow
	err := rs.s.handle(ctx).
		Where(cond, ids).
		Order("`source_id` ASC, `path` ASC, `ord` ASC, `id` ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]*rowstore.Relation, len(rows))
	for i := range rows {
		out[i] = rowToRelation(&rows[i])
	}
	return out, nil
}

func (rs relSet) Create(ctx context.Context, r *rowstore.Relation) (*rowstore.Relation, error) {
	row := relationRow{
		SourceID:   r.SourceID,
		SourceKind: r.SourceKind,
		TargetID:   r.TargetID,
		TargetKind: r.TargetKind,
		Path:       r.Path,
		Order:      r.Order,
	}
	if err := rs.s.handle(ctx).Create(&row).Error; err != nil {
		return nil, mapErr(err)
	}
	return rowToRelation(&row), nil
}

func (rs relSet) Delete(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return mapErr(rs.s.handle(ctx).Where("`id` IN ?", ids).Delete(&relationRow{}).Error)
}

func toStringPtr(v any) *string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return &t
	case *string:
		return t
	}
	return nil
}

func toTimePtr(v any) *time.Time {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}
