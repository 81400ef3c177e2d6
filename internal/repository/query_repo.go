package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"TandemSync/internal/model"

	"gorm.io/gorm"
)

// ColumnInfo 列信息
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// QueryRepository 只读访问：任意 SELECT、表结构、按时间范围分批读取
type QueryRepository struct {
	db *gorm.DB
}

func NewQueryRepository(db *gorm.DB) *QueryRepository {
	return &QueryRepository{db: db}
}

// Select 执行只读 SQL，返回列名与行；[]byte 统一转为 string
func (r *QueryRepository) Select(ctx context.Context, query string, args ...interface{}) ([]string, [][]interface{}, error) {
	rows, err := r.db.WithContext(ctx).Raw(query, args...).Rows()
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var out [][]interface{}
	cols, err := scanAll(rows, 0, func(_ []string, batch [][]interface{}) error {
		out = append(out, batch...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

// Columns 表结构
func (r *QueryRepository) Columns(table string) ([]ColumnInfo, error) {
	types, err := r.db.Migrator().ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("读取表结构失败: %w", err)
	}
	out := make([]ColumnInfo, 0, len(types))
	for _, ct := range types {
		nullable, _ := ct.Nullable()
		out = append(out, ColumnInfo{Name: ct.Name(), Type: ct.DatabaseTypeName(), Nullable: nullable})
	}
	return out, nil
}

// HasTable 表是否存在
func (r *QueryRepository) HasTable(table string) bool {
	return r.db.Migrator().HasTable(table)
}

// CountRange 按时间列过滤计数
func (r *QueryRepository) CountRange(ctx context.Context, table string, tr model.TimeRange) (int64, error) {
	var n int64
	err := rangeScope(r.db.WithContext(ctx).Table(table), table, tr).Count(&n).Error
	return n, err
}

// ForEachBatch 按 id 顺序流式读取整表（可按时间过滤），每 batch 行回调一次。
// table 必须来自 model.ReadableTables。
func (r *QueryRepository) ForEachBatch(ctx context.Context, table string, tr model.TimeRange, batch int, fn func(cols []string, rows [][]interface{}) error) ([]string, error) {
	if batch <= 0 {
		batch = 1000
	}
	rows, err := rangeScope(r.db.WithContext(ctx).Table(table), table, tr).Order("id ASC").Rows()
	if err != nil {
		return nil, fmt.Errorf("读取%s失败: %w", table, err)
	}
	defer rows.Close()
	return scanAll(rows, batch, fn)
}

func rangeScope(db *gorm.DB, table string, tr model.TimeRange) *gorm.DB {
	col := model.TimeColumn(table)
	if !tr.Start.IsZero() {
		db = db.Where(col+" >= ?", tr.Start)
	}
	if !tr.End.IsZero() {
		db = db.Where(col+" <= ?", tr.End)
	}
	return db
}

// scanAll batch<=0 时全部读完后回调一次
func scanAll(rows *sql.Rows, batch int, fn func([]string, [][]interface{}) error) ([]string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var buf [][]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range vals {
			vals[i] = normalize(v)
		}
		buf = append(buf, vals)
		if batch > 0 && len(buf) >= batch {
			if err := fn(cols, buf); err != nil {
				return nil, err
			}
			buf = nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(buf) > 0 || batch <= 0 {
		if err := fn(cols, buf); err != nil {
			return nil, err
		}
	}
	return cols, nil
}

func normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC()
	}
	return v
}
