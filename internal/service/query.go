package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"TandemSync/internal/config"
	"TandemSync/internal/model"
	"TandemSync/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrNotReadOnly        = errors.New("Only read-only SELECT queries are allowed. Write operations (INSERT, UPDATE, DELETE, DROP, etc.) are not permitted.")
	ErrMultipleStatements = errors.New("Only single SQL statements are allowed. Remove semicolons to execute one query at a time.")
	ErrQueryTimeout       = errors.New("query timed out")
)

var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true, "ALTER": true,
	"CREATE": true, "TRUNCATE": true, "REPLACE": true, "MERGE": true,
}

// UnknownTableError 表名不在允许列表中
type UnknownTableError struct {
	Name string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("Unknown table '%s'. Valid tables are: %s", e.Name, strings.Join(model.ReadableTables, ", "))
}

// QueryRepoProvider 按需打开只读仓储（数据库文件可能稍后才出现）
type QueryRepoProvider func() (*repository.QueryRepository, error)

// LazyQueryRepo 首次成功打开后缓存；失败不缓存
func LazyQueryRepo(open func() (*gorm.DB, error)) QueryRepoProvider {
	var (
		mu   sync.Mutex
		repo *repository.QueryRepository
	)
	return func() (*repository.QueryRepository, error) {
		mu.Lock()
		defer mu.Unlock()
		if repo != nil {
			return repo, nil
		}
		db, err := open()
		if err != nil {
			return nil, err
		}
		repo = repository.NewQueryRepository(db)
		return repo, nil
	}
}

// QueryResult 查询结果；Truncated 表示超出 limit 的行已截掉
type QueryResult struct {
	Columns   []string        `json:"columns"`
	Rows      [][]interface{} `json:"rows"`
	Truncated bool            `json:"truncated"`
}

// TableInfo 表说明
type TableInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// QueryService 只读查询
type QueryService struct {
	repo        QueryRepoProvider
	timeout     time.Duration
	maxRows     int
	defaultRows int
	logger      *logrus.Logger
}

func NewQueryService(repo QueryRepoProvider, cfg config.PipelineConfig, logger *logrus.Logger) *QueryService {
	s := &QueryService{
		repo:        repo,
		timeout:     cfg.QueryTimeout,
		maxRows:     cfg.QueryMaxRows,
		defaultRows: cfg.QueryDefaultRow,
		logger:      logger,
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	if s.maxRows <= 0 {
		s.maxRows = 10000
	}
	if s.defaultRows <= 0 {
		s.defaultRows = 1000
	}
	return s
}

// ValidateReadOnly 只允许单条 SELECT/WITH，拒绝任何写关键字
func ValidateReadOnly(sql string) error {
	upper := strings.ToUpper(strings.TrimSpace(sql))
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return ErrNotReadOnly
	}
	// 先检查分号，"SELECT 1; DROP TABLE x" 报多语句错误
	if strings.Contains(upper, ";") {
		return ErrMultipleStatements
	}
	tokens := strings.FieldsFunc(upper, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
	for _, tok := range tokens {
		if writeKeywords[tok] {
			return ErrNotReadOnly
		}
	}
	return nil
}

// ClampLimit limit<=0 使用默认值，并限制在 [1, maxRows]
func (s *QueryService) ClampLimit(limit int) int {
	if limit == 0 {
		limit = s.defaultRows
	}
	if limit < 1 {
		return 1
	}
	if limit > s.maxRows {
		return s.maxRows
	}
	return limit
}

// Query 执行只读查询，多取一行用于判断是否截断
func (s *QueryService) Query(ctx context.Context, sql string, limit int) (*QueryResult, error) {
	if err := ValidateReadOnly(sql); err != nil {
		return nil, err
	}
	repo, err := s.repo()
	if err != nil {
		return nil, err
	}
	limit = s.ClampLimit(limit)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	wrapped := fmt.Sprintf("SELECT * FROM (%s) sub LIMIT %d", strings.TrimSpace(sql), limit+1)
	cols, rows, err := repo.Select(ctx, wrapped)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s. Try a simpler query or add filters to reduce the data scanned", ErrQueryTimeout, s.timeout)
		}
		return nil, fmt.Errorf("Query error: %w", err)
	}

	res := &QueryResult{Columns: cols, Rows: rows}
	if len(rows) > limit {
		res.Rows = rows[:limit]
		res.Truncated = true
	}
	s.logger.WithFields(logrus.Fields{"rows": len(res.Rows), "truncated": res.Truncated}).Debug("只读查询完成")
	return res, nil
}

// Format 制表符分隔文本，末尾附行数说明
func (r *QueryResult) Format() string {
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, "\t"))
	for _, row := range r.Rows {
		b.WriteByte('\n')
		for i, v := range row {
			if i > 0 {
				b.WriteByte('\t')
			}
			b.WriteString(formatValue(v))
		}
	}
	if r.Truncated {
		fmt.Fprintf(&b, "\n\n%d rows returned (results truncated; set a higher limit or add a WHERE clause to narrow results).", len(r.Rows))
	} else {
		fmt.Fprintf(&b, "\n\n%d rows returned.", len(r.Rows))
	}
	return b.String()
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

// ListTables 可查询的表
func (s *QueryService) ListTables() []TableInfo {
	out := make([]TableInfo, 0, len(model.ReadableTables))
	for _, t := range model.ReadableTables {
		out = append(out, TableInfo{Name: t, Description: model.TableDescriptions[t]})
	}
	return out
}

// FormatTables list_tables 文本输出
func FormatTables(tables []TableInfo) string {
	lines := []string{"Available tables:", ""}
	for _, t := range tables {
		lines = append(lines, fmt.Sprintf("- %s: %s", t.Name, t.Description))
	}
	return strings.Join(lines, "\n")
}

// DescribeTable 表结构
func (s *QueryService) DescribeTable(name string) ([]repository.ColumnInfo, error) {
	if _, ok := model.TableDescriptions[name]; !ok {
		return nil, &UnknownTableError{Name: name}
	}
	repo, err := s.repo()
	if err != nil {
		return nil, err
	}
	return repo.Columns(name)
}

// FormatColumns describe_table 文本输出
func FormatColumns(table string, cols []repository.ColumnInfo) string {
	lines := []string{"Table: " + table, "", "Columns:"}
	for _, c := range cols {
		lines = append(lines, fmt.Sprintf("- %s: %s", c.Name, c.Type))
	}
	return strings.Join(lines, "\n")
}
