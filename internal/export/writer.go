package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"TandemSync/internal/repository"

	"github.com/parquet-go/parquet-go"
	"github.com/xuri/excelize/v2"
)

// 支持的导出格式
const (
	FormatParquet = "parquet"
	FormatCSV     = "csv"
	FormatXLSX    = "xlsx"
)

// Formats 全部格式（固定顺序）
var Formats = []string{FormatParquet, FormatCSV, FormatXLSX}

// xlsx 单表行数上限（含表头）
const maxXLSXRows = 1048576

// rowWriter 按列顺序写入行
type rowWriter interface {
	WriteRows(rows [][]interface{}) error
	Close() error
}

func newRowWriter(format, path string, cols []repository.ColumnInfo) (rowWriter, error) {
	switch format {
	case FormatCSV:
		return newCSVWriter(path, cols)
	case FormatParquet:
		return newParquetWriter(path, cols)
	case FormatXLSX:
		return newXLSXWriter(path, cols)
	}
	return nil, fmt.Errorf("不支持的导出格式: %s", format)
}

// cellString 文本格式的单元格值；NULL 写为空串
func cellString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(x)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// ---------- csv ----------

type csvWriter struct {
	f   *os.File
	w   *csv.Writer
	buf []string
}

func newCSVWriter(path string, cols []repository.ColumnInfo) (*csvWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	header := make([]string, len(cols))
	for i, c := range cols {
		header[i] = c.Name
	}
	if err := w.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	return &csvWriter{f: f, w: w, buf: make([]string, len(cols))}, nil
}

func (c *csvWriter) WriteRows(rows [][]interface{}) error {
	for _, row := range rows {
		for i, v := range row {
			c.buf[i] = cellString(v)
		}
		if err := c.w.Write(c.buf); err != nil {
			return err
		}
	}
	c.w.Flush()
	return c.w.Error()
}

func (c *csvWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}

// ---------- parquet ----------

type leafKind int

const (
	leafString leafKind = iota
	leafInt64
	leafDouble
	leafBool
	leafTimestamp
)

// kindOf 由数据库列类型推断 parquet 叶子类型（sqlite / postgres 类型名）
func kindOf(dbType string) leafKind {
	t := strings.ToUpper(dbType)
	switch {
	case strings.Contains(t, "INT") || t == "SERIAL" || t == "BIGSERIAL":
		return leafInt64
	case strings.Contains(t, "TIME") || strings.Contains(t, "DATE"):
		return leafTimestamp
	case strings.Contains(t, "REAL") || strings.Contains(t, "FLOAT") || strings.Contains(t, "DOUBLE") || strings.Contains(t, "NUMERIC") || strings.Contains(t, "DECIMAL"):
		return leafDouble
	case strings.Contains(t, "BOOL"):
		return leafBool
	}
	return leafString
}

func leafNode(k leafKind) parquet.Node {
	switch k {
	case leafInt64:
		return parquet.Int(64)
	case leafDouble:
		return parquet.Leaf(parquet.DoubleType)
	case leafBool:
		return parquet.Leaf(parquet.BooleanType)
	case leafTimestamp:
		return parquet.Timestamp(parquet.Microsecond)
	}
	return parquet.String()
}

type parquetWriter struct {
	f      *os.File
	w      *parquet.Writer
	kinds  []leafKind // 按 schema 叶子顺序
	source []int      // schema 叶子 → 查询列下标
}

func newParquetWriter(path string, cols []repository.ColumnInfo) (*parquetWriter, error) {
	group := parquet.Group{}
	byName := make(map[string]int, len(cols))
	for i, c := range cols {
		group[c.Name] = parquet.Optional(leafNode(kindOf(c.Type)))
		byName[c.Name] = i
	}
	schema := parquet.NewSchema("tandemsync", group)

	// Group 的字段按名称排序，记录叶子到查询列的映射
	fields := schema.Fields()
	pw := &parquetWriter{kinds: make([]leafKind, len(fields)), source: make([]int, len(fields))}
	for i, fd := range fields {
		src := byName[fd.Name()]
		pw.source[i] = src
		pw.kinds[i] = kindOf(cols[src].Type)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	pw.f = f
	pw.w = parquet.NewWriter(f, schema, parquet.Compression(&parquet.Zstd))
	return pw, nil
}

func (p *parquetWriter) WriteRows(rows [][]interface{}) error {
	out := make([]parquet.Row, 0, len(rows))
	for _, row := range rows {
		pr := make(parquet.Row, len(p.kinds))
		for leaf, k := range p.kinds {
			v, err := parquetValue(k, row[p.source[leaf]])
			if err != nil {
				return err
			}
			if v.IsNull() {
				pr[leaf] = v.Level(0, 0, leaf)
			} else {
				pr[leaf] = v.Level(0, 1, leaf)
			}
		}
		out = append(out, pr)
	}
	_, err := p.w.WriteRows(out)
	return err
}

func (p *parquetWriter) Close() error {
	if err := p.w.Close(); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}

func parquetValue(k leafKind, v interface{}) (parquet.Value, error) {
	if v == nil {
		return parquet.NullValue(), nil
	}
	switch k {
	case leafInt64:
		switch x := v.(type) {
		case int64:
			return parquet.Int64Value(x), nil
		case int:
			return parquet.Int64Value(int64(x)), nil
		case int32:
			return parquet.Int64Value(int64(x)), nil
		case float64:
			return parquet.Int64Value(int64(x)), nil
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return parquet.Value{}, fmt.Errorf("整数列值无效: %q", x)
			}
			return parquet.Int64Value(n), nil
		}
	case leafDouble:
		switch x := v.(type) {
		case float64:
			return parquet.DoubleValue(x), nil
		case int64:
			return parquet.DoubleValue(float64(x)), nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return parquet.Value{}, fmt.Errorf("浮点列值无效: %q", x)
			}
			return parquet.DoubleValue(f), nil
		}
	case leafBool:
		switch x := v.(type) {
		case bool:
			return parquet.BooleanValue(x), nil
		case int64:
			return parquet.BooleanValue(x != 0), nil
		}
	case leafTimestamp:
		switch x := v.(type) {
		case time.Time:
			return parquet.Int64Value(x.UTC().UnixMicro()), nil
		case string:
			t, err := parseDBTime(x)
			if err != nil {
				return parquet.Value{}, err
			}
			return parquet.Int64Value(t.UnixMicro()), nil
		}
	default:
		return parquet.ByteArrayValue([]byte(cellString(v))), nil
	}
	return parquet.Value{}, fmt.Errorf("无法转换的列值类型 %T", v)
}

// parseDBTime sqlite 以文本保存的时间
func parseDBTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("时间列值无效: %q", s)
}

// ---------- xlsx ----------

type xlsxWriter struct {
	path  string
	f     *excelize.File
	sw    *excelize.StreamWriter
	row   int
	cells []interface{}
}

const xlsxSheet = "Sheet1"

func newXLSXWriter(path string, cols []repository.ColumnInfo) (*xlsxWriter, error) {
	f := excelize.NewFile()
	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("创建工作表失败: %w", err)
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("创建表头样式失败: %w", err)
	}
	header := make([]interface{}, len(cols))
	for i, c := range cols {
		header[i] = excelize.Cell{StyleID: style, Value: c.Name}
	}
	if err := sw.SetRow("A1", header); err != nil {
		f.Close()
		return nil, fmt.Errorf("写入表头失败: %w", err)
	}
	return &xlsxWriter{path: path, f: f, sw: sw, row: 1, cells: make([]interface{}, len(cols))}, nil
}

func (x *xlsxWriter) WriteRows(rows [][]interface{}) error {
	for _, row := range rows {
		x.row++
		if x.row > maxXLSXRows {
			return fmt.Errorf("xlsx 单表最多 %d 行，请缩小日期范围或改用 parquet/csv", maxXLSXRows-1)
		}
		for i, v := range row {
			switch t := v.(type) {
			case time.Time:
				x.cells[i] = t.UTC().Format(time.RFC3339Nano)
			default:
				x.cells[i] = t
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, x.row)
		if err != nil {
			return err
		}
		if err := x.sw.SetRow(cell, x.cells); err != nil {
			return fmt.Errorf("写入第 %d 行失败: %w", x.row, err)
		}
	}
	return nil
}

func (x *xlsxWriter) Close() error {
	defer x.f.Close()
	if err := x.sw.Flush(); err != nil {
		return err
	}
	return x.f.SaveAs(x.path)
}
