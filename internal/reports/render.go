package reports

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"gopkg.in/yaml.v3"

	"github.com/y001j/logwatch/internal/model"
)

// csvRecord CSV报表的一行。固定列之外选中的字段合并到 fields 列。
type csvRecord struct {
	Timestamp string      `csv:"timestamp"`
	Level     string      `csv:"level"`
	Source    string      `csv:"source"`
	Message   string      `csv:"message"`
	Fields    fieldValues `csv:"fields"`
}

type fieldValue struct {
	Name  string
	Value string
}

type fieldValues []fieldValue

// MarshalCSV name=value 以分号分隔
func (f fieldValues) MarshalCSV() ([]byte, error) {
	parts := make([]string, 0, len(f))
	for _, v := range f {
		parts = append(parts, v.Name+"="+v.Value)
	}
	return []byte(strings.Join(parts, "; ")), nil
}

// document JSON/YAML报表
type document struct {
	Report      string                   `json:"report" yaml:"report"`
	GeneratedAt time.Time                `json:"generated_at" yaml:"generated_at"`
	Query       string                   `json:"query" yaml:"query"`
	Start       time.Time                `json:"start" yaml:"start"`
	End         time.Time                `json:"end" yaml:"end"`
	Columns     []string                 `json:"columns" yaml:"columns"`
	RecordCount int                      `json:"record_count" yaml:"record_count"`
	Records     []map[string]interface{} `json:"records" yaml:"records"`
}

// Extension 输出文件扩展名
func Extension(format model.ReportFormat) string {
	switch format {
	case model.FormatYAML:
		return "yaml"
	case model.FormatJSON:
		return "json"
	}
	return "csv"
}

// Render 按格式生成报表内容
func Render(format model.ReportFormat, def *model.ReportDefinition, query string, start, end time.Time, entries []model.LogEntry) ([]byte, error) {
	columns := Columns(def)

	switch format {
	case model.FormatCSV, "":
		return renderCSV(columns, entries)
	case model.FormatJSON, model.FormatYAML:
		doc := document{
			Report:      def.Name,
			GeneratedAt: end,
			Query:       query,
			Start:       start,
			End:         end,
			Columns:     columns,
			RecordCount: len(entries),
			Records:     make([]map[string]interface{}, 0, len(entries)),
		}
		for _, e := range entries {
			doc.Records = append(doc.Records, Row(columns, e))
		}
		if format == model.FormatJSON {
			return json.MarshalIndent(doc, "", "  ")
		}
		return yaml.Marshal(doc)
	}
	return nil, fmt.Errorf("不支持的报表格式: %s", format)
}

func renderCSV(columns []string, entries []model.LogEntry) ([]byte, error) {
	var extra []string
	for _, c := range columns {
		switch c {
		case ColumnTimestamp, ColumnLevel, ColumnSource, ColumnMessage:
		default:
			extra = append(extra, c)
		}
	}
	sort.Strings(extra)

	records := make([]csvRecord, 0, len(entries))
	for _, e := range entries {
		r := csvRecord{
			Timestamp: e.Timestamp.Format(time.RFC3339),
			Level:     e.Level,
			Source:    e.Source,
			Message:   e.Message,
		}
		for _, name := range extra {
			if v, ok := e.Field(name); ok {
				r.Fields = append(r.Fields, fieldValue{Name: name, Value: model.FormatValue(v)})
			}
		}
		records = append(records, r)
	}

	data, err := csvutil.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("生成CSV失败: %w", err)
	}
	return data, nil
}
