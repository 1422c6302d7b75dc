package logsource

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/rs/zerolog/log"

	"github.com/y001j/logwatch/internal/model"
)

// ElasticsearchConfig ES日志源配置
type ElasticsearchConfig struct {
	Addresses      []string `mapstructure:"addresses"`
	Index          string   `mapstructure:"index"`
	Username       string   `mapstructure:"username"`
	Password       string   `mapstructure:"password"`
	TimestampField string   `mapstructure:"timestamp_field"`
	SkipTLSVerify  bool     `mapstructure:"skip_tls_verify"`
}

// ElasticsearchSource 基于Elasticsearch的日志源，查询串按 query_string 语法交给ES解析。
// 默认操作符为AND，与内置后端 Match 的语义一致。
type ElasticsearchSource struct {
	client  *elasticsearch.Client
	index   string
	tsField string
}

// NewElasticsearchSource 创建ES日志源
func NewElasticsearchSource(cfg ElasticsearchConfig) (*ElasticsearchSource, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("elasticsearch地址不能为空")
	}
	if cfg.Index == "" {
		cfg.Index = "logs-*"
	}
	if cfg.TimestampField == "" {
		cfg.TimestampField = "@timestamp"
	}

	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.SkipTLSVerify {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("创建elasticsearch客户端失败: %w", err)
	}

	log.Info().
		Strs("addresses", cfg.Addresses).
		Str("index", cfg.Index).
		Msg("Elasticsearch日志源已创建")

	return &ElasticsearchSource{client: client, index: cfg.Index, tsField: cfg.TimestampField}, nil
}

func (s *ElasticsearchSource) Name() string { return "elasticsearch" }

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source map[string]interface{} `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

type esError struct {
	Status int `json:"status"`
	Error  struct {
		Type      string `json:"type"`
		Reason    string `json:"reason"`
		RootCause []struct {
			Reason string `json:"reason"`
		} `json:"root_cause"`
	} `json:"error"`
}

// Search 执行 query_string + 时间范围查询，结果按时间升序
func (s *ElasticsearchSource) Search(ctx context.Context, query string, start, end time.Time, maxEntries int) ([]model.LogEntry, error) {
	body, err := s.buildBody(query, start, end, maxEntries)
	if err != nil {
		return nil, err
	}

	response, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithIgnoreUnavailable(true),
		s.client.Search.WithBody(bytes.NewBuffer(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch查询失败: %w", err)
	}
	defer response.Body.Close()

	if response.IsError() {
		return nil, parseError(response)
	}

	var result searchResponse
	dec := json.NewDecoder(response.Body)
	dec.UseNumber()
	if err := dec.Decode(&result); err != nil {
		return nil, fmt.Errorf("解析elasticsearch响应失败: %w", err)
	}

	entries := make([]model.LogEntry, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		doc := hit.Source
		if v, ok := doc[s.tsField]; ok && s.tsField != "@timestamp" && s.tsField != "timestamp" {
			doc["@timestamp"] = v
			delete(doc, s.tsField)
		}
		entries = append(entries, entryFromDocument(doc))
	}
	return entries, nil
}

func (s *ElasticsearchSource) buildBody(query string, start, end time.Time, maxEntries int) ([]byte, error) {
	if query == "" {
		query = "*"
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	body := map[string]interface{}{
		"size": maxEntries,
		"sort": []interface{}{
			map[string]interface{}{s.tsField: map[string]string{"order": "asc"}},
		},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{
						"query_string": map[string]interface{}{
							"query":            query,
							"default_operator": "AND",
						},
					},
				},
				"filter": []interface{}{
					map[string]interface{}{
						"range": map[string]interface{}{
							s.tsField: map[string]string{
								"gte": start.Format(time.RFC3339Nano),
								"lte": end.Format(time.RFC3339Nano),
							},
						},
					},
				},
			},
		},
	}
	return json.Marshal(body)
}

func parseError(response *esapi.Response) error {
	var e esError
	if err := json.NewDecoder(response.Body).Decode(&e); err != nil {
		return fmt.Errorf("elasticsearch返回错误状态 %d", response.StatusCode)
	}
	if len(e.Error.RootCause) != 0 {
		return fmt.Errorf("type: %v, reason: %v", e.Error.Type, e.Error.RootCause[0].Reason)
	}
	return fmt.Errorf("type: %v, reason: %v", e.Error.Type, e.Error.Reason)
}
