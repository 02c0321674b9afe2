package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/finchat/finchat/internal/core/domain"
	"github.com/finchat/finchat/internal/core/ports"
)

// metricAliases maps common shorthand metric names to the canonical warehouse
// column names. Checked before the warehouse column index.
var metricAliases = map[string]string{
	"归母净利润":          "归属于母公司的净利润",
	"归属于母公司所有者的净利润": "归属于母公司的净利润",
	"归属于母公司股东的净利润":  "归属于母公司的净利润",
	"归母净利":           "归属于母公司的净利润",
	"归属于母公司净利":      "归属于母公司的净利润",
}

// tableColumns indexes canonical metric names by warehouse table. Used both
// to validate LLM output and to recover a table when the model omits one.
var tableColumns = map[string][]string{
	"income_table": {
		"营业收入", "营业成本", "营业利润", "利润总额", "净利润",
		"归属于母公司的净利润", "基本每股收益", "研发费用", "销售费用", "管理费用", "财务费用",
	},
	"balance_table": {
		"资产总计", "负债合计", "货币资金", "应收账款", "存货",
		"固定资产", "所有者权益合计", "短期借款", "长期借款",
	},
	"cashflow_table": {
		"经营活动产生的现金流量净额", "投资活动产生的现金流量净额",
		"筹资活动产生的现金流量净额", "现金及现金等价物净增加额",
	},
	"ratio_table": {
		"净资产收益率", "总资产报酬率", "毛利率", "净利率",
		"资产负债率", "流动比率", "速动比率",
	},
}

const intentSystemPrompt = `你是一个金融数据查询解析助手。请从用户的查询中提取以下信息，逐行返回，不要有任何其他输出：
报告日区间: YYYYMMDD-YYYYMMDD
筛选的股票名称: 股票名称（没有则留空）
行业名称: 行业名称（没有则留空）
需要从sql抽取的财务指标: 指标1, 指标2`

var dateToken = regexp.MustCompile(`\d{8}`)

// Interpreter turns a natural-language financial query into a structured
// intent using an OpenAI-compatible chat completions API.
// Works with: OpenAI, Azure OpenAI, DeepSeek, local Ollama /v1, etc.
type Interpreter struct {
	logger  *slog.Logger
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

var _ ports.Interpreter = (*Interpreter)(nil)

func NewInterpreter(logger *slog.Logger, baseURL, apiKey, model string) *Interpreter {
	if model == "" {
		model = "deepseek-chat"
	}
	return &Interpreter{
		logger: logger,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

func (i *Interpreter) Interpret(ctx context.Context, query string, report domain.ProgressFunc) (*domain.StructuredIntent, error) {
	report(45, "提取查询关键信息")

	raw, err := i.complete(ctx, query)
	if err != nil {
		return nil, err
	}

	report(76, "标准化财务指标")

	intent, err := parseIntentText(query, raw)
	if err != nil {
		return nil, err
	}
	if len(intent.Metrics) == 0 {
		i.logger.Warn("interpretation yielded no usable metrics", "raw", raw)
		return nil, domain.ErrNoResult
	}

	report(91, "生成解析结果")
	return intent, nil
}

// complete calls the chat completions endpoint and returns the raw content.
func (i *Interpreter) complete(ctx context.Context, query string) (string, error) {
	url := fmt.Sprintf("%s/chat/completions", i.baseURL)

	payload := map[string]interface{}{
		"model": i.model,
		"messages": []map[string]string{
			{"role": "system", "content": intentSystemPrompt},
			{"role": "user", "content": query},
		},
		"temperature": 0,
		"max_tokens":  2000,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if i.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.apiKey)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return result.Choices[0].Message.Content, nil
}

// parseIntentText parses the model's line-oriented "key: value" output.
// Tolerates literal "\n" sequences and decorative quoting in the content.
func parseIntentText(query, raw string) (*domain.StructuredIntent, error) {
	intent := &domain.StructuredIntent{Query: query}

	lines := strings.FieldsFunc(strings.ReplaceAll(raw, `\n`, "\n"), func(r rune) bool {
		return r == '\n'
	})
	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			key, value, ok = strings.Cut(line, "：")
			if !ok {
				continue
			}
		}
		key = strings.TrimSpace(key)
		value = cleanValue(value)

		switch key {
		case "报告日区间":
			intent.DateRange = parseDateRange(value)
		case "筛选的股票名称", "行业名称":
			for _, e := range strings.Split(value, ",") {
				if e = strings.TrimSpace(e); e != "" {
					intent.Entities = append(intent.Entities, e)
				}
			}
		case "需要从sql抽取的财务指标":
			for _, m := range strings.Split(value, ",") {
				if m = strings.TrimSpace(m); m == "" {
					continue
				}
				if ref, ok := resolveMetric(m); ok {
					intent.Metrics = append(intent.Metrics, ref)
				}
			}
		}
	}

	return intent, nil
}

// cleanValue strips quoting, escapes and Chinese punctuation the model tends
// to decorate values with.
func cleanValue(s string) string {
	s = strings.NewReplacer(`\`, "", `"`, "", `'`, "").Replace(s)
	s = strings.TrimRight(s, ",")
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune("，。；：“”【】《》？！", r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// parseDateRange accepts "YYYYMMDD-YYYYMMDD" and degrades gracefully: one
// date becomes a single-period range, none an unbounded one.
func parseDateRange(s string) domain.DateRange {
	dates := dateToken.FindAllString(s, -1)
	switch {
	case len(dates) >= 2:
		return domain.DateRange{Start: dates[0], End: dates[1]}
	case len(dates) == 1:
		return domain.DateRange{Start: dates[0], End: dates[0]}
	default:
		return domain.DateRange{}
	}
}

// resolveMetric normalizes a raw metric term to its canonical name and
// resolves the warehouse table it lives in. The model may already emit the
// "<metric> from:<table>" wire form; that is honored when the table is valid.
func resolveMetric(raw string) (domain.MetricRef, bool) {
	if ref, err := domain.ParseMetricRef(raw); err == nil {
		if _, ok := tableColumns[ref.Table]; ok {
			ref.Metric = canonicalMetric(ref.Metric)
			return ref, true
		}
		raw = ref.Metric
	}

	name := canonicalMetric(raw)
	for table, cols := range tableColumns {
		for _, col := range cols {
			if col == name {
				return domain.MetricRef{Metric: name, Table: table}, true
			}
		}
	}
	return domain.MetricRef{}, false
}

func canonicalMetric(term string) string {
	if std, ok := metricAliases[term]; ok {
		return std
	}
	return term
}
