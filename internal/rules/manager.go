package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// RuleStore 规则持久化接口，评估引擎和HTTP接口都通过它访问规则
type RuleStore interface {
	List() []*AlertRule
	Get(id string) (*AlertRule, error)
	Create(rule *AlertRule) (*AlertRule, error)
	Update(id string, patch RulePatch) (*AlertRule, error)
	Delete(id string) error
	RecordTrigger(id string, at time.Time) error
}

// Manager 规则管理器。rulesDir 为空时只保存在内存中。
// 每条规则写回它被加载时所在的文件，一个文件可以包含多条规则。
type Manager struct {
	rulesDir    string
	rules       map[string]*AlertRule
	sources     map[string]string   // 规则ID → 文件
	files       map[string][]string // 文件 → 规则ID，保持文件内顺序
	watcher     *fsnotify.Watcher
	changesChan chan RuleChangeEvent
	watching    bool
	closed      bool
	mu          sync.RWMutex
}

var _ RuleStore = (*Manager)(nil)

// NewManager 创建规则管理器
func NewManager(rulesDir string) *Manager {
	return &Manager{
		rulesDir:    rulesDir,
		rules:       make(map[string]*AlertRule),
		sources:     make(map[string]string),
		files:       make(map[string][]string),
		changesChan: make(chan RuleChangeEvent, 100),
	}
}

// LoadRules 加载规则目录下所有规则
func (m *Manager) LoadRules() error {
	if m.rulesDir == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.rulesDir, 0755); err != nil {
		return fmt.Errorf("创建规则目录失败: %w", err)
	}

	m.rules = make(map[string]*AlertRule)
	m.sources = make(map[string]string)
	m.files = make(map[string][]string)

	err := filepath.Walk(m.rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !isRuleFile(path) {
			return nil
		}

		rules, err := loadRuleFile(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("加载规则文件失败")
			return nil // 继续处理其他文件
		}
		for _, rule := range rules {
			m.addRule(rule, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("扫描规则目录失败: %w", err)
	}

	log.Info().Int("count", len(m.rules)).Str("dir", m.rulesDir).Msg("规则加载完成")
	return nil
}

func isRuleFile(path string) bool {
	switch filepath.Ext(path) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// loadRuleFile 加载单个规则文件，支持单条规则、规则数组和 {"rules": [...]} 三种格式
func loadRuleFile(filePath string) ([]*AlertRule, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, NewRuleError(ErrorTypeRule, ErrorLevelError, ErrCodeRuleLoad, "读取规则文件失败").
			WithCause(err).
			WithContext("file", filePath)
	}

	var rules []*AlertRule
	if filepath.Ext(filePath) == ".json" {
		rules, err = parseJSONRules(data)
	} else {
		rules, err = parseYAMLRules(data)
	}
	if err != nil {
		return nil, NewRuleError(ErrorTypeRule, ErrorLevelError, ErrCodeRuleParse, "解析规则文件失败").
			WithCause(err).
			WithContext("file", filePath)
	}

	valid := rules[:0]
	for _, rule := range rules {
		if rule == nil {
			continue
		}
		if err := ValidateRule(rule); err != nil {
			log.Error().Err(err).Str("rule_id", rule.ID).Str("file", filePath).Msg("规则验证失败")
			continue
		}
		initializeRule(rule)
		valid = append(valid, rule)
	}
	return valid, nil
}

func parseJSONRules(data []byte) ([]*AlertRule, error) {
	var single AlertRule
	err := json.Unmarshal(data, &single)
	if err == nil && single.ID != "" {
		return []*AlertRule{&single}, nil
	}

	var array []*AlertRule
	err2 := json.Unmarshal(data, &array)
	if err2 == nil && len(array) > 0 {
		return array, nil
	}

	var wrapped struct {
		Rules []*AlertRule `json:"rules"`
	}
	if err3 := json.Unmarshal(data, &wrapped); err3 != nil || len(wrapped.Rules) == 0 {
		return nil, fmt.Errorf("单规则格式错误(%v), 数组格式错误(%v), 对象格式错误(%v)", err, err2, err3)
	}
	return wrapped.Rules, nil
}

func parseYAMLRules(data []byte) ([]*AlertRule, error) {
	var wrapped struct {
		Rules []*AlertRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &wrapped); err == nil && len(wrapped.Rules) > 0 {
		return wrapped.Rules, nil
	}

	var single AlertRule
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []*AlertRule{&single}, nil
}

// initializeRule 补全默认字段
func initializeRule(rule *AlertRule) {
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = now
	}
	if rule.Version == 0 {
		rule.Version = 1
	}
	if norm, ok := NormalizeOperator(rule.Conditions.Operator); ok {
		rule.Conditions.Operator = norm
	}
}

func (m *Manager) addRule(rule *AlertRule, path string) {
	if existing, exists := m.rules[rule.ID]; exists {
		log.Warn().
			Str("rule_id", rule.ID).
			Str("existing_name", existing.Name).
			Str("new_name", rule.Name).
			Str("existing_file", m.sources[rule.ID]).
			Str("new_file", path).
			Msg("规则ID重复，将覆盖现有规则")
	}
	m.rules[rule.ID] = rule
	m.track(rule.ID, path)
}

// track 记录规则所在文件
func (m *Manager) track(id, path string) {
	if m.sources[id] == path {
		return
	}
	m.untrack(id)
	m.sources[id] = path
	m.files[path] = append(m.files[path], id)
}

func (m *Manager) untrack(id string) {
	path, ok := m.sources[id]
	if !ok {
		return
	}
	delete(m.sources, id)
	m.files[path] = without(m.files[path], id)
	if len(m.files[path]) == 0 {
		delete(m.files, path)
	}
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Get 获取规则快照
func (m *Manager) Get(id string) (*AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rule, exists := m.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rule.Clone(), nil
}

// List 列出所有规则快照，按名称排序
func (m *Manager) List() []*AlertRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules := make([]*AlertRule, 0, len(m.rules))
	for _, rule := range m.rules {
		rules = append(rules, rule.Clone())
	}
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Name != rules[j].Name {
			return rules[i].Name < rules[j].Name
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// Create 创建规则，未指定ID时自动生成
func (m *Manager) Create(rule *AlertRule) (*AlertRule, error) {
	if rule == nil {
		return nil, NewValidationError(ErrCodeRuleValidate, "规则不能为空")
	}
	rule = rule.Clone()
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := ValidateRule(rule); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rules[rule.ID]; exists {
		return nil, NewValidationError(ErrCodeRuleValidate, fmt.Sprintf("规则ID已存在: %s", rule.ID))
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.Version = 1
	rule.LastTriggeredAt = nil
	rule.TriggerCount = 0
	initializeRule(rule)

	if err := m.persist(rule); err != nil {
		return nil, err
	}
	m.rules[rule.ID] = rule
	m.emit("create", rule)

	log.Info().Str("rule_id", rule.ID).Str("name", rule.Name).Msg("规则创建成功")
	return rule.Clone(), nil
}

// Update 部分更新规则配置。簿记字段保留当前值，不会被正在进行的评估覆盖。
func (m *Manager) Update(id string, patch RulePatch) (*AlertRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.rules[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	updated := existing.Clone()
	patch.Apply(updated)
	if err := ValidateRule(updated); err != nil {
		return nil, err
	}
	initializeRule(updated)
	updated.Version = existing.Version + 1
	updated.UpdatedAt = time.Now()

	if err := m.persist(updated); err != nil {
		return nil, err
	}
	m.rules[id] = updated
	m.emit("update", updated)

	log.Info().Str("rule_id", id).Str("name", updated.Name).Int("version", updated.Version).Msg("规则更新成功")
	return updated.Clone(), nil
}

// Delete 删除规则
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, exists := m.rules[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	if m.rulesDir != "" {
		if err := m.removeFromFile(id); err != nil {
			return err
		}
	}
	delete(m.rules, id)
	m.untrack(id)
	m.emit("delete", rule)

	log.Info().Str("rule_id", id).Str("name", rule.Name).Msg("规则删除成功")
	return nil
}

// RecordTrigger 记录一次触发：更新 lastTriggeredAt 并累加 triggerCount
func (m *Manager) RecordTrigger(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rule, exists := m.rules[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}

	t := at
	rule.LastTriggeredAt = &t
	rule.TriggerCount++

	if err := m.persist(rule); err != nil {
		// 内存状态已更新，冷却仍然生效
		log.Warn().Err(err).Str("rule_id", id).Msg("保存触发记录失败")
	}
	return nil
}

func (m *Manager) rulePath(id string) string {
	return filepath.Join(m.rulesDir, fmt.Sprintf("%s.json", id))
}

// persist 把规则写回它所在的文件，新规则保存到 <id>.json。
// 同一文件中的其他规则按内存中的当前状态一并写出。内存模式下不做任何事。
func (m *Manager) persist(rule *AlertRule) error {
	if m.rulesDir == "" {
		return nil
	}
	path, ok := m.sources[rule.ID]
	if !ok {
		path = m.rulePath(rule.ID)
	}
	ids := m.files[path]
	if !ok {
		ids = append(append([]string(nil), ids...), rule.ID)
	}

	content := make([]*AlertRule, 0, len(ids))
	for _, id := range ids {
		if id == rule.ID {
			content = append(content, rule)
		} else if r, exists := m.rules[id]; exists {
			content = append(content, r)
		}
	}
	if err := writeRuleFile(path, content); err != nil {
		return err
	}
	m.track(rule.ID, path)
	return nil
}

// removeFromFile 从所在文件中去掉规则，文件中没有其他规则时删除文件
func (m *Manager) removeFromFile(id string) error {
	path, ok := m.sources[id]
	if !ok {
		path = m.rulePath(id)
	}
	var rest []*AlertRule
	for _, other := range m.files[path] {
		if r, exists := m.rules[other]; exists && other != id {
			rest = append(rest, r)
		}
	}
	if len(rest) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("删除规则文件失败: %w", err)
		}
		return nil
	}
	return writeRuleFile(path, rest)
}

// writeRuleFile 按扩展名写出规则文件。先写临时文件再改名，监控方不会读到半个文件。
func writeRuleFile(path string, rules []*AlertRule) error {
	var (
		data []byte
		err  error
	)
	switch {
	case filepath.Ext(path) != ".json":
		data, err = yaml.Marshal(struct {
			Rules []*AlertRule `yaml:"rules"`
		}{rules})
	case len(rules) == 1:
		data, err = json.MarshalIndent(rules[0], "", "  ")
	default:
		data, err = json.MarshalIndent(rules, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("序列化规则失败: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建规则目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rules-*.tmp")
	if err != nil {
		return fmt.Errorf("保存规则文件失败: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("保存规则文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("保存规则文件失败: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("保存规则文件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("保存规则文件失败: %w", err)
	}
	return nil
}

// emit 只在有订阅方时投递变更事件，调用方需持有 m.mu
func (m *Manager) emit(eventType string, rule *AlertRule) {
	if !m.watching || m.closed {
		return
	}
	select {
	case m.changesChan <- RuleChangeEvent{Type: eventType, Rule: rule.Clone()}:
	default:
		log.Warn().Str("rule_id", rule.ID).Msg("规则变更事件队列已满")
	}
}

// WatchChanges 监控规则目录，外部直接修改规则文件时重新加载
// 返回的通道在 Close 后关闭。
func (m *Manager) WatchChanges() (<-chan RuleChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("规则管理器已关闭")
	}
	if m.watching {
		return m.changesChan, nil
	}
	if m.rulesDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("创建文件监控器失败: %w", err)
		}
		if err := watcher.Add(m.rulesDir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("添加目录监控失败: %w", err)
		}
		m.watcher = watcher
		go m.watchFileChanges(watcher)
	}
	m.watching = true
	return m.changesChan, nil
}

func (m *Manager) watchFileChanges(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(event.Name) {
				continue
			}

			log.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("检测到文件变化")

			// 延迟处理，避免文件正在写入
			time.Sleep(100 * time.Millisecond)

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				m.handleFileUpdate(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				m.handleFileDelete(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("文件监控错误")
		}
	}
}

// handleFileUpdate 重新加载文件。触发簿记以内存中的为准，避免旧文件覆盖新的冷却状态。
func (m *Manager) handleFileUpdate(filePath string) {
	filePath = filepath.Clean(filePath)
	rules, err := loadRuleFile(filePath)
	if err != nil {
		log.Error().Err(err).Str("file", filePath).Msg("重新加载规则文件失败")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 文件中已不存在的规则视为被删除
	loaded := make(map[string]bool, len(rules))
	for _, rule := range rules {
		loaded[rule.ID] = true
	}
	for _, id := range append([]string(nil), m.files[filePath]...) {
		if loaded[id] {
			continue
		}
		if rule, ok := m.rules[id]; ok {
			delete(m.rules, id)
			m.emit("delete", rule)
		}
		m.untrack(id)
	}

	for _, rule := range rules {
		if existing, ok := m.rules[rule.ID]; ok {
			if existing.LastTriggeredAt != nil &&
				(rule.LastTriggeredAt == nil || existing.LastTriggeredAt.After(*rule.LastTriggeredAt)) {
				rule.LastTriggeredAt = existing.LastTriggeredAt
				rule.TriggerCount = existing.TriggerCount
			}
		}
		m.rules[rule.ID] = rule
		m.track(rule.ID, filePath)
		m.emit("update", rule)
	}

	log.Info().Str("file", filePath).Int("count", len(rules)).Msg("规则文件重新加载完成")
}

// handleFileDelete 移除来自该文件的所有规则
func (m *Manager) handleFileDelete(filePath string) {
	filePath = filepath.Clean(filePath)
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range append([]string(nil), m.files[filePath]...) {
		if rule, exists := m.rules[id]; exists {
			delete(m.rules, id)
			m.emit("delete", rule)
			log.Info().Str("rule_id", id).Str("file", filePath).Msg("规则文件删除，已移除规则")
		}
		m.untrack(id)
	}
}

// Close 停止文件监控并关闭变更通道
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.changesChan)
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	enabled := 0
	for _, rule := range m.rules {
		if rule.Enabled {
			enabled++
		}
	}

	return map[string]interface{}{
		"total_rules":    len(m.rules),
		"enabled_rules":  enabled,
		"disabled_rules": len(m.rules) - enabled,
		"rules_dir":      m.rulesDir,
	}
}
