// Package statemanager 负责策略快照的编码、版本迁移与持久化。
package statemanager

import (
	"binance-grid-engine/internal/models"
	"binance-grid-engine/internal/persistence"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrUnsupportedVersion 快照版本比程序支持的更新, 不能安全地解码
var ErrUnsupportedVersion = errors.New("unsupported snapshot schema version")

// envelope 是写入存储的外层结构。payload 保持原始 JSON, 以便在反序列化前做迁移。
type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	Payload       json.RawMessage `json:"payload"`
}

// migration 把 from 版本的 payload 原地升级到 from+1
type migration func(payload map[string]any) error

// migrations 按起始版本索引的迁移链
var migrations = map[int]migration{
	1: migrateV1ToV2,
}

// Manager 以 BotID 为键保存和读取策略快照
type Manager struct {
	store  persistence.Store
	key    string
	now    func() time.Time
	logger *zap.Logger
}

// NewManager 创建快照管理器, botID 决定存储键
func NewManager(store persistence.Store, botID string, logger *zap.Logger) *Manager {
	return &Manager{
		store:  store,
		key:    "snapshot/" + botID,
		now:    time.Now,
		logger: logger,
	}
}

// Save 把快照包装成当前版本的信封并写入存储
func (m *Manager) Save(snapshot models.StrategySnapshot) error {
	data, err := Encode(snapshot, m.now())
	if err != nil {
		return err
	}
	if err := m.store.Save(m.key, data); err != nil {
		return fmt.Errorf("保存快照失败: %w", err)
	}
	return nil
}

// Load 读取快照。没有保存过时返回 (nil, nil)。
func (m *Manager) Load() (*models.StrategySnapshot, error) {
	data, err := m.store.Load(m.key)
	if err != nil {
		return nil, fmt.Errorf("读取快照失败: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	snapshot, err := Decode(data)
	if err != nil {
		return nil, err
	}
	m.logger.Info("已加载策略快照",
		zap.String("key", m.key),
		zap.String("runID", snapshot.RunID),
		zap.Time("savedAt", snapshot.SavedAt))
	return snapshot, nil
}

// Clear 删除已保存的快照, 下次启动将全新开始
func (m *Manager) Clear() error {
	if err := m.store.Delete(m.key); err != nil {
		return fmt.Errorf("删除快照失败: %w", err)
	}
	m.logger.Warn("已清除策略快照", zap.String("key", m.key))
	return nil
}

// Encode 生成当前版本的信封
func Encode(snapshot models.StrategySnapshot, savedAt time.Time) ([]byte, error) {
	snapshot.Version = models.SnapshotVersion
	if snapshot.SavedAt.IsZero() {
		snapshot.SavedAt = savedAt
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("序列化快照失败: %w", err)
	}
	return json.Marshal(envelope{
		SchemaVersion: models.SnapshotVersion,
		SavedAt:       savedAt,
		Payload:       payload,
	})
}

// Decode 解析信封, 必要时沿迁移链升级到当前版本
func Decode(data []byte) (*models.StrategySnapshot, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("解析快照信封失败: %w", err)
	}
	if env.SchemaVersion > models.SnapshotVersion {
		return nil, fmt.Errorf("%w: %d (当前支持 %d)", ErrUnsupportedVersion, env.SchemaVersion, models.SnapshotVersion)
	}
	if env.SchemaVersion < 1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.SchemaVersion)
	}

	payload := []byte(env.Payload)
	if env.SchemaVersion < models.SnapshotVersion {
		var err error
		payload, err = migrate(payload, env.SchemaVersion)
		if err != nil {
			return nil, err
		}
	}

	var snapshot models.StrategySnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("解析快照内容失败: %w", err)
	}
	if snapshot.SavedAt.IsZero() {
		snapshot.SavedAt = env.SavedAt
	}
	return &snapshot, nil
}

func migrate(payload []byte, from int) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("解析 v%d 快照失败: %w", from, err)
	}
	for v := from; v < models.SnapshotVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			return nil, fmt.Errorf("%w: 缺少 v%d 到 v%d 的迁移", ErrUnsupportedVersion, v, v+1)
		}
		if err := step(doc); err != nil {
			return nil, fmt.Errorf("快照 v%d 到 v%d 迁移失败: %w", v, v+1, err)
		}
		doc["version"] = v + 1
	}
	return json.Marshal(doc)
}

// migrateV1ToV2 v1 快照只有订单ID和成交标记, 没有档位状态与卖出目标,
// 累计利润字段名为 total_profit。v1 的卖单总是挂在上一档。
func migrateV1ToV2(doc map[string]any) error {
	if profit, ok := doc["total_profit"]; ok {
		if _, exists := doc["realized_profit"]; !exists {
			doc["realized_profit"] = profit
		}
		delete(doc, "total_profit")
	}

	rawLevels, ok := doc["levels"].([]any)
	if !ok {
		return errors.New("levels 字段缺失或格式错误")
	}
	for i, raw := range rawLevels {
		level, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("档位 %d 格式错误", i)
		}
		if _, ok := level["index"]; !ok {
			level["index"] = i
		}
		buyID, _ := level["buy_order_id"].(string)
		sellID, _ := level["sell_order_id"].(string)
		filledBuy, _ := level["filled_buy"].(bool)
		filledSell, _ := level["filled_sell"].(bool)

		state := models.LevelEmpty
		target := models.NoTarget
		switch {
		case buyID != "":
			state = models.LevelBuyPending
		case sellID != "":
			state = models.LevelSellPending
			target = i + 1
			if target >= len(rawLevels) {
				return fmt.Errorf("档位 %d 的卖单没有上一档", i)
			}
		case filledBuy && !filledSell:
			state = models.LevelHolding
		}
		if _, ok := level["state"]; !ok {
			level["state"] = string(state)
		}
		if _, ok := level["sell_target"]; !ok {
			level["sell_target"] = target
		}
	}
	return nil
}
