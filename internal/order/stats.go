package order

// Stats 聚合了订单状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total           int           `json:"total"`
	ByState         map[State]int `json:"by_state"`
	OldestUpdatedAt int64         `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64         `json:"newest_updated_at,omitempty"`
}
