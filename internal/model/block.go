package model

// ProcessedBlock 已处理区块记录
//
// 每条链每个已处理区块一行, 链游标即该链 block_number 最大的一行。
// 存储的 block_hash 必须等于记录时链上实际观测到的哈希 (用于分叉检测)。
type ProcessedBlock struct {
	ID          int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID     int64  `gorm:"column:chain_id;type:bigint;uniqueIndex:idx_chain_block,priority:1;not null" json:"chain_id"`
	BlockNumber int64  `gorm:"column:block_number;type:bigint;uniqueIndex:idx_chain_block,priority:2;not null" json:"block_number"`
	BlockHash   string `gorm:"column:block_hash;type:varchar(66);index;not null" json:"block_hash"`
	ParentHash  string `gorm:"column:parent_hash;type:varchar(66);not null" json:"parent_hash"`
	CreatedAt   int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (ProcessedBlock) TableName() string {
	return "chain_processed_blocks"
}
