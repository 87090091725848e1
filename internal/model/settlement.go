package model

// SettlementBatchStatus 结算批次状态 (全局批次与单链批次共用)
type SettlementBatchStatus int8

const (
	SettlementBatchStatusPreparing   SettlementBatchStatus = 0 // 准备中 (prepare 交易进行中)
	SettlementBatchStatusPrepared    SettlementBatchStatus = 1 // 所有链 prepare 成功
	SettlementBatchStatusSubmitting  SettlementBatchStatus = 2 // 提交中 (submit 交易进行中)
	SettlementBatchStatusSubmitted   SettlementBatchStatus = 3 // 所有链 submit 成功, 等待收尾
	SettlementBatchStatusRollingBack SettlementBatchStatus = 4 // 回滚中
	SettlementBatchStatusRolledBack  SettlementBatchStatus = 5 // 单链回滚完成
	SettlementBatchStatusCompleted   SettlementBatchStatus = 6 // 批次完成 (终态)
	SettlementBatchStatusFailed      SettlementBatchStatus = 7 // 批次失败 (终态)
)

func (s SettlementBatchStatus) String() string {
	switch s {
	case SettlementBatchStatusPreparing:
		return "PREPARING"
	case SettlementBatchStatusPrepared:
		return "PREPARED"
	case SettlementBatchStatusSubmitting:
		return "SUBMITTING"
	case SettlementBatchStatusSubmitted:
		return "SUBMITTED"
	case SettlementBatchStatusRollingBack:
		return "ROLLING_BACK"
	case SettlementBatchStatusRolledBack:
		return "ROLLED_BACK"
	case SettlementBatchStatusCompleted:
		return "COMPLETED"
	case SettlementBatchStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s SettlementBatchStatus) IsTerminal() bool {
	return s == SettlementBatchStatusCompleted || s == SettlementBatchStatusFailed
}

// SettlementBatch 跨链结算批次
//
// 不变量: 同一时刻至多一个未完成批次。
type SettlementBatch struct {
	ID        string                `gorm:"primaryKey;column:id;type:varchar(64)" json:"id"` // uuid
	Status    SettlementBatchStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	CreatedAt int64                 `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt int64                 `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (SettlementBatch) TableName() string {
	return "chain_settlement_batches"
}

// ChainSettlementBatch 单链结算批次
//
// 每个全局批次在每条涉及的链上一行, 记录该链的批次哈希和三类交易的引用。
type ChainSettlementBatch struct {
	ID                int64                 `gorm:"primaryKey;autoIncrement" json:"id"`
	SettlementBatchID string                `gorm:"column:settlement_batch_id;type:varchar(64);uniqueIndex:idx_batch_chain,priority:1;not null" json:"settlement_batch_id"`
	ChainID           int64                 `gorm:"column:chain_id;type:bigint;uniqueIndex:idx_batch_chain,priority:2;not null" json:"chain_id"`
	BatchHash         string                `gorm:"column:batch_hash;type:varchar(66);not null" json:"batch_hash"`
	Status            SettlementBatchStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	PreparationTxID   int64                 `gorm:"column:preparation_tx_id;type:bigint;not null" json:"preparation_tx_id"`
	SubmissionTxID    *int64                `gorm:"column:submission_tx_id;type:bigint" json:"submission_tx_id"`
	RollbackTxID      *int64                `gorm:"column:rollback_tx_id;type:bigint" json:"rollback_tx_id"`
	Error             string                `gorm:"column:error;type:varchar(500)" json:"error"`
	CreatedAt         int64                 `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt         int64                 `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (ChainSettlementBatch) TableName() string {
	return "chain_chain_settlement_batches"
}
