package inventory

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// 監査アクション
const (
	AuditActionReceive   = "RECEIVE"
	AuditActionMove      = "MOVE"
	AuditActionDiscard   = "DISCARD"
	AuditActionCreateLot = "CREATE_LOT"
	AuditActionReconcile = "RECONCILE"
)

// LogAuditSink writes audit records to the structured log
// 監査記録を構造化ログへ出力
type LogAuditSink struct {
	logger *zap.Logger
}

// NewLogAuditSink creates a new log audit sink
func NewLogAuditSink(logger *zap.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger.Named("audit")}
}

// Record implements AuditSink
func (s *LogAuditSink) Record(_ context.Context, entry AuditEntry) error {
	s.logger.Info("監査記録",
		zap.String("actor_id", entry.ActorID),
		zap.String("action", entry.Action),
		zap.String("entity_type", entry.EntityType),
		zap.String("entity_id", entry.EntityID),
		zap.String("details", entry.Details),
		zap.Time("timestamp", entry.Timestamp),
	)
	return nil
}

// auditDetails renders operation details as JSON
func auditDetails(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
