package outbox

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
)

// InsertRawInTx 在事务中插入已序列化的事件到 outbox（辅助函数）
func InsertRawInTx(
	ctx context.Context,
	tx pgx.Tx,
	repo *Repository,
	aggregateType string,
	aggregateID string,
	routingKey string,
	payload json.RawMessage,
) error {
	event := &Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payload,
		Status:        "pending",
	}

	return repo.InsertEvent(ctx, tx, event)
}
