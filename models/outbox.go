package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"gorm.io/gorm"
)

// Outbox publish statuses. Stored as strings.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

const (
	EventStatusChanged = "status.changed"
	EventInvoicePaid   = "invoice.paid"
	EventEmailSent     = "email.sent"
	EventMailReceived  = "mail.received"
)

// OutboxEvent is a domain event written in the same transaction as the change
// it describes and published after commit by the dispatcher.
type OutboxEvent struct {
	ID               int        `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	EventType        string     `gorm:"size:50;not null;index" json:"event_type"`
	ReferenceType    EntityType `gorm:"size:50;not null;index:idx_outbox_ref,priority:1" json:"reference_type"`
	ReferenceId      int        `gorm:"not null;index:idx_outbox_ref,priority:2" json:"reference_id"`
	Payload          []byte     `gorm:"type:blob" json:"payload"`
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// AddOutboxEvent queues an event inside tx. Payload values go through JSONSafeMap.
func AddOutboxEvent(tx *gorm.DB, eventType string, refType EntityType, refID int, payload map[string]any) error {
	body, err := json.Marshal(utils.JSONSafeMap(payload))
	if err != nil {
		return utils.DataError(err, "outbox payload")
	}
	ev := OutboxEvent{
		EventType:     eventType,
		ReferenceType: refType,
		ReferenceId:   refID,
		Payload:       body,
		PublishStatus: OutboxPublishStatusPending,
	}
	if ctx := tx.Statement.Context; ctx != nil {
		ev.CorrelationId, _ = utils.GetCorrelationIdFromContext(ctx)
	}
	return tx.Create(&ev).Error
}

func (e OutboxEvent) ToMessage() config.DomainEventMessage {
	return config.DomainEventMessage{
		ID:            e.ID,
		EventType:     e.EventType,
		ReferenceId:   e.ReferenceId,
		ReferenceType: string(e.ReferenceType),
		OccurredAt:    e.CreatedAt,
		Payload:       json.RawMessage(e.Payload),
		CorrelationId: e.CorrelationId,
	}
}

// ReprocessOutbox puts DEAD and FAILED events of one subject back in the queue.
func ReprocessOutbox(ctx context.Context, refType EntityType, refID int) (int64, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).
		Model(&OutboxEvent{}).
		Where("reference_type = ? AND reference_id = ? AND publish_status IN ?", refType, refID,
			[]string{OutboxPublishStatusDead, OutboxPublishStatusFailed}).
		Updates(map[string]interface{}{
			"publish_status":   OutboxPublishStatusPending,
			"publish_attempts": 0,
			"next_attempt_at":  nil,
			"locked_at":        nil,
			"locked_by":        nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, utils.NotFound("no failed events for %s %d", refType, refID)
	}
	return res.RowsAffected, nil
}

// OutboxCounts reports the number of events per publish status.
func OutboxCounts(ctx context.Context) (map[string]int64, error) {
	type row struct {
		PublishStatus string
		Count         int64
	}
	var rows []row
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&OutboxEvent{}).
		Select("publish_status, COUNT(*) AS count").
		Group("publish_status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.PublishStatus] = r.Count
	}
	return out, nil
}
