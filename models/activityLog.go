package models

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/mmdatafocus/tms_backend/config"
	"github.com/mmdatafocus/tms_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActivityLog is the append-only audit trail. Subjects are generic references
// (entity_type, object_id) with no foreign key so entries outlive their subject.
type ActivityLog struct {
	ID            int            `gorm:"primary_key" json:"id"`
	ActionType    string         `gorm:"size:50;not null;index:idx_activity_action_created,priority:1" json:"action_type"`
	Description   string         `gorm:"type:text;not null" json:"description"`
	UserId        *int           `gorm:"index:idx_activity_user_created,priority:1" json:"user_id"`
	User          *User          `gorm:"foreignKey:UserId;constraint:OnDelete:SET NULL" json:"-"`
	UserName      string         `gorm:"size:150;default:null" json:"user_name"`
	EntityType    EntityType     `gorm:"size:50;default:null;index:idx_activity_entity,priority:1" json:"entity_type"`
	ObjectId      *int           `gorm:"index:idx_activity_entity,priority:2" json:"object_id"`
	Metadata      datatypes.JSON `json:"metadata"`
	IPAddress     string         `gorm:"size:64;default:null" json:"ip_address"`
	UserAgent     string         `gorm:"size:255;default:null" json:"user_agent"`
	CorrelationId string         `gorm:"size:64;default:null" json:"correlation_id"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index;index:idx_activity_action_created,priority:2;index:idx_activity_user_created,priority:2" json:"created_at"`
}

var errActivityLogImmutable = errors.New("activity log entries are append-only")

func (a *ActivityLog) BeforeUpdate(tx *gorm.DB) error { return errActivityLogImmutable }
func (a *ActivityLog) BeforeDelete(tx *gorm.DB) error { return errActivityLogImmutable }

// LogEntry is the input of Log. Actor, subject, metadata and request are optional;
// actor and IP fall back to the request context.
type LogEntry struct {
	ActionType  string
	Description string
	ActorId     *int
	ActorName   string
	EntityType  EntityType
	ObjectId    int
	Metadata    map[string]any
	Request     *http.Request
}

func Log(ctx context.Context, e LogEntry) error {
	db := config.GetDB()
	return LogTx(db.WithContext(ctx), e)
}

// LogTx appends the entry inside the caller's transaction.
func LogTx(tx *gorm.DB, e LogEntry) error {
	row, err := buildActivityLog(tx.Statement.Context, e)
	if err != nil {
		return err
	}
	return tx.Create(row).Error
}

func buildActivityLog(ctx context.Context, e LogEntry) (*ActivityLog, error) {
	if e.ActionType == "" {
		return nil, utils.ValidationError("action type is required")
	}
	row := &ActivityLog{
		ActionType:  e.ActionType,
		Description: e.Description,
		UserId:      e.ActorId,
		UserName:    e.ActorName,
		EntityType:  e.EntityType,
	}
	if e.ObjectId != 0 {
		id := e.ObjectId
		row.ObjectId = &id
	}
	if ctx != nil {
		if row.UserId == nil {
			if uid, ok := utils.GetUserIdFromContext(ctx); ok && uid > 0 {
				row.UserId = &uid
			}
		}
		if row.UserName == "" {
			row.UserName, _ = utils.GetUserNameFromContext(ctx)
		}
		row.CorrelationId, _ = utils.GetCorrelationIdFromContext(ctx)
		row.IPAddress, _ = utils.GetClientIPFromContext(ctx)
	}
	if e.Request != nil {
		row.IPAddress = utils.ClientIP(e.Request)
		row.UserAgent = utils.Truncate(e.Request.UserAgent(), 255)
	}

	meta, err := json.Marshal(utils.JSONSafeMap(e.Metadata))
	if err != nil {
		return nil, utils.DataError(err, "activity metadata")
	}
	row.Metadata = datatypes.JSON(meta)
	return row, nil
}

// ActivityFor lists entries of one subject, newest first.
func ActivityFor(ctx context.Context, entityType EntityType, objectID int, limit int) ([]ActivityLog, error) {
	db := config.GetDB()
	if limit <= 0 {
		limit = 100
	}
	var rows []ActivityLog
	err := db.WithContext(ctx).
		Where("entity_type = ? AND object_id = ?", entityType, objectID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
