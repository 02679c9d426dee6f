package utils

import (
	"context"
	"reflect"

	"github.com/mmdatafocus/tms_backend/config"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/* DB fetching */

// fetch model from db
// (returns a NotFound domain error)
func FetchModel[T any](ctx context.Context, id int, associations ...string) (*T, error) {
	dbCtx := config.GetDB().WithContext(ctx)
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	if err := dbCtx.First(&result, id).Error; err != nil {
		return nil, TranslateDBError(err, GetTypeName[T]())
	}
	return &result, nil
}

// FetchModelForUpdate loads the row with an exclusive lock inside tx.
func FetchModelForUpdate[T any](tx *gorm.DB, id int) (*T, error) {
	var result T
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&result, id).Error
	if err != nil {
		return nil, TranslateDBError(err, GetTypeName[T]())
	}
	return &result, nil
}

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}
