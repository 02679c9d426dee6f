package utils

import (
	"context"

	"github.com/mmdatafocus/tms_backend/appctx"
)

var (
	ContextKeyUserId          = appctx.ContextKeyUserId
	ContextKeyUserName        = appctx.ContextKeyUserName
	ContextKeyClientIP        = appctx.ContextKeyClientIP
	ContextKeyCorrelationId   = appctx.ContextKeyCorrelationId
	ContextKeySkipReplication = appctx.ContextKeySkipReplication
)

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.Get[int](ctx, ContextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.Get[string](ctx, ContextKeyUserName)
}

func GetClientIPFromContext(ctx context.Context) (string, bool) {
	return appctx.Get[string](ctx, ContextKeyClientIP)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.Get[string](ctx, ContextKeyCorrelationId)
}

func GetSkipReplicationFromContext(ctx context.Context) (bool, bool) {
	return appctx.Get[bool](ctx, ContextKeySkipReplication)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, ContextKeyUserName, userName)
}

func SetClientIPInContext(ctx context.Context, ip string) context.Context {
	return appctx.Set(ctx, ContextKeyClientIP, ip)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetSkipReplicationInContext(ctx context.Context, skip bool) context.Context {
	return appctx.Set(ctx, ContextKeySkipReplication, skip)
}
