package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameComponent = "component"
	FieldNameSessionID = "session_id"
	FieldNameConnID    = "conn_id"
	FieldNameReason    = "reason"
)

func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

func FieldSessionID(id string) zap.Field {
	return zap.String(FieldNameSessionID, id)
}

func FieldConnID(id string) zap.Field {
	return zap.String(FieldNameConnID, id)
}

func FieldReason(reason string) zap.Field {
	return zap.String(FieldNameReason, reason)
}
