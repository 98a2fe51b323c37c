// Package logging provides a standard-field builder shared by every
// component of the kernel, so log lines from the snapshot store, the
// authoring pipeline, and the workflow VM all carry the same field
// names. It sits on top of go.uber.org/zap via go-logr/logr, the same
// indirection the teacher repo uses: call sites depend on logr.Logger,
// never on zap directly.
package logging

import (
	"time"

	"go.uber.org/zap"
)

// Fields is an unordered bag (a map) of structured fields under
// construction.
type Fields map[string]interface{}

// NewFields starts an empty field set.
func NewFields() Fields {
	return Fields{}
}

// Component names the subsystem emitting the log line (e.g. "snapshot_store").
func (f Fields) Component(name string) Fields {
	f["component"] = name
	return f
}

// Operation names the verb being performed (e.g. "publish_set").
func (f Fields) Operation(op string) Fields {
	f["operation"] = op
	return f
}

// Resource attaches a resource type/name pair, omitting the name when empty.
func (f Fields) Resource(resourceType, resourceName string) Fields {
	f["resource_type"] = resourceType
	if resourceName != "" {
		f["resource_name"] = resourceName
	}
	return f
}

// Duration records an elapsed time in milliseconds.
func (f Fields) Duration(d time.Duration) Fields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error attaches an error's message, a no-op when err is nil.
func (f Fields) Error(err error) Fields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// UserID attaches the acting principal's id, a no-op when empty.
func (f Fields) UserID(id string) Fields {
	if id != "" {
		f["user_id"] = id
	}
	return f
}

// RequestID attaches a request-scoped correlation id.
func (f Fields) RequestID(id string) Fields {
	f["request_id"] = id
	return f
}

// TraceID attaches an OpenTelemetry trace id.
func (f Fields) TraceID(id string) Fields {
	f["trace_id"] = id
	return f
}

// Count attaches a generic item count.
func (f Fields) Count(n int) Fields {
	f["count"] = n
	return f
}

// Size attaches a byte size.
func (f Fields) Size(bytes int64) Fields {
	f["size_bytes"] = bytes
	return f
}

// Version attaches a version string.
func (f Fields) Version(v string) Fields {
	f["version"] = v
	return f
}

// Custom attaches an arbitrary key/value pair.
func (f Fields) Custom(key string, value interface{}) Fields {
	f[key] = value
	return f
}

// ToZap renders the field set as zap.Field values.
func (f Fields) ToZap() []zap.Field {
	out := make([]zap.Field, 0, len(f))
	for k, v := range f {
		out = append(out, zap.Any(k, v))
	}
	return out
}

// KeysAndValues renders the field set as the alternating slice logr
// expects (Logger.Info(msg, keysAndValues...)).
func (f Fields) KeysAndValues() []interface{} {
	out := make([]interface{}, 0, len(f)*2)
	for k, v := range f {
		out = append(out, k, v)
	}
	return out
}

// DatabaseFields is a shorthand for the fields every storage-adapter
// log line needs.
func DatabaseFields(operation, table string) Fields {
	return NewFields().Component("database").Operation(operation).Resource("table", table)
}

// WorkflowFields is a shorthand for workflow-VM log lines.
func WorkflowFields(operation, instanceID string) Fields {
	return NewFields().Component("workflow").Operation(operation).Resource("workflow", instanceID)
}

// SnapshotFields is a shorthand for snapshot-store log lines.
func SnapshotFields(operation, objectType, fqn string) Fields {
	return NewFields().Component("snapshot_store").Operation(operation).Resource(objectType, fqn)
}

// ChangeSetFields is a shorthand for authoring-pipeline log lines.
func ChangeSetFields(operation, changeSetID string) Fields {
	return NewFields().Component("authoring").Operation(operation).Resource("change_set", changeSetID)
}

// GateFields is a shorthand for publish-gate log lines.
func GateFields(gateName string) Fields {
	return NewFields().Component("gates").Operation("evaluate").Resource("gate", gateName)
}
