package logging

import (
	"errors"
	"testing"
	"time"
)

func TestNewFields(t *testing.T) {
	fields := NewFields()
	if fields == nil {
		t.Fatal("NewFields() returned nil")
	}
	if len(fields) != 0 {
		t.Errorf("NewFields() should be empty, got %d fields", len(fields))
	}
}

func TestStandardFields_Component(t *testing.T) {
	fields := NewFields().Component("snapshot_store")

	if fields["component"] != "snapshot_store" {
		t.Errorf("Component() = %v, want %v", fields["component"], "snapshot_store")
	}
}

func TestStandardFields_Operation(t *testing.T) {
	fields := NewFields().Operation("publish_set")

	if fields["operation"] != "publish_set" {
		t.Errorf("Operation() = %v, want %v", fields["operation"], "publish_set")
	}
}

func TestStandardFields_Resource(t *testing.T) {
	fields := NewFields().Resource("attribute_def", "kyc.risk_score")

	if fields["resource_type"] != "attribute_def" {
		t.Errorf("Resource() resource_type = %v, want %v", fields["resource_type"], "attribute_def")
	}
	if fields["resource_name"] != "kyc.risk_score" {
		t.Errorf("Resource() resource_name = %v, want %v", fields["resource_name"], "kyc.risk_score")
	}
}

func TestStandardFields_ResourceWithoutName(t *testing.T) {
	fields := NewFields().Resource("attribute_def", "")

	if fields["resource_type"] != "attribute_def" {
		t.Errorf("Resource() resource_type = %v, want %v", fields["resource_type"], "attribute_def")
	}
	if _, exists := fields["resource_name"]; exists {
		t.Error("Resource() should not set resource_name when empty")
	}
}

func TestStandardFields_Duration(t *testing.T) {
	duration := 150 * time.Millisecond
	fields := NewFields().Duration(duration)

	if fields["duration_ms"] != int64(150) {
		t.Errorf("Duration() = %v, want %v", fields["duration_ms"], int64(150))
	}
}

func TestStandardFields_Error(t *testing.T) {
	err := errors.New("test error")
	fields := NewFields().Error(err)

	if fields["error"] != "test error" {
		t.Errorf("Error() = %v, want %v", fields["error"], "test error")
	}
}

func TestStandardFields_ErrorNil(t *testing.T) {
	fields := NewFields().Error(nil)

	if _, exists := fields["error"]; exists {
		t.Error("Error(nil) should not set error field")
	}
}

func TestStandardFields_UserIDEmpty(t *testing.T) {
	fields := NewFields().UserID("")

	if _, exists := fields["user_id"]; exists {
		t.Error("UserID(\"\") should not set user_id field")
	}
}

func TestStandardFields_ChainedCalls(t *testing.T) {
	fields := NewFields().
		Component("snapshot_store").
		Operation("publish_set").
		Resource("attribute_def", "kyc.risk_score").
		Duration(100 * time.Millisecond).
		Count(5)

	expected := map[string]interface{}{
		"component":     "snapshot_store",
		"operation":     "publish_set",
		"resource_type": "attribute_def",
		"resource_name": "kyc.risk_score",
		"duration_ms":   int64(100),
		"count":         5,
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("Chained calls: %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestStandardFields_KeysAndValues(t *testing.T) {
	fields := NewFields().Component("gates").Operation("evaluate")

	kv := fields.KeysAndValues()
	if len(kv) != 4 {
		t.Fatalf("KeysAndValues() len = %d, want 4", len(kv))
	}

	seen := map[interface{}]interface{}{}
	for i := 0; i < len(kv); i += 2 {
		seen[kv[i]] = kv[i+1]
	}
	if seen["component"] != "gates" {
		t.Errorf("KeysAndValues() component = %v, want gates", seen["component"])
	}
}

func TestDatabaseFields(t *testing.T) {
	fields := DatabaseFields("insert", "snapshots")

	expected := map[string]interface{}{
		"component":     "database",
		"operation":     "insert",
		"resource_type": "table",
		"resource_name": "snapshots",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("DatabaseFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}

func TestWorkflowFields(t *testing.T) {
	fields := WorkflowFields("execute", "instance-123")

	expected := map[string]interface{}{
		"component":     "workflow",
		"operation":     "execute",
		"resource_type": "workflow",
		"resource_name": "instance-123",
	}

	for key, expectedValue := range expected {
		if fields[key] != expectedValue {
			t.Errorf("WorkflowFields() %s = %v, want %v", key, fields[key], expectedValue)
		}
	}
}
