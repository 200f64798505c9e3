package logging

import (
	"testing"

	logrustest "github.com/sirupsen/logrus/hooks/test"
)

func TestNewLoggerWithServiceStampsEntries(t *testing.T) {
	l := NewLoggerWithService("lookout")
	hook := logrustest.NewLocal(l)

	ForWorkspace(l, "ws-1").Info("hello")

	entry := hook.LastEntry()
	if entry == nil {
		t.Fatal("expected a log entry")
	}
	if entry.Data["service"] != "lookout" {
		t.Fatalf("expected service field, got %v", entry.Data["service"])
	}
	if entry.Data["workspace_id"] != "ws-1" {
		t.Fatalf("expected workspace_id field, got %v", entry.Data["workspace_id"])
	}
}
