package systeminfo

import (
	"testing"

	"desuid/logger"
)

func init() {
	logger.Init("error")
}

func TestGather(t *testing.T) {
	info := Gather()
	if info == nil {
		t.Fatal("expected host info")
	}
	if info.Hostname == "" {
		t.Log("hostname unavailable in this environment")
	}
	if info.ProcessCount == 0 {
		t.Log("process count unavailable in this environment")
	}
}
