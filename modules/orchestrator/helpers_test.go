package orchestrator

import (
	"testing"

	"github.com/andreypavlenko/formsender/internal/platform/logger"
)

func testOrchestratorLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("error", "console")
	if err != nil {
		t.Fatalf("build test logger: %v", err)
	}
	return log
}
