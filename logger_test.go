package textrace_test

import (
	"testing"

	"github.com/goliatone/go-textrace"
	"github.com/stretchr/testify/mock"
)

func TestLevelLoggerFiltersBelowLevel(t *testing.T) {
	base := &MockLogger{}
	base.On("Warn", "careful %s", mock.Anything).Once()
	base.On("Error", "broken %s", mock.Anything).Once()

	logger := textrace.NewLevelLogger(base, "warn")
	logger.Debug("noise %s", "a")
	logger.Info("noise %s", "b")
	logger.Warn("careful %s", "c")
	logger.Error("broken %s", "d")

	base.AssertExpectations(t)
	base.AssertNotCalled(t, "Debug", mock.Anything, mock.Anything)
	base.AssertNotCalled(t, "Info", mock.Anything, mock.Anything)
}

func TestLevelLoggerDebugPassesEverything(t *testing.T) {
	base := &MockLogger{}
	base.On("Debug", mock.Anything, mock.Anything).Once()
	base.On("Info", mock.Anything, mock.Anything).Once()

	logger := textrace.NewLevelLogger(base, "DEBUG")
	logger.Debug("one")
	logger.Info("two")

	base.AssertExpectations(t)
}

func TestLevelLoggerUnknownLevelIsInfo(t *testing.T) {
	base := &MockLogger{}
	base.On("Info", mock.Anything, mock.Anything).Once()

	logger := textrace.NewLevelLogger(base, "chatty")
	logger.Debug("dropped")
	logger.Info("kept")

	base.AssertExpectations(t)
	base.AssertNotCalled(t, "Debug", mock.Anything, mock.Anything)
}
