package logging_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"usermetrics/internal/logging"
)

func TestNew(t *testing.T) {
	log, err := logging.New("debug", "console")
	require.NoError(t, err)
	require.True(t, log.Core().Enabled(zapcore.DebugLevel))

	log, err = logging.New("warn", "json")
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.InfoLevel))

	_, err = logging.New("loud", "json")
	require.Error(t, err)
}
