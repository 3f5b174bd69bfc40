package main

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestSetupLogging(t *testing.T) {
	_, err := SetupLogging("verbose")
	require.Error(t, err)

	logger, err := SetupLogging("warn")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	child := logger.Named("pool")
	require.NoError(t, SetLevel("debug"))
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, child.Core().Enabled(zapcore.DebugLevel))

	require.Error(t, SetLevel("loud"))
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
