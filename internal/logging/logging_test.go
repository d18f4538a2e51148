package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/systemshift/contentrepo/internal/config"
)

func TestNew(t *testing.T) {
	logger, sync, err := New(config.Log{Level: "warn"})
	require.NoError(t, err)
	defer sync()
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, logger.Core().Enabled(zapcore.ErrorLevel))

	logger, sync2, err := New(config.Log{Level: "debug", Development: true})
	require.NoError(t, err)
	defer sync2()
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, _, err = New(config.Log{Level: "chatty"})
	assert.Error(t, err)
}
