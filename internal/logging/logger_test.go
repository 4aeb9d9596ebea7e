package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		development bool
		debug       bool
	}{
		"development": {development: true, debug: true},
		"production":  {development: false, debug: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			logger, err := New(tc.development)
			require.NoError(t, err)
			require.NotNil(t, logger)
			require.Equal(t, tc.debug, logger.Core().Enabled(zapcore.DebugLevel))
			logger.Info("logger ready")
		})
	}
}
