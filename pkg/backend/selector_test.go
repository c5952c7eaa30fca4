package backend_test

import (
	"context"
	"testing"

	"github.com/namastexlabs/automagik-sub005/pkg/backend"
	"github.com/stretchr/testify/assert"
)

func TestNewFactory(t *testing.T) {
	t.Run("InProcess", func(t *testing.T) {
		factory, err := backend.NewFactory(backend.Config{
			Strategy: backend.StrategyInProcess,
			Session: func(ctx context.Context, s *backend.Session) (map[string]interface{}, error) {
				return nil, nil
			},
		}, logger{})
		assert.NoError(t, err)
		assert.NotNil(t, factory())
	})

	t.Run("InProcessRequiresSession", func(t *testing.T) {
		_, err := backend.NewFactory(backend.Config{Strategy: backend.StrategyInProcess}, logger{})
		assert.Error(t, err)
	})

	t.Run("Subprocess", func(t *testing.T) {
		factory, err := backend.NewFactory(backend.Config{
			Strategy: backend.StrategySubprocess,
			Command:  "/bin/true",
		}, logger{})
		assert.NoError(t, err)
		assert.NotNil(t, factory())
	})

	t.Run("SubprocessRequiresCommand", func(t *testing.T) {
		_, err := backend.NewFactory(backend.Config{Strategy: backend.StrategySubprocess}, logger{})
		assert.Error(t, err)
	})

	t.Run("UnknownStrategyFailsAtStartup", func(t *testing.T) {
		_, err := backend.NewFactory(backend.Config{Strategy: "telepathy"}, logger{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown backend strategy")
	})

	t.Run("EachCallYieldsFreshInstance", func(t *testing.T) {
		factory, err := backend.NewFactory(backend.Config{
			Strategy: backend.StrategySubprocess,
			Command:  "/bin/true",
		}, logger{})
		assert.NoError(t, err)
		assert.NotSame(t, factory(), factory())
	})
}
