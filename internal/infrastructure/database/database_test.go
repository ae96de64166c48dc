package database

import (
	"testing"

	"genrelay/internal/config"
	"genrelay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenMemoryMigrates(t *testing.T) {
	db, err := OpenMemory()
	require.NoError(t, err)

	for _, m := range model.AllModels() {
		assert.True(t, db.Migrator().HasTable(m))
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(&config.MySQLConfig{Driver: "oracle"}, zap.NewNop())
	assert.Error(t, err)
}
