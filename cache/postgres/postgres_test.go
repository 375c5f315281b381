package postgres

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockCache(t *testing.T) (*Cache, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS task_cache").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	c, err := NewWithPool(context.Background(), mock, "")
	require.NoError(t, err)
	return c, mock
}

func TestCache_Get_Hit(t *testing.T) {
	c, mock := newMockCache(t)
	defer mock.Close()

	output := map[string]any{"total": float64(7)}
	raw, err := json.Marshal(output)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT output FROM task_cache").
		WithArgs("sum", `{"a":1}`).
		WillReturnRows(pgxmock.NewRows([]string{"output"}).AddRow(raw))

	got, hit, err := c.Get(context.Background(), "sum", `{"a":1}`)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, float64(7), got["total"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCache_Get_Miss(t *testing.T) {
	c, mock := newMockCache(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT output FROM task_cache").
		WithArgs("sum", `{"a":99}`).
		WillReturnRows(pgxmock.NewRows([]string{"output"}))

	got, hit, err := c.Get(context.Background(), "sum", `{"a":99}`)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Nil(t, got)
}

func TestCache_Put(t *testing.T) {
	c, mock := newMockCache(t)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO task_cache").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := c.Put(context.Background(), "sum", `{"a":1}`, map[string]any{"total": float64(3)})
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
