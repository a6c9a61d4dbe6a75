package domain

import (
	"database/sql"
	"testing"
)

func TestQuerierCoversDBAndTx(t *testing.T) {
	// Compile-time: the statement helpers in the repositories must accept
	// both a connection pool and an open transaction.
	var _ Querier = (*sql.DB)(nil)
	var _ Querier = (*sql.Tx)(nil)
}
