package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecuteTransaction_Commits(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, withReplicas(testConfig(), EndpointConfig{ID: "replica-1"}), d)

	results, err := m.ExecuteTransaction(context.Background(), []Operation{
		{Statement: "insert A", Params: []any{"a"}},
		{Statement: "insert B", Params: []any{"b"}},
	}, TxOptions{IsolationLevel: LevelSerializable})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, rows := range results {
		require.Equal(t, "primary", rows.Values[0][0])
	}
	require.Equal(t, []string{"insert A", "insert B"}, d.appliedStatements())

	snap := m.Metrics()
	require.Equal(t, 0, snap.Active)
	require.EqualValues(t, 1, snap.Queries.TransactionsCommitted)
}

func TestExecuteTransaction_RollsBackOnConflict(t *testing.T) {
	d := newFakeDialer()
	m := newTestManager(t, testConfig(), d)

	_, err := m.ExecuteTransaction(context.Background(), []Operation{
		{Statement: "insert A"},
		{Statement: "insert B conflict"},
		{Statement: "insert C"},
	}, TxOptions{})
	require.ErrorIs(t, err, ErrTransactionFailed)
	require.ErrorIs(t, err, ErrValidation)
	require.ErrorContains(t, err, "duplicate key value violates unique constraint")
	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, "transaction operation 1", opErr.Op)

	require.Empty(t, d.appliedStatements())
	require.EqualValues(t, 1, d.rollbacks.Load())
	require.EqualValues(t, 2, d.runs.Load())

	snap := m.Metrics()
	require.Equal(t, 0, snap.Active)
	require.EqualValues(t, 1, snap.Queries.TransactionsRolledBack)
}

func TestExecuteTransaction_PoolClosed(t *testing.T) {
	m := newTestManager(t, testConfig(), newFakeDialer())
	require.NoError(t, m.Shutdown(0))
	_, err := m.ExecuteTransaction(context.Background(), []Operation{{Statement: "insert A"}}, TxOptions{})
	require.ErrorIs(t, err, ErrPoolClosed)
}
