package projection_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"MarginLedger/internal/core"
	"MarginLedger/internal/projection"
	"MarginLedger/internal/testutil"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenario(t *testing.T) []*core.CoreOutput {
	t.Helper()
	p := testutil.NewProcessor(t, nil)
	return testutil.Apply(t, p, testutil.Scenario())
}

func TestProjectionWorker_Deposit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	outs := scenario(t)
	trader := "trader:" + testutil.Alice.String() + ":collateral"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO projections.account_balances").
		WithArgs(trader, "5000", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.account_balances").
		WithArgs("external:trader_deposits", "-5000", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.watermark").
		WithArgs("main", int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := projection.NewProjectionWorker(db, nil)
	require.NoError(t, w.Apply(context.Background(), *outs[0]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectionWorker_StopOut(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	outs := scenario(t)
	stopOut := *outs[5]

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO projections.account_balances").
		WithArgs("pool:0:liquidity", "5000", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.account_balances").
		WithArgs("trader:"+testutil.Alice.String()+":collateral", "-5000", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.closed_positions").
		WithArgs(int64(1), sqlmock.AnyArg(), int64(0), "FEUR", "AUSD", "long", 10,
			"5000", sqlmock.AnyArg(), sqlmock.AnyArg(), "-5000", "TraderStopOut", int64(5), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.safety_transitions").
		WithArgs(int64(5), "trader", testutil.Alice.String(), "Safe", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO projections.watermark").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	w := projection.NewProjectionWorker(db, nil)
	require.NoError(t, w.Apply(context.Background(), stopOut))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectionWorker_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	outs := scenario(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO projections.account_balances").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	w := projection.NewProjectionWorker(db, nil)
	assert.Error(t, w.Apply(context.Background(), *outs[0]))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProjectionWorker_RunDrainsChannel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	outs := scenario(t)
	in := make(chan core.CoreOutput, 1)
	in <- *outs[2] // price update: watermark only
	close(in)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO projections.watermark").
		WithArgs("main", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, projection.NewProjectionWorker(db, in).Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildBalances(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("TRUNCATE projections.account_balances")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO projections.account_balances").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	require.NoError(t, projection.RebuildBalances(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
