package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestConnectRequiresURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{}, logrus.New())
	require.Error(t, err)
}

func TestApplySchemaExecutesEmbeddedFiles(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS automation_rules").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, ApplySchema(context.Background(), db))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySchemaWrapsFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))

	err = ApplySchema(context.Background(), db)
	require.ErrorContains(t, err, "001_automation.sql")
}
