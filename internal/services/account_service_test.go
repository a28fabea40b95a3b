package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanadpay/wallet/internal/models"
)

func TestAccountService_CreateAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db, NewAuditService(), "YER")

	t.Run("successful creation", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO accounts").
			WillReturnResult(sqlmock.NewResult(1, 1))
		expectAuditAppend(mock)
		mock.ExpectCommit()

		account, err := service.CreateAccount(context.Background(), CreateAccountRequest{
			Type:       models.AccountTypeCustomer,
			OwnerID:    "user-1",
			ServiceRef: "svc-taxi",
		}, "ops-1")
		require.NoError(t, err)
		assert.NotEmpty(t, account.ID)
		assert.Equal(t, models.AccountStatusActive, account.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account type", func(t *testing.T) {
		_, err := service.CreateAccount(context.Background(), CreateAccountRequest{
			Type:    "checking",
			OwnerID: "user-1",
		}, "ops-1")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestAccountService_GetBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db, NewAuditService(), "YER")

	t.Run("available subtracts active holds", func(t *testing.T) {
		mock.ExpectQuery("SELECT status FROM accounts WHERE id = \\$1").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
		mock.ExpectQuery("FROM journal_entries WHERE account_id = \\$1 AND currency = \\$2 AND status = 'posted'").
			WithArgs("acct-1", "YER").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(10000))
		mock.ExpectQuery("FROM holds WHERE account_id = \\$1 AND currency = \\$2 AND status = 'active'").
			WithArgs("acct-1", "YER").
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(4000))

		balance, err := service.GetBalance(context.Background(), "acct-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10000), balance.Posted)
		assert.Equal(t, int64(6000), balance.Available)
		assert.Equal(t, "YER", balance.Currency)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown account", func(t *testing.T) {
		mock.ExpectQuery("SELECT status FROM accounts WHERE id = \\$1").
			WithArgs("acct-missing").
			WillReturnRows(sqlmock.NewRows([]string{"status"}))

		_, err := service.GetBalance(context.Background(), "acct-missing")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAccountService_SetStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAccountService(db, NewAuditService(), "YER")

	accountCols := []string{"id", "account_type", "owner_id", "service_ref", "status", "created_at", "updated_at"}
	now := time.Now().UTC()

	t.Run("suspend active account", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, account_type, owner_id, service_ref, status, created_at, updated_at FROM accounts").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows(accountCols).
				AddRow("acct-1", "customer", "user-1", "", "active", now, now))
		mock.ExpectExec("UPDATE accounts SET status = \\$1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectAuditAppend(mock)
		mock.ExpectCommit()

		account, err := service.SetStatus(context.Background(), "acct-1", models.AccountStatusSuspended, "ops-1")
		require.NoError(t, err)
		assert.Equal(t, models.AccountStatusSuspended, account.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("closed is terminal", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, account_type, owner_id, service_ref, status, created_at, updated_at FROM accounts").
			WithArgs("acct-2").
			WillReturnRows(sqlmock.NewRows(accountCols).
				AddRow("acct-2", "customer", "user-2", "", "closed", now, now))
		mock.ExpectRollback()

		_, err := service.SetStatus(context.Background(), "acct-2", models.AccountStatusActive, "ops-1")
		assert.ErrorIs(t, err, ErrAccountClosed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown status value", func(t *testing.T) {
		_, err := service.SetStatus(context.Background(), "acct-1", "frozen", "ops-1")
		assert.ErrorIs(t, err, ErrValidation)
	})
}
