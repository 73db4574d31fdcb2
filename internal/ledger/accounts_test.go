package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalSideLookup(t *testing.T) {
	cases := map[AccountType]Side{
		AccountAsset:     Debit,
		AccountExpense:   Debit,
		AccountLiability: Credit,
		AccountEquity:    Credit,
		AccountRevenue:   Credit,
	}
	for typ, want := range cases {
		side, err := NormalSide(typ)
		require.NoError(t, err)
		assert.Equal(t, want, side)
	}

	_, err := NormalSide("checking")
	assert.Error(t, err)
}

func TestDuplicateAccountRejected(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemoryStore())

	_, err := reg.CreateAccount(ctx, AccountLiability, "USD", "user", "u1", "wallet")
	require.NoError(t, err)

	_, err = reg.CreateAccount(ctx, AccountLiability, "USD", "user", "u1", "wallet again")
	var dup *DuplicateAccountError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "u1", dup.OwnerID)

	// Different currency is a different account.
	_, err = reg.CreateAccount(ctx, AccountLiability, "EUR", "user", "u1", "eur wallet")
	assert.NoError(t, err)
}

func TestDeactivatedAccountCanBeRecreated(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemoryStore())

	acct, err := reg.CreateAccount(ctx, AccountLiability, "USD", "user", "u1", "wallet")
	require.NoError(t, err)
	require.NoError(t, reg.Deactivate(ctx, acct.ID))

	// Uniqueness applies to active accounts only.
	_, err = reg.CreateAccount(ctx, AccountLiability, "USD", "user", "u1", "wallet v2")
	assert.NoError(t, err)
}

func TestBootstrapIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemoryStore())

	first, err := reg.Bootstrap(ctx, "SLE")
	require.NoError(t, err)
	second, err := reg.Bootstrap(ctx, "SLE")
	require.NoError(t, err)

	assert.Equal(t, first.Cash.ID, second.Cash.ID)
	assert.Equal(t, first.SettlementPending.ID, second.SettlementPending.ID)
	assert.Equal(t, first.FeeRevenue.ID, second.FeeRevenue.ID)
	assert.True(t, first.Cash.System())
}

func TestCreateAccountValidation(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(NewMemoryStore())

	_, err := reg.CreateAccount(ctx, "savings", "USD", "", "", "x")
	assert.Error(t, err)

	_, err = reg.CreateAccount(ctx, AccountAsset, "usd", "", "", "x")
	assert.Error(t, err)

	_, err = reg.CreateAccount(ctx, AccountAsset, "USD", "user", "", "x")
	assert.Error(t, err, "owner type without owner id")
}
