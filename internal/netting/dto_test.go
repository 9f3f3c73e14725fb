package netting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMatchInputValidate(t *testing.T) {
	valid := CreateMatchInput{BuyOperationID: 1, SellOperationID: 2, AmountUSD: d("100.25")}
	require.NoError(t, valid.Validate())

	cases := map[string]CreateMatchInput{
		"amount_usd zero":        {BuyOperationID: 1, SellOperationID: 2, AmountUSD: d("0")},
		"amount_usd negative":    {BuyOperationID: 1, SellOperationID: 2, AmountUSD: d("-1")},
		"amount_usd three dp":    {BuyOperationID: 1, SellOperationID: 2, AmountUSD: d("100.125")},
		"buy_operation_id zero":  {SellOperationID: 2, AmountUSD: d("1")},
		"sell_operation_id same": {BuyOperationID: 2, SellOperationID: 2, AmountUSD: d("1")},
	}
	for name, in := range cases {
		err := in.Validate()
		require.ErrorIs(t, err, ErrValidation, name)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, name)
	}
}

func TestCreateBatchInputValidate(t *testing.T) {
	date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, CreateBatchInput{MatchIDs: []int64{1, 2}, NettingDate: date}.Validate())

	assert.ErrorIs(t, CreateBatchInput{NettingDate: date}.Validate(), ErrValidation)
	assert.ErrorIs(t, CreateBatchInput{MatchIDs: []int64{1, 1}, NettingDate: date}.Validate(), ErrValidation)
	assert.ErrorIs(t, CreateBatchInput{MatchIDs: []int64{0}, NettingDate: date}.Validate(), ErrValidation)
	assert.ErrorIs(t, CreateBatchInput{MatchIDs: []int64{1}}.Validate(), ErrValidation)
}

func TestVoidMatchInputValidate(t *testing.T) {
	assert.NoError(t, VoidMatchInput{MatchID: 3}.Validate())
	assert.ErrorIs(t, VoidMatchInput{}.Validate(), ErrValidation)
	assert.ErrorIs(t, validateBatchID(-1), ErrValidation)
}
