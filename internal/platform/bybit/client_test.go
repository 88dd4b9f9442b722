package bybit

import (
	"errors"
	"testing"

	bybit_api "github.com/bybit-exchange/bybit.go.api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sentibot/internal/domain"
)

func TestDecodeResult(t *testing.T) {
	resp := &bybit_api.ServerResponse{
		RetCode: 0,
		RetMsg:  "OK",
		Result: map[string]any{
			"list": []any{
				map[string]any{"symbol": "BTCUSDT", "lastPrice": "45123.5"},
			},
		},
	}
	var out struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	require.NoError(t, decode(resp, &out))
	require.Len(t, out.List, 1)
	assert.Equal(t, 45123.5, parseFloat(out.List[0].LastPrice))
}

func TestDecodeClassifiesAPIErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		target    error
		transient bool
	}{
		{"rate limited", 10006, domain.ErrTransient, true},
		{"server error", 10016, domain.ErrTransient, true},
		{"insufficient balance", 170131, domain.ErrInsufficientBalance, false},
		{"bad params", 10001, domain.ErrInvalidOrder, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decode(&bybit_api.ServerResponse{RetCode: tt.code, RetMsg: "nope"}, &struct{}{})
			require.Error(t, err)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.transient, apiErr.Transient())
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestDecodeRejectsUnknownResponse(t *testing.T) {
	err := decode("not a response", &struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid response type")
}

func TestSideParam(t *testing.T) {
	assert.Equal(t, "Buy", sideParam(domain.OrderSideBuy))
	assert.Equal(t, "Sell", sideParam(domain.OrderSideSell))
}
