package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

func (c *Client) GetBalances(ctx context.Context, coins []string) (map[string]models.Balance, error) {
	params := url.Values{}
	params.Set("accountType", c.accountType)

	if len(coins) > 0 {
		params.Set("coin", strings.Join(coins, ","))
	}

	var resp bybitResponse[struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				Locked              string `json:"locked"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil, true, &resp); err != nil {
		return nil, err
	}

	balances := map[string]models.Balance{}
	for _, account := range resp.Result.List {
		for _, item := range account.Coin {
			wallet, err := parseDecimalOrZero(item.WalletBalance)
			if err != nil {
				return nil, fmt.Errorf("Некорректное значение walletBalance=%q: %w", item.WalletBalance, err)
			}
			locked, err := parseDecimalOrZero(item.Locked)
			if err != nil {
				return nil, fmt.Errorf("Некорректное значение locked=%q: %w", item.Locked, err)
			}

			free, _ := parseDecimalOrZero(item.AvailableToWithdraw)
			if free.IsZero() {
				free = wallet.Sub(locked)
			}
			if free.IsNegative() {
				free = decimal.Zero
			}

			balances[item.Coin] = models.Balance{
				Coin:   item.Coin,
				Free:   free,
				Locked: locked,
			}
		}
	}
	return balances, nil
}
