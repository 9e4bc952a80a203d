package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/askuuz/askuuz/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func managementAccount() types.Account {
	return types.Account{
		Service:     types.ServiceManagement,
		AccountID:   "M-42",
		Credentials: types.Credentials{Username: "user", Password: "parol"},
	}
}

type managementFixture struct {
	login     any
	dashboard any
	accruals  any
	gas       any
}

func (f managementFixture) server(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if r.URL.Path == "/login" {
			assert.Equal(t, "user", body["login"])
			assert.Equal(t, "parol", body["parol"])
			json.NewEncoder(w).Encode(f.login)
			return
		}

		if r.Header.Get("Authorization") != "Bearer mtok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "ytok", body["data"])
		switch r.URL.Path {
		case "/dashboard":
			assert.Equal(t, 2024.0, body["year"])
			// the portal serves this endpoint as text/html
			w.Header().Set("Content-Type", "text/html")
			json.NewEncoder(w).Encode(f.dashboard)
		case "/nachisleniya":
			assert.Equal(t, "2024", body["year"])
			json.NewEncoder(w).Encode(f.accruals)
		case "/gaz":
			json.NewEncoder(w).Encode(f.gas)
		default:
			http.Error(w, "not found: "+r.URL.Path, http.StatusNotFound)
		}
	}))
}

func newTestManagement(url string, hc *http.Client) *Management {
	m := NewManagement(url, hc)
	m.now = func() time.Time {
		return time.Date(2024, time.June, 5, 0, 0, 0, 0, uzLocation)
	}
	return m
}

var managementToken = Token{Value: "mtok", Extra: map[string]string{managementYandexExtra: "ytok"}}

func TestManagement(t *testing.T) {
	fixture := managementFixture{
		login: map[string]any{
			"status": true,
			"data":   map[string]any{"access_token": "mtok", "yandex_": "ytok"},
		},
		dashboard: map[string]any{
			"status": true,
			"data": map[string]any{
				"balance": 15000,
				"my_area": 50,
				"price":   "1200",
				"payments": []map[string]any{
					{"payment_amount": "60000", "payment_date": "2024-05-20"},
				},
			},
		},
		accruals: map[string]any{
			"status": 1,
			"data": map[string]any{
				"current": []map[string]any{
					{"month": 4, "year": 2024, "monthly_accrual": 1},
					{"month": "5", "year": "2024", "monthly_accrual": "62500"},
				},
			},
		},
		gas: map[string]any{
			"status": true,
			"data": map[string]any{
				"customer_code":     "G-7",
				"current_balance":   -4200,
				"last_payment_sum":  30000,
				"last_payment_date": "2024-05-11",
				"interraction": []map[string]any{
					{"period": "6.2024", "gas_consume": 12.5, "accrual": 18000},
					{"period": "5.2024", "gas_consume": 40, "accrual": 57600},
				},
			},
		},
	}

	t.Run("Authenticate", func(t *testing.T) {
		ts := fixture.server(t)
		defer ts.Close()

		tok, err := newTestManagement(ts.URL, ts.Client()).Authenticate(context.Background(), managementAccount())
		require.NoError(t, err)
		assert.Equal(t, "mtok", tok.Value)
		assert.Equal(t, "ytok", tok.Extra[managementYandexExtra])
	})

	t.Run("LoginStatusFalse", func(t *testing.T) {
		f := fixture
		f.login = map[string]any{"status": false, "message": "wrong password"}
		ts := f.server(t)
		defer ts.Close()

		_, err := newTestManagement(ts.URL, ts.Client()).Authenticate(context.Background(), managementAccount())
		assert.True(t, IsAuth(err))
	})

	t.Run("Success", func(t *testing.T) {
		ts := fixture.server(t)
		defer ts.Close()

		rec, err := newTestManagement(ts.URL, ts.Client()).FetchCanonical(context.Background(), managementToken, managementAccount())
		require.NoError(t, err)

		assert.Equal(t, "M-42", rec.AccountID)
		assert.Equal(t, "2024-06", rec.CurrentPeriod)
		assert.Equal(t, -15000.0, rec.Balance)
		assert.Equal(t, 50.0, rec.Consumption)
		assert.Equal(t, 60000.0, rec.Accrual)
		assert.Equal(t, &types.Payment{Amount: 60000, Date: "2024-05-20"}, rec.LastPayment)
		assert.Equal(t, &types.LastMonth{
			Period:      "2024-05",
			Consumption: 50,
			Accrual:     62500,
			Tariffs:     []types.Tariff{{Tariff: 1250, Consumption: 50, Accrual: 62500}},
		}, rec.Data.LastMonth)
		// gas isn't enabled
		assert.Nil(t, rec.Gas)
	})

	t.Run("Gas", func(t *testing.T) {
		ts := fixture.server(t)
		defer ts.Close()

		acct := managementAccount()
		acct.EnableGas = true
		acct.GasAccountID = "G-7"
		rec, err := newTestManagement(ts.URL, ts.Client()).FetchCanonical(context.Background(), managementToken, acct)
		require.NoError(t, err)

		require.NotNil(t, rec.Gas)
		assert.Equal(t, "G-7", rec.Gas.AccountID)
		assert.Equal(t, "2024-06", rec.Gas.CurrentPeriod)
		assert.Equal(t, 4200.0, rec.Gas.Balance)
		assert.Equal(t, 12.5, rec.Gas.Consumption)
		assert.Equal(t, 18000.0, rec.Gas.Accrual)
		assert.Equal(t, &types.Payment{Amount: 30000, Date: "2024-05-11"}, rec.Gas.LastPayment)
		require.NotNil(t, rec.Gas.Data.LastMonth)
		assert.Equal(t, "2024-05", rec.Gas.Data.LastMonth.Period)
		assert.Equal(t, 40.0, rec.Gas.Data.LastMonth.Consumption)
		assert.Equal(t, 57600.0, rec.Gas.Data.LastMonth.Accrual)
	})

	t.Run("GasMismatch", func(t *testing.T) {
		ts := fixture.server(t)
		defer ts.Close()

		acct := managementAccount()
		acct.EnableGas = true
		acct.GasAccountID = "G-8"
		rec, err := newTestManagement(ts.URL, ts.Client()).FetchCanonical(context.Background(), managementToken, acct)
		require.NoError(t, err)
		assert.Nil(t, rec.Gas)
		assert.Equal(t, 60000.0, rec.Accrual)
	})

	t.Run("GasFailure", func(t *testing.T) {
		f := fixture
		f.gas = map[string]any{"status": false}
		ts := f.server(t)
		defer ts.Close()

		acct := managementAccount()
		acct.EnableGas = true
		acct.GasAccountID = "G-7"
		rec, err := newTestManagement(ts.URL, ts.Client()).FetchCanonical(context.Background(), managementToken, acct)
		require.NoError(t, err)
		assert.Nil(t, rec.Gas)
	})

	t.Run("ZeroArea", func(t *testing.T) {
		f := fixture
		f.dashboard = map[string]any{
			"status": true,
			"data":   map[string]any{"balance": 0, "my_area": 0, "price": 1200},
		}
		ts := f.server(t)
		defer ts.Close()

		rec, err := newTestManagement(ts.URL, ts.Client()).FetchCanonical(context.Background(), managementToken, managementAccount())
		require.NoError(t, err)
		assert.Equal(t, 0.0, rec.Balance)
		assert.Nil(t, rec.LastPayment)
		require.NotNil(t, rec.Data.LastMonth)
		assert.Equal(t, 0.0, rec.Data.LastMonth.Tariffs[0].Tariff)
	})

	t.Run("NoLastMonth", func(t *testing.T) {
		f := fixture
		f.accruals = map[string]any{"status": true, "data": map[string]any{"current": []any{}}}
		ts := f.server(t)
		defer ts.Close()

		rec, err := newTestManagement(ts.URL, ts.Client()).FetchCanonical(context.Background(), managementToken, managementAccount())
		require.NoError(t, err)
		assert.Nil(t, rec.Data.LastMonth)
	})

	t.Run("DashboardStatusFalse", func(t *testing.T) {
		f := fixture
		f.dashboard = map[string]any{"status": false}
		ts := f.server(t)
		defer ts.Close()

		_, err := newTestManagement(ts.URL, ts.Client()).FetchCanonical(context.Background(), managementToken, managementAccount())
		var ae *APIError
		require.ErrorAs(t, err, &ae)
	})

	t.Run("MissingArea", func(t *testing.T) {
		f := fixture
		f.dashboard = map[string]any{
			"status": true,
			"data":   map[string]any{"balance": 0, "price": 1200},
		}
		ts := f.server(t)
		defer ts.Close()

		_, err := newTestManagement(ts.URL, ts.Client()).FetchCanonical(context.Background(), managementToken, managementAccount())
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "my_area", pe.Field)
	})

	t.Run("Unauthorized", func(t *testing.T) {
		ts := fixture.server(t)
		defer ts.Close()

		tok := Token{Value: "old", Extra: managementToken.Extra}
		_, err := newTestManagement(ts.URL, ts.Client()).FetchCanonical(context.Background(), tok, managementAccount())
		assert.True(t, IsAuth(err))
	})
}
