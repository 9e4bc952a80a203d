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

func tboAccount() types.Account {
	return types.Account{
		Service:     types.ServiceTBO,
		AccountID:   "500100",
		Credentials: types.Credentials{Username: "998901234567", Password: "secret"},
	}
}

type tboFixture struct {
	houses   any
	payments any
	stats    any
}

func (f tboFixture) server(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/user-service/mobile/login/confirm-code" {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "998901234567", body["login"])
			assert.Equal(t, "WEB", body["deviceName"])
			assert.Equal(t, "string", body["fcmToken"])
			assert.Equal(t, "string", body["uuid"])
			if body["password"] != "secret" {
				http.Error(w, "bad credentials", http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{"access_token": "ttok"})
			return
		}

		if r.Header.Get("Authorization") != "Bearer ttok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/user-service/mobile/users/houses":
			json.NewEncoder(w).Encode(f.houses)
		case "/billing-service/payment/resident/77":
			assert.Equal(t, "id,desc", r.URL.Query().Get("sort"))
			json.NewEncoder(w).Encode(f.payments)
		case "/billing-service/resident-balances/77/income-statistics":
			json.NewEncoder(w).Encode(f.stats)
		default:
			http.Error(w, "not found: "+r.URL.Path, http.StatusNotFound)
		}
	}))
}

func newTestTBO(url string, hc *http.Client) *TBO {
	t := NewTBO(url, hc)
	t.now = func() time.Time {
		return time.Date(2024, time.March, 10, 9, 0, 0, 0, uzLocation)
	}
	return t
}

func TestTBO(t *testing.T) {
	fixture := tboFixture{
		houses: map[string]any{
			"houses": []map[string]any{
				{"id": 12, "accountNumber": 400100, "rate": 9000, "inhabitantCount": 1, "balance": 0},
				{"id": 77, "accountNumber": 500100, "rate": 8500.5, "inhabitantCount": 3, "balance": 12000},
			},
		},
		payments: map[string]any{
			"content": []map[string]any{
				{"amount": 51000, "dateTime": "2024-03-01T08:30:00"},
			},
		},
		stats: []map[string]any{
			{"period": "1.2024", "accrual": 1},
			{"period": "2.2024", "accrual": 24000},
		},
	}

	t.Run("Success", func(t *testing.T) {
		ts := fixture.server(t)
		defer ts.Close()

		a := newTestTBO(ts.URL, ts.Client())
		tok, err := a.Authenticate(context.Background(), tboAccount())
		require.NoError(t, err)
		assert.Equal(t, "ttok", tok.Value)

		rec, err := a.FetchCanonical(context.Background(), tok, tboAccount())
		require.NoError(t, err)

		assert.Equal(t, "500100", rec.AccountID)
		assert.Equal(t, "2024-03", rec.CurrentPeriod)
		// debt at the portal becomes a negative balance
		assert.Equal(t, -12000.0, rec.Balance)
		assert.Equal(t, 3.0, rec.Consumption)
		assert.Equal(t, 25501.5, rec.Accrual)
		assert.Equal(t, &types.Payment{Amount: 51000, Date: "2024-03-01"}, rec.LastPayment)
		assert.Equal(t, &types.LastMonth{
			Period:      "2024-02",
			Consumption: 3,
			Accrual:     24000,
			Tariffs:     []types.Tariff{{Tariff: 8500.5, Consumption: 3, Accrual: 24000}},
		}, rec.Data.LastMonth)
	})

	t.Run("Overpaid", func(t *testing.T) {
		f := fixture
		f.houses = map[string]any{
			"houses": []map[string]any{
				{"id": 77, "accountNumber": "500100", "rate": "100", "inhabitantCount": 2, "balance": -300},
			},
		}
		ts := f.server(t)
		defer ts.Close()

		rec, err := newTestTBO(ts.URL, ts.Client()).FetchCanonical(context.Background(), Token{Value: "ttok"}, tboAccount())
		require.NoError(t, err)
		assert.Equal(t, 300.0, rec.Balance)
		assert.Equal(t, 200.0, rec.Accrual)
	})

	t.Run("NoPaymentsNoStats", func(t *testing.T) {
		f := fixture
		f.payments = map[string]any{"content": []any{}}
		f.stats = map[string]any{"unexpected": true}
		ts := f.server(t)
		defer ts.Close()

		rec, err := newTestTBO(ts.URL, ts.Client()).FetchCanonical(context.Background(), Token{Value: "ttok"}, tboAccount())
		require.NoError(t, err)
		assert.Nil(t, rec.LastPayment)
		// falls back to the current accrual
		assert.Equal(t, rec.Accrual, rec.Data.LastMonth.Accrual)
	})

	t.Run("HouseNotFound", func(t *testing.T) {
		ts := fixture.server(t)
		defer ts.Close()

		acct := tboAccount()
		acct.AccountID = "999"
		_, err := newTestTBO(ts.URL, ts.Client()).FetchCanonical(context.Background(), Token{Value: "ttok"}, acct)
		var pe *ParseError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "houses", pe.Field)
	})

	t.Run("MissingRate", func(t *testing.T) {
		f := fixture
		f.houses = map[string]any{
			"houses": []map[string]any{
				{"id": 77, "accountNumber": 500100, "inhabitantCount": 3, "balance": 0},
			},
		}
		ts := f.server(t)
		defer ts.Close()

		_, err := newTestTBO(ts.URL, ts.Client()).FetchCanonical(context.Background(), Token{Value: "ttok"}, tboAccount())
		assert.True(t, IsParse(err))
	})

	t.Run("BadCredentials", func(t *testing.T) {
		ts := fixture.server(t)
		defer ts.Close()

		acct := tboAccount()
		acct.Credentials.Password = "wrong"
		_, err := newTestTBO(ts.URL, ts.Client()).Authenticate(context.Background(), acct)
		assert.True(t, IsAuth(err))
	})

	t.Run("ExpiredToken", func(t *testing.T) {
		ts := fixture.server(t)
		defer ts.Close()

		_, err := newTestTBO(ts.URL, ts.Client()).FetchCanonical(context.Background(), Token{Value: "old"}, tboAccount())
		assert.True(t, IsAuth(err))
	})
}
