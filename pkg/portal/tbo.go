package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/types"
)

const defaultTBOURL = "https://api.tozamakon.eco"

// TBO is the adapter for the household waste collection portal
// (tozamakon.eco). Amounts are already in sum.
type TBO struct {
	client client
	now    func() time.Time
}

// NewTBO returns a TBO adapter talking to baseURL.
func NewTBO(baseURL string, hc *http.Client) *TBO {
	return &TBO{
		client: newClient(types.ServiceTBO, baseURL, hc),
		now:    time.Now,
	}
}

// Authenticate logs in the same way the portal's web client does.
func (t *TBO) Authenticate(ctx context.Context, account types.Account) (Token, error) {
	var res struct {
		AccessToken string `json:"access_token"`
	}
	err := t.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/user-service/mobile/login/confirm-code",
		body: map[string]string{
			"login":      account.Credentials.Username,
			"password":   account.Credentials.Password,
			"fcmToken":   "string",
			"uuid":       "string",
			"deviceName": "WEB",
		},
	}, &res)
	if err != nil {
		return Token{}, loginError(err)
	}
	if res.AccessToken == "" {
		return Token{}, &AuthError{Service: types.ServiceTBO, Message: "login response missing access_token"}
	}
	log.Ctx(ctx).DebugContext(ctx, "tbo login success")
	return newToken(res.AccessToken), nil
}

type tboHouse struct {
	ID              text    `json:"id"`
	AccountNumber   text    `json:"accountNumber"`
	Rate            *number `json:"rate"`
	InhabitantCount *number `json:"inhabitantCount"`
	Balance         *number `json:"balance"`
}

// FetchCanonical finds the house for the account and derives the accrual from
// the per-person rate.
func (t *TBO) FetchCanonical(ctx context.Context, token Token, account types.Account) (types.Record, error) {
	const svc = types.ServiceTBO
	header := map[string]string{"Authorization": "Bearer " + token.Value}

	var raw struct {
		Houses json.RawMessage `json:"houses"`
	}
	err := t.client.do(ctx, request{
		method: http.MethodGet,
		path:   "/user-service/mobile/users/houses",
		header: header,
	}, &raw)
	if err != nil {
		return types.Record{}, err
	}
	var houses []tboHouse
	if err := decodeField(svc, "houses", raw.Houses, &houses); err != nil {
		return types.Record{}, err
	}

	var house *tboHouse
	for i := range houses {
		if string(houses[i].AccountNumber) == account.AccountID {
			house = &houses[i]
			break
		}
	}
	switch {
	case house == nil:
		return types.Record{}, &ParseError{Service: svc, Field: "houses", Err: fmt.Errorf("house with accountNumber=%s not found", account.AccountID)}
	case house.ID == "":
		return types.Record{}, missing(svc, "id")
	case house.Rate == nil:
		return types.Record{}, missing(svc, "rate")
	case house.InhabitantCount == nil:
		return types.Record{}, missing(svc, "inhabitantCount")
	case house.Balance == nil:
		return types.Record{}, missing(svc, "balance")
	}

	rate := house.Rate.value()
	people := float64(int(house.InhabitantCount.value()))
	accrual := rate * people

	now := t.now().In(uzLocation)
	lastYear, lastMonth := previousMonth(now)

	lastPayment, err := t.lastPayment(ctx, header, string(house.ID))
	if err != nil {
		return types.Record{}, err
	}
	lastAccrual, err := t.lastAccrual(ctx, header, string(house.ID), lastYear, lastMonth)
	if err != nil {
		return types.Record{}, err
	}
	if lastAccrual == nil {
		lastAccrual = &accrual
	}

	return types.Record{
		AccountID:     account.AccountID,
		CurrentPeriod: isoPeriod(now.Year(), now.Month()),
		// the portal reports debt as positive
		Balance:     invert(house.Balance.value()),
		Consumption: people,
		Accrual:     accrual,
		LastPayment: lastPayment,
		Data: types.RecordData{
			CurrentMonth: types.MonthUsage{
				Consumption: people,
				Accrual:     accrual,
			},
			LastMonth: &types.LastMonth{
				Period:      isoPeriod(lastYear, lastMonth),
				Consumption: people,
				Accrual:     *lastAccrual,
				Tariffs: []types.Tariff{{
					Tariff:      rate,
					Consumption: people,
					Accrual:     *lastAccrual,
				}},
			},
		},
	}, nil
}

// lastPayment returns nil when the resident has no usable payment.
func (t *TBO) lastPayment(ctx context.Context, header map[string]string, residentID string) (*types.Payment, error) {
	var raw json.RawMessage
	err := t.client.do(ctx, request{
		method: http.MethodGet,
		path:   "/billing-service/payment/resident/" + url.PathEscape(residentID),
		query:  url.Values{"sort": {"id,desc"}},
		header: header,
	}, &raw)
	if err != nil {
		return nil, err
	}

	var res struct {
		Content []struct {
			Amount   *number `json:"amount"`
			DateTime *string `json:"dateTime"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || len(res.Content) == 0 {
		return nil, nil
	}
	p := res.Content[0]
	if p.Amount == nil || p.DateTime == nil {
		return nil, nil
	}
	return &types.Payment{
		Amount: p.Amount.value(),
		Date:   prefix(*p.DateTime, 10),
	}, nil
}

// lastAccrual returns the accrual recorded for the given month or nil when the
// statistics don't have it.
func (t *TBO) lastAccrual(ctx context.Context, header map[string]string, residentID string, year int, month time.Month) (*float64, error) {
	var raw json.RawMessage
	err := t.client.do(ctx, request{
		method: http.MethodGet,
		path:   "/billing-service/resident-balances/" + url.PathEscape(residentID) + "/income-statistics",
		header: header,
	}, &raw)
	if err != nil {
		return nil, err
	}

	var rows []struct {
		Period  string  `json:"period"`
		Accrual *number `json:"accrual"`
	}
	if err := json.Unmarshal(raw, &rows); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "unexpected tbo income statistics", slog.Any("error", err))
		return nil, nil
	}
	// the portal formats periods as "M.YYYY"
	want := strconv.Itoa(int(month)) + "." + strconv.Itoa(year)
	for _, row := range rows {
		if row.Period != want {
			continue
		}
		if row.Accrual == nil {
			return nil, nil
		}
		v := row.Accrual.value()
		return &v, nil
	}
	return nil, nil
}
