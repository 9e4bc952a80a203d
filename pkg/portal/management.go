package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/types"
)

const defaultManagementURL = "https://back.my.kommunal.uz/api"

const managementYandexExtra = "yandex"

// Management is the adapter for the building management portal
// (kommunal.uz). The same portal also exposes the household gas account which
// is attached to the management record when enabled.
type Management struct {
	client client
	now    func() time.Time
}

// NewManagement returns a Management adapter talking to baseURL.
func NewManagement(baseURL string, hc *http.Client) *Management {
	return &Management{
		client: newClient(types.ServiceManagement, baseURL, hc),
		now:    time.Now,
	}
}

// managementResponse is the envelope every endpoint answers with.
type managementResponse struct {
	Status json.RawMessage `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// Authenticate logs in and keeps the secondary "yandex" token that every
// other endpoint expects in the request body.
func (m *Management) Authenticate(ctx context.Context, account types.Account) (Token, error) {
	const svc = types.ServiceManagement

	var res managementResponse
	err := m.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/login",
		body: map[string]string{
			"login": account.Credentials.Username,
			"parol": account.Credentials.Password,
		},
	}, &res)
	if err != nil {
		return Token{}, loginError(err)
	}
	if !truthy(res.Status) {
		return Token{}, &AuthError{Service: svc, Message: "login failed"}
	}

	var data struct {
		AccessToken string `json:"access_token"`
		Yandex      string `json:"yandex_"`
	}
	if len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, &data); err != nil {
			return Token{}, &AuthError{Service: svc, Message: "invalid login response: " + err.Error()}
		}
	}
	if data.AccessToken == "" {
		return Token{}, &AuthError{Service: svc, Message: "login response missing access_token"}
	}
	if data.Yandex == "" {
		return Token{}, &AuthError{Service: svc, Message: "login response missing yandex_"}
	}
	log.Ctx(ctx).DebugContext(ctx, "management login success")

	t := newToken(data.AccessToken)
	t.Extra = map[string]string{managementYandexExtra: data.Yandex}
	return t, nil
}

// post calls one of the data endpoints and returns the "data" member. A falsy
// status is an APIError.
func (m *Management) post(ctx context.Context, token Token, path string, body any) (json.RawMessage, error) {
	var res managementResponse
	err := m.client.do(ctx, request{
		method: http.MethodPost,
		path:   path,
		header: map[string]string{
			"Authorization": "Bearer " + token.Value,
			"Accept":        "application/json",
		},
		body: body,
	}, &res)
	if err != nil {
		return nil, err
	}
	if !truthy(res.Status) {
		return nil, &APIError{Service: types.ServiceManagement, Message: path + " request failed"}
	}
	return res.Data, nil
}

type managementDashboard struct {
	Balance  *number `json:"balance"`
	MyArea   *number `json:"my_area"`
	Price    *number `json:"price"`
	Payments []struct {
		PaymentAmount *number `json:"payment_amount"`
		PaymentDate   text    `json:"payment_date"`
	} `json:"payments"`
}

type managementAccrual struct {
	Month          text    `json:"month"`
	Year           text    `json:"year"`
	MonthlyAccrual *number `json:"monthly_accrual"`
}

// FetchCanonical combines the dashboard with last month's accruals and, when
// enabled for the account, the gas data.
func (m *Management) FetchCanonical(ctx context.Context, token Token, account types.Account) (types.Record, error) {
	const svc = types.ServiceManagement

	yandex := token.Extra[managementYandexExtra]
	if yandex == "" {
		return types.Record{}, &AuthError{Service: svc, Message: "token missing yandex value"}
	}

	now := m.now().In(uzLocation)
	lastYear, lastMonth := previousMonth(now)

	raw, err := m.post(ctx, token, "/dashboard", map[string]any{
		"data": yandex,
		"year": now.Year(),
	})
	if err != nil {
		return types.Record{}, err
	}
	var dash managementDashboard
	if err := decodeField(svc, "dashboard", raw, &dash); err != nil {
		return types.Record{}, err
	}
	switch {
	case dash.Balance == nil:
		return types.Record{}, missing(svc, "balance")
	case dash.MyArea == nil:
		return types.Record{}, missing(svc, "my_area")
	case dash.Price == nil:
		return types.Record{}, missing(svc, "price")
	}

	area := dash.MyArea.value()
	accrual := dash.Price.value() * area

	var lastPayment *types.Payment
	if len(dash.Payments) > 0 {
		p := dash.Payments[0]
		if p.PaymentAmount == nil {
			return types.Record{}, missing(svc, "payment_amount")
		}
		lastPayment = &types.Payment{
			Amount: p.PaymentAmount.value(),
			Date:   string(p.PaymentDate),
		}
	}

	raw, err = m.post(ctx, token, "/nachisleniya", map[string]any{
		"data": yandex,
		"year": strconv.Itoa(lastYear),
	})
	if err != nil {
		return types.Record{}, err
	}
	var accruals struct {
		Current []managementAccrual `json:"current"`
	}
	if err := decodeField(svc, "nachisleniya", raw, &accruals); err != nil {
		return types.Record{}, err
	}

	rec := types.Record{
		AccountID:     account.AccountID,
		CurrentPeriod: isoPeriod(now.Year(), now.Month()),
		// the portal reports debt as positive
		Balance:     invert(dash.Balance.value()),
		Consumption: area,
		Accrual:     accrual,
		LastPayment: lastPayment,
		Data: types.RecordData{
			CurrentMonth: types.MonthUsage{
				Consumption: area,
				Accrual:     accrual,
			},
		},
	}

	for _, a := range accruals.Current {
		if !a.Month.is(int(lastMonth)) || !a.Year.is(lastYear) {
			continue
		}
		if a.MonthlyAccrual == nil {
			return types.Record{}, missing(svc, "monthly_accrual")
		}
		monthly := a.MonthlyAccrual.value()
		var tariff float64
		if area != 0 {
			tariff = monthly / area
		}
		rec.Data.LastMonth = &types.LastMonth{
			Period:      isoPeriod(lastYear, lastMonth),
			Consumption: area,
			Accrual:     monthly,
			Tariffs: []types.Tariff{{
				Tariff:      tariff,
				Consumption: area,
				Accrual:     monthly,
			}},
		}
		break
	}

	if account.GasEnabled() {
		gas, err := m.fetchGas(ctx, token, yandex, account.GasAccountID)
		if err != nil {
			log.Ctx(ctx).WarnContext(
				ctx,
				"failed to fetch gas data",
				slog.String("gasAccountID", account.GasAccountID),
				slog.Any("error", err),
			)
		} else {
			rec.Gas = &gas
		}
	}

	return rec, nil
}

type managementGas struct {
	CustomerCode    text    `json:"customer_code"`
	CurrentBalance  number  `json:"current_balance"`
	LastPaymentSum  *number `json:"last_payment_sum"`
	LastPaymentDate text    `json:"last_payment_date"`
	Interaction     []struct {
		Period     string `json:"period"`
		GasConsume number `json:"gas_consume"`
		Accrual    number `json:"accrual"`
	} `json:"interraction"`
}

func (m *Management) fetchGas(ctx context.Context, token Token, yandex, gasAccountID string) (types.Record, error) {
	const svc = types.ServiceManagement

	raw, err := m.post(ctx, token, "/gaz", map[string]string{"data": yandex})
	if err != nil {
		return types.Record{}, err
	}
	var gas managementGas
	if err := decodeField(svc, "gaz", raw, &gas); err != nil {
		return types.Record{}, err
	}
	if string(gas.CustomerCode) != gasAccountID {
		return types.Record{}, &ParseError{Service: svc, Field: "customer_code", Err: fmt.Errorf("gas account mismatch: %q", gas.CustomerCode)}
	}
	if len(gas.Interaction) == 0 {
		return types.Record{}, missing(svc, "interraction")
	}

	current := gas.Interaction[0]
	period, err := periodFromDot(current.Period)
	if err != nil {
		return types.Record{}, &ParseError{Service: svc, Field: "period", Err: err}
	}

	rec := types.Record{
		AccountID:     gasAccountID,
		CurrentPeriod: period,
		Balance:       math.Abs(float64(gas.CurrentBalance)),
		Consumption:   float64(current.GasConsume),
		Accrual:       float64(current.Accrual),
		LastPayment: &types.Payment{
			Amount: gas.LastPaymentSum.value(),
			Date:   string(gas.LastPaymentDate),
		},
		Data: types.RecordData{
			CurrentMonth: types.MonthUsage{
				Consumption: float64(current.GasConsume),
				Accrual:     float64(current.Accrual),
			},
		},
	}
	if len(gas.Interaction) > 1 {
		last := gas.Interaction[1]
		lastPeriod, err := periodFromDot(last.Period)
		if err != nil {
			return types.Record{}, &ParseError{Service: svc, Field: "period", Err: err}
		}
		rec.Data.LastMonth = &types.LastMonth{
			Period:      lastPeriod,
			Consumption: float64(last.GasConsume),
			Accrual:     float64(last.Accrual),
			Tariffs:     []types.Tariff{},
		}
	}
	return rec, nil
}
