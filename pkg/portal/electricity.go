package portal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/types"
)

const defaultElectricityURL = "https://cabinet-api.het.uz/household-consumer/v1/mobile-cabinet"

const (
	// amounts are in tiyin
	electricityAmountDivisor = 100
	// consumption is in Wh
	electricityKWhDivisor = 1000

	electricityMonthlyStatusOK = 1000
	electricityAccept          = "application/json, text/plain, */*"
	electricityCoatoCodeLength = 5
)

// Electricity is the adapter for the household electricity cabinet (het.uz).
type Electricity struct {
	client client
}

// NewElectricity returns an Electricity adapter talking to baseURL.
func NewElectricity(baseURL string, hc *http.Client) *Electricity {
	return &Electricity{
		client: newClient(types.ServiceElectricity, baseURL, hc),
	}
}

type electricityLoginResponse struct {
	Data struct {
		AccessToken string `json:"accessToken"`
	} `json:"data"`
}

// Authenticate logs in with the account's login and password.
func (e *Electricity) Authenticate(ctx context.Context, account types.Account) (Token, error) {
	var res electricityLoginResponse
	err := e.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/user-login",
		header: map[string]string{"Accept": electricityAccept},
		body: map[string]string{
			"login":    account.Credentials.Username,
			"password": account.Credentials.Password,
		},
	}, &res)
	if err != nil {
		return Token{}, loginError(err)
	}
	if res.Data.AccessToken == "" {
		return Token{}, &AuthError{Service: types.ServiceElectricity, Message: "login response missing accessToken"}
	}
	log.Ctx(ctx).DebugContext(ctx, "electricity login success")
	return newToken(res.Data.AccessToken), nil
}

type electricityConsumerState struct {
	CurrentPeriod       *string `json:"currentPeriod"`
	Balance             *number `json:"balance"`
	CurrentMonthCalcKwh *number `json:"currentMonthCalcKwh"`
	CurrentMonthCalcSum *number `json:"currentMonthCalcSum"`
	LastPayment         *number `json:"lastPayment"`
	LastPaymentDate     string  `json:"lastPaymentDate"`
}

type electricityMonth struct {
	Period       *string `json:"period"`
	TotalCalcKwh *number `json:"totalCalcKwh"`
	TotalSum     *number `json:"totalSum"`
	Tariffs      []struct {
		TarifPrice       *number `json:"tarifPrice"`
		ConsumedKwh      *number `json:"consumedKwh"`
		TotalSumByTariff *number `json:"totalSumByTariff"`
	} `json:"newMonthlyTariffAndSpendedKwhs"`
}

// FetchCanonical fetches the consumer state and the latest month of the
// tariff breakdown.
func (e *Electricity) FetchCanonical(ctx context.Context, token Token, account types.Account) (types.Record, error) {
	const svc = types.ServiceElectricity

	var raw struct {
		Data json.RawMessage `json:"data"`
	}
	err := e.client.do(ctx, request{
		method: http.MethodGet,
		path:   "/consumer-state",
		header: map[string]string{
			"Accept":        electricityAccept,
			"Authorization": "Bearer " + token.Value,
			"Content-Type":  "application/json",
			"Coato-Code":    prefix(account.AccountID, electricityCoatoCodeLength),
		},
	}, &raw)
	if err != nil {
		return types.Record{}, err
	}

	var state electricityConsumerState
	if err := decodeField(svc, "data", raw.Data, &state); err != nil {
		return types.Record{}, err
	}
	switch {
	case state.CurrentPeriod == nil:
		return types.Record{}, missing(svc, "currentPeriod")
	case state.Balance == nil:
		return types.Record{}, missing(svc, "balance")
	case state.CurrentMonthCalcKwh == nil:
		return types.Record{}, missing(svc, "currentMonthCalcKwh")
	case state.CurrentMonthCalcSum == nil:
		return types.Record{}, missing(svc, "currentMonthCalcSum")
	case state.LastPayment == nil:
		return types.Record{}, missing(svc, "lastPayment")
	}

	period := prefix(*state.CurrentPeriod, 7)
	periodTime, err := time.Parse("2006-01", period)
	if err != nil {
		return types.Record{}, &ParseError{Service: svc, Field: "currentPeriod", Err: err}
	}

	consumption := state.CurrentMonthCalcKwh.value() / electricityKWhDivisor
	accrual := state.CurrentMonthCalcSum.value() / electricityAmountDivisor

	rec := types.Record{
		AccountID:     account.AccountID,
		CurrentPeriod: period,
		Balance:       state.Balance.value() / electricityAmountDivisor,
		Consumption:   consumption,
		Accrual:       accrual,
		LastPayment: &types.Payment{
			Amount: state.LastPayment.value() / electricityAmountDivisor,
			Date:   state.LastPaymentDate,
		},
		Data: types.RecordData{
			CurrentMonth: types.MonthUsage{
				Consumption: consumption,
				Accrual:     accrual,
			},
		},
	}

	// the monthly breakdown is per calendar year so in January we need last
	// year's data to get the previous month
	year := periodTime.Year()
	if periodTime.Month() == time.January {
		year--
	}
	lastMonth, err := e.fetchLastMonth(ctx, token, year)
	if err != nil {
		return types.Record{}, err
	}
	rec.Data.LastMonth = lastMonth

	return rec, nil
}

func (e *Electricity) fetchLastMonth(ctx context.Context, token Token, year int) (*types.LastMonth, error) {
	const svc = types.ServiceElectricity

	var raw json.RawMessage
	err := e.client.do(ctx, request{
		method: http.MethodGet,
		path:   "/get-monthly-consumption-by-tariff-new",
		query:  url.Values{"year": {strconv.Itoa(year)}},
		header: map[string]string{
			"Accept":        electricityAccept,
			"Authorization": "Bearer " + token.Value,
		},
	}, &raw)
	if err != nil {
		return nil, err
	}

	// anything other than a successful, non-empty list means there's no
	// breakdown available yet
	var res struct {
		Status *number          `json:"status"`
		Data   *json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil || res.Status == nil || res.Status.value() != electricityMonthlyStatusOK || res.Data == nil {
		log.Ctx(ctx).DebugContext(ctx, "no electricity monthly breakdown", slog.Int("year", year))
		return nil, nil
	}
	var months []json.RawMessage
	if err := json.Unmarshal(*res.Data, &months); err != nil || len(months) == 0 {
		log.Ctx(ctx).DebugContext(ctx, "empty electricity monthly breakdown", slog.Int("year", year))
		return nil, nil
	}

	var m electricityMonth
	if err := decodeField(svc, "monthly data", months[len(months)-1], &m); err != nil {
		return nil, err
	}
	switch {
	case m.Period == nil:
		return nil, missing(svc, "period")
	case m.TotalCalcKwh == nil:
		return nil, missing(svc, "totalCalcKwh")
	case m.TotalSum == nil:
		return nil, missing(svc, "totalSum")
	}

	lm := &types.LastMonth{
		Period:      prefix(*m.Period, 7),
		Consumption: m.TotalCalcKwh.value() / electricityKWhDivisor,
		Accrual:     m.TotalSum.value() / electricityAmountDivisor,
		Tariffs:     make([]types.Tariff, 0, len(m.Tariffs)),
	}
	for _, t := range m.Tariffs {
		switch {
		case t.TarifPrice == nil:
			return nil, missing(svc, "tarifPrice")
		case t.ConsumedKwh == nil:
			return nil, missing(svc, "consumedKwh")
		case t.TotalSumByTariff == nil:
			return nil, missing(svc, "totalSumByTariff")
		}
		lm.Tariffs = append(lm.Tariffs, types.Tariff{
			Tariff:      t.TarifPrice.value() / electricityAmountDivisor,
			Consumption: t.ConsumedKwh.value() / electricityKWhDivisor,
			Accrual:     t.TotalSumByTariff.value() / electricityAmountDivisor,
		})
	}
	return lm, nil
}
