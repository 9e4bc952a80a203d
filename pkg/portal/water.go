package portal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/types"
)

const defaultWaterURL = "https://cabinet.uzsuv.uz/api/web"

const (
	waterAmountDivisor = 100
	waterPIDExtra      = "pid"
)

// Water is the adapter for the water utility cabinet (uzsuv.uz). Accounts log
// in with a PID and PIN which are stored as the username and password.
type Water struct {
	client client
	now    func() time.Time
}

// NewWater returns a Water adapter talking to baseURL.
func NewWater(baseURL string, hc *http.Client) *Water {
	return &Water{
		client: newClient(types.ServiceWater, baseURL, hc),
		now:    time.Now,
	}
}

var waterQuery = url.Values{"lang": {"ru"}}

// Authenticate exchanges the PID and PIN for a token. The PID is kept on the
// token since the payment history is requested by PID.
func (w *Water) Authenticate(ctx context.Context, account types.Account) (Token, error) {
	var res struct {
		Token string `json:"token"`
	}
	err := w.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/PIN_AUTH",
		query:  waterQuery,
		body: map[string]string{
			"pid": account.Credentials.Username,
			"pin": account.Credentials.Password,
		},
	}, &res)
	if err != nil {
		return Token{}, loginError(err)
	}
	if res.Token == "" {
		return Token{}, &AuthError{Service: types.ServiceWater, Message: "PIN_AUTH response missing token"}
	}
	log.Ctx(ctx).DebugContext(ctx, "water login success")

	t := newToken(res.Token)
	t.Extra = map[string]string{waterPIDExtra: account.Credentials.Username}
	return t, nil
}

func (w *Water) post(ctx context.Context, token Token, path string, body any, dest any) error {
	return w.client.do(ctx, request{
		method: http.MethodPost,
		path:   path,
		query:  waterQuery,
		header: map[string]string{"Token": token.Value},
		body:   body,
	}, dest)
}

// waterPeriodID is the portal's period id, YYMM as an integer.
func waterPeriodID(year int, month time.Month) int {
	return (year%100)*100 + int(month)
}

// FetchCanonical builds the record from the payment history, the balance
// history, the charge details of the current and last month and the
// subscriber profile.
func (w *Water) FetchCanonical(ctx context.Context, token Token, account types.Account) (types.Record, error) {
	const svc = types.ServiceWater

	pid := token.Extra[waterPIDExtra]
	if pid == "" {
		pid = account.Credentials.Username
	}

	now := w.now().In(uzLocation)
	currentID := waterPeriodID(now.Year(), now.Month())
	lastYear, lastMonth := previousMonth(now)
	lastID := waterPeriodID(lastYear, lastMonth)

	var payments struct {
		Data []struct {
			PSum *number `json:"psum"`
			PDt  string  `json:"pdt"`
		} `json:"data"`
	}
	if err := w.post(ctx, token, "/PAY_HST", map[string]string{"pid": pid}, &payments); err != nil {
		return types.Record{}, err
	}
	var lastPayment *types.Payment
	if len(payments.Data) > 0 {
		p := payments.Data[0]
		if p.PSum == nil {
			return types.Record{}, missing(svc, "psum")
		}
		lastPayment = &types.Payment{
			Amount: p.PSum.value() / waterAmountDivisor,
			Date:   prefix(p.PDt, 10),
		}
	}

	var balances []struct {
		PrdID number  `json:"prd_id"`
		Chrg  *number `json:"chrg"`
		Corr  *number `json:"corr"`
	}
	if err := w.post(ctx, token, "/SLD_HST", struct{}{}, &balances); err != nil {
		return types.Record{}, err
	}
	var currentAccrual, lastAccrual float64
	for _, row := range balances {
		var dest *float64
		switch int(row.PrdID) {
		case currentID:
			dest = &currentAccrual
		case lastID:
			dest = &lastAccrual
		default:
			continue
		}
		if row.Chrg == nil {
			return types.Record{}, missing(svc, "chrg")
		}
		if row.Corr == nil {
			return types.Record{}, missing(svc, "corr")
		}
		*dest = (row.Chrg.value() + row.Corr.value()) / waterAmountDivisor
	}

	currentConsumption, err := w.consumption(ctx, token, currentID)
	if err != nil {
		return types.Record{}, err
	}
	lastConsumption, err := w.consumption(ctx, token, lastID)
	if err != nil {
		return types.Record{}, err
	}

	var profile struct {
		RtplSum *number `json:"rtpl_sum"`
		SldSum  number  `json:"sld_sum"`
	}
	if err := w.post(ctx, token, "/SUB_PRF", struct{}{}, &profile); err != nil {
		return types.Record{}, err
	}

	tariffs := []types.Tariff{}
	if profile.RtplSum != nil {
		tariffs = append(tariffs, types.Tariff{
			Tariff:      profile.RtplSum.value(),
			Consumption: lastConsumption,
			Accrual:     lastAccrual,
		})
	}

	return types.Record{
		AccountID:     account.AccountID,
		CurrentPeriod: isoPeriod(now.Year(), now.Month()),
		Balance:       float64(profile.SldSum) / waterAmountDivisor,
		Consumption:   currentConsumption,
		Accrual:       currentAccrual,
		LastPayment:   lastPayment,
		Data: types.RecordData{
			CurrentMonth: types.MonthUsage{
				Consumption: currentConsumption,
				Accrual:     currentAccrual,
			},
			LastMonth: &types.LastMonth{
				Period:      isoPeriod(lastYear, lastMonth),
				Consumption: lastConsumption,
				Accrual:     lastAccrual,
				Tariffs:     tariffs,
			},
		},
	}, nil
}

type waterCharge struct {
	OM3 number `json:"om3"`
}

// consumption sums the cubic meters over the corrections and charges of the
// period.
func (w *Water) consumption(ctx context.Context, token Token, periodID int) (float64, error) {
	var res struct {
		Corr json.RawMessage `json:"corr"`
		Chrg json.RawMessage `json:"chrg"`
	}
	if err := w.post(ctx, token, "/CHRG_DTL", map[string]int{"prd_id": periodID}, &res); err != nil {
		return 0, err
	}

	// summed in a fixed order so fractional m³ add up the same every time
	parts := []struct {
		field string
		raw   json.RawMessage
	}{
		{"corr", res.Corr},
		{"chrg", res.Chrg},
	}
	var total float64
	for _, p := range parts {
		if len(p.raw) == 0 || string(p.raw) == "null" {
			continue
		}
		var items []waterCharge
		if err := decodeField(types.ServiceWater, p.field, p.raw, &items); err != nil {
			return 0, err
		}
		for _, item := range items {
			total += float64(item.OM3)
		}
	}
	return total, nil
}
