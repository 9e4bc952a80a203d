package types

// Record is the normalized billing snapshot produced by every portal adapter.
//
// Balance is positive when the account is in credit (overpaid) and negative
// when there is debt. Amounts are in major currency units (UZS) and
// Consumption is in the service's natural unit (kWh, m³, m² or people).
type Record struct {
	AccountID     string     `json:"account_id"`
	CurrentPeriod string     `json:"current_period"`
	Balance       float64    `json:"balance"`
	Consumption   float64    `json:"consumption"`
	Accrual       float64    `json:"accrual"`
	LastPayment   *Payment   `json:"last_payment"`
	Data          RecordData `json:"data"`

	// Gas is only filled in by the management adapter and is nil when gas is
	// disabled or could not be fetched.
	Gas *Record `json:"gas"`
}

// RecordData holds the per-month breakdown of a Record.
type RecordData struct {
	CurrentMonth MonthUsage `json:"current_month"`
	LastMonth    *LastMonth `json:"last_month"`
}

// MonthUsage is consumption and accrual for a single month.
type MonthUsage struct {
	Consumption float64 `json:"consumption"`
	Accrual     float64 `json:"accrual"`
}

// LastMonth is the previous billing period, broken down by tariff.
type LastMonth struct {
	Period      string   `json:"period"`
	Consumption float64  `json:"consumption"`
	Accrual     float64  `json:"accrual"`
	Tariffs     []Tariff `json:"tariffs"`
}

// Tariff is one tariff band of a billing period.
type Tariff struct {
	Tariff      float64 `json:"tariff"`
	Consumption float64 `json:"consumption"`
	Accrual     float64 `json:"accrual"`
}

// Payment is a single payment made towards the account.
type Payment struct {
	Amount float64 `json:"amount"`
	Date   string  `json:"date"`
}

// Clone returns a deep copy of the record so callers can't mutate a cached
// snapshot through shared pointers or slices.
func (r Record) Clone() Record {
	c := r
	if r.LastPayment != nil {
		p := *r.LastPayment
		c.LastPayment = &p
	}
	if r.Data.LastMonth != nil {
		lm := *r.Data.LastMonth
		lm.Tariffs = append([]Tariff(nil), r.Data.LastMonth.Tariffs...)
		if lm.Tariffs == nil {
			lm.Tariffs = []Tariff{}
		}
		c.Data.LastMonth = &lm
	}
	if r.Gas != nil {
		g := r.Gas.Clone()
		c.Gas = &g
	}
	return c
}
