package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/askuuz/askuuz/pkg/common"
	"github.com/askuuz/askuuz/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Adapter is a client for a single billing portal. Adapters are stateless:
// the token is owned by the caller and passed back in on every fetch.
type Adapter interface {
	// Authenticate logs in with the account's credentials.
	Authenticate(ctx context.Context, account types.Account) (Token, error)

	// FetchCanonical fetches the account's billing data and normalizes it.
	FetchCanonical(ctx context.Context, token Token, account types.Account) (types.Record, error)
}

// Configured registers the portal flags and returns a Map with every adapter
// set up once flags are parsed.
func Configured() *Map {
	m := NewMap()

	electricityURL := lflag.String("electricity-api-url", defaultElectricityURL, "Base URL for the electricity (het.uz) cabinet API")
	waterURL := lflag.String("water-api-url", defaultWaterURL, "Base URL for the water (uzsuv.uz) cabinet API")
	tboURL := lflag.String("tbo-api-url", defaultTBOURL, "Base URL for the waste collection (tozamakon.eco) API")
	managementURL := lflag.String("management-api-url", defaultManagementURL, "Base URL for the management company (kommunal.uz) API")
	timeout := lflag.Duration("http-timeout", 30*time.Second, "Timeout for each request to a portal")

	lflag.Do(func() {
		hc := common.HTTPClient(*timeout)
		m.SetAdapter(types.ServiceElectricity, NewElectricity(*electricityURL, hc))
		m.SetAdapter(types.ServiceWater, NewWater(*waterURL, hc))
		m.SetAdapter(types.ServiceTBO, NewTBO(*tboURL, hc))
		m.SetAdapter(types.ServiceManagement, NewManagement(*managementURL, hc))
	})

	return m
}

// Map dispatches a service tag to its adapter.
type Map struct {
	mu       sync.Mutex
	adapters map[types.Service]Adapter
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{
		adapters: make(map[types.Service]Adapter),
	}
}

// Adapter returns the adapter for the given service.
func (m *Map) Adapter(svc types.Service) (Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.adapters[svc]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("unknown service: %s", svc)
}

// SetAdapter sets the adapter for the given service. Tests use this to swap in
// fakes.
func (m *Map) SetAdapter(svc types.Service, a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[svc] = a
}

func newClient(svc types.Service, baseURL string, hc *http.Client) client {
	if hc == nil {
		hc = common.HTTPClient(30 * time.Second)
	}
	return client{
		service: svc,
		baseURL: baseURL,
		http:    hc,
	}
}

// loginError turns a 4xx from a login endpoint into an AuthError since the
// portals answer bad credentials with assorted client errors. Network errors
// and 5xx stay an APIError so they are treated as transient.
func loginError(err error) error {
	var ae *APIError
	if errors.As(err, &ae) && ae.StatusCode >= 400 && ae.StatusCode < 500 {
		return &AuthError{Service: ae.Service, StatusCode: ae.StatusCode, Message: ae.Message}
	}
	return err
}

// decodeField decodes a nested raw value, turning failures into a ParseError
// for the named field.
func decodeField(svc types.Service, field string, raw json.RawMessage, dest any) error {
	if t := bytes.TrimSpace(raw); len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return missing(svc, field)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return &ParseError{Service: svc, Field: field, Err: err}
	}
	return nil
}
