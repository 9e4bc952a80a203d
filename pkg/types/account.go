package types

import (
	"fmt"
	"time"
)

// Service identifies which billing portal an account belongs to.
type Service string

const (
	ServiceElectricity Service = "electricity"
	ServiceWater       Service = "water"
	ServiceTBO         Service = "tbo"
	ServiceManagement  Service = "management"
)

// Services returns every supported service in a stable order.
func Services() []Service {
	return []Service{
		ServiceElectricity,
		ServiceWater,
		ServiceTBO,
		ServiceManagement,
	}
}

// ParseService validates s and returns the matching Service.
func ParseService(s string) (Service, error) {
	for _, svc := range Services() {
		if string(svc) == s {
			return svc, nil
		}
	}
	return "", fmt.Errorf("unknown service: %q", s)
}

// Credentials are the portal login credentials for an account. For water and
// tbo the username is the personal ID (PID) and the password is the PIN.
type Credentials struct {
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

// Account is one configured portal account. ID is the configuration entry id
// and is distinct from AccountID, which is the number the provider knows the
// account by.
type Account struct {
	ID           string    `json:"id" yaml:"id"`
	Service      Service   `json:"service" yaml:"service"`
	AccountID    string    `json:"accountID" yaml:"accountID"`
	EnableGas    bool      `json:"enableGas,omitempty" yaml:"enableGas"`
	GasAccountID string    `json:"gasAccountID,omitempty" yaml:"gasAccountID"`
	CreatedAt    time.Time `json:"createdAt" yaml:"createdAt"`

	// Credentials are never serialized as JSON, only EncryptedCredentials are
	// persisted. The yaml tag allows plaintext credentials in a local seed
	// file.
	Credentials          Credentials `json:"-" yaml:"credentials"`
	EncryptedCredentials []byte      `json:"encryptedCredentials,omitempty" yaml:"-"`
}

// Validate checks the fields every service requires.
func (a Account) Validate() error {
	if _, err := ParseService(string(a.Service)); err != nil {
		return err
	}
	if a.AccountID == "" {
		return fmt.Errorf("accountID is required")
	}
	if a.EnableGas && a.Service != ServiceManagement {
		return fmt.Errorf("gas is only supported for the %s service", ServiceManagement)
	}
	return nil
}

// GasEnabled reports if the gas extension should be fetched for the account.
func (a Account) GasEnabled() bool {
	return a.Service == ServiceManagement && a.EnableGas && a.GasAccountID != ""
}

// Snapshot is a successful Record stored for history.
type Snapshot struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Record    Record    `json:"record"`
}
