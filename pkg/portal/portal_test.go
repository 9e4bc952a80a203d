package portal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/askuuz/askuuz/pkg/log"
	"github.com/askuuz/askuuz/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type nopAdapter struct{}

func (nopAdapter) Authenticate(context.Context, types.Account) (Token, error) {
	return Token{Value: "nop"}, nil
}

func (nopAdapter) FetchCanonical(context.Context, Token, types.Account) (types.Record, error) {
	return types.Record{}, nil
}

func TestMap(t *testing.T) {
	m := NewMap()

	_, err := m.Adapter(types.ServiceWater)
	assert.Error(t, err)

	m.SetAdapter(types.ServiceWater, nopAdapter{})
	a, err := m.Adapter(types.ServiceWater)
	require.NoError(t, err)
	assert.Equal(t, nopAdapter{}, a)
}

func TestClientErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/unauthorized":
			http.Error(w, "nope", http.StatusUnauthorized)
		case "/forbidden":
			http.Error(w, "nope", http.StatusForbidden)
		case "/broken":
			http.Error(w, "boom", http.StatusBadGateway)
		case "/html":
			w.Write([]byte("<html></html>"))
		default:
			json.NewEncoder(w).Encode(map[string]string{"ok": "yes"})
		}
	}))
	defer ts.Close()

	c := newClient(types.ServiceWater, ts.URL, ts.Client())
	ctx := context.Background()

	t.Run("401", func(t *testing.T) {
		err := c.do(ctx, request{method: http.MethodGet, path: "/unauthorized"}, nil)
		var ae *AuthError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, http.StatusUnauthorized, ae.StatusCode)
		assert.True(t, IsAuth(err))
	})

	t.Run("403", func(t *testing.T) {
		err := c.do(ctx, request{method: http.MethodGet, path: "/forbidden"}, nil)
		assert.True(t, IsAuth(err))
	})

	t.Run("5xx", func(t *testing.T) {
		err := c.do(ctx, request{method: http.MethodGet, path: "/broken"}, nil)
		var ae *APIError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, http.StatusBadGateway, ae.StatusCode)
		assert.Contains(t, ae.Message, "boom")
		assert.False(t, IsAuth(err))
	})

	t.Run("Malformed", func(t *testing.T) {
		var dest map[string]string
		err := c.do(ctx, request{method: http.MethodGet, path: "/html"}, &dest)
		var ae *APIError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "failed to decode response", ae.Message)
	})

	t.Run("OK", func(t *testing.T) {
		var dest map[string]string
		require.NoError(t, c.do(ctx, request{method: http.MethodGet, path: "/ok"}, &dest))
		assert.Equal(t, "yes", dest["ok"])
	})

	t.Run("Network", func(t *testing.T) {
		bad := newClient(types.ServiceWater, "http://127.0.0.1:1", ts.Client())
		err := bad.do(ctx, request{method: http.MethodGet, path: "/"}, nil)
		var ae *APIError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "request failed", ae.Message)
	})
}

func TestLoginError(t *testing.T) {
	err := loginError(&APIError{Service: types.ServiceTBO, StatusCode: http.StatusBadRequest, Message: "bad password"})
	assert.True(t, IsAuth(err))

	err = loginError(&APIError{Service: types.ServiceTBO, StatusCode: http.StatusServiceUnavailable})
	assert.False(t, IsAuth(err))

	err = loginError(&APIError{Service: types.ServiceTBO, Message: "request failed", Err: errors.New("dial")})
	assert.False(t, IsAuth(err))
}

func TestDecodeField(t *testing.T) {
	var dest struct {
		A number `json:"a"`
	}

	err := decodeField(types.ServiceWater, "x", nil, &dest)
	assert.True(t, IsParse(err))
	assert.ErrorIs(t, err, errMissing)

	err = decodeField(types.ServiceWater, "x", json.RawMessage("null"), &dest)
	assert.ErrorIs(t, err, errMissing)

	err = decodeField(types.ServiceWater, "x", json.RawMessage(`[1]`), &dest)
	assert.True(t, IsParse(err))

	require.NoError(t, decodeField(types.ServiceWater, "x", json.RawMessage(`{"a":"0"}`), &dest))
	assert.Equal(t, number(0), dest.A)
}

func TestNumber(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want float64
		err  bool
	}{
		{in: `12.5`, want: 12.5},
		{in: `"12.5"`, want: 12.5},
		{in: `" 7 "`, want: 7},
		{in: `""`, want: 0},
		{in: `null`, want: 0},
		{in: `"abc"`, err: true},
		{in: `true`, err: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			var n number
			err := json.Unmarshal([]byte(tc.in), &n)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, float64(n))
		})
	}

	var nilN *number
	assert.Equal(t, 0.0, nilN.value())
}

func TestText(t *testing.T) {
	var v struct {
		A text `json:"a"`
		B text `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a": 12345, "b": "12345"}`), &v))
	assert.Equal(t, text("12345"), v.A)
	assert.Equal(t, text("12345"), v.B)

	assert.True(t, text("5").is(5))
	assert.True(t, text("05").is(5))
	assert.True(t, text(" 2024").is(2024))
	assert.False(t, text("").is(0))
	assert.False(t, text("May").is(5))
}

func TestTruthy(t *testing.T) {
	for _, raw := range []string{"", "null", "false", "0", `""`} {
		assert.False(t, truthy(json.RawMessage(raw)), raw)
	}
	for _, raw := range []string{"true", "1", `"ok"`, "{}"} {
		assert.True(t, truthy(json.RawMessage(raw)), raw)
	}
}

func TestPeriodFromDot(t *testing.T) {
	p, err := periodFromDot("3.2024")
	require.NoError(t, err)
	assert.Equal(t, "2024-03", p)

	p, err = periodFromDot("11.2023")
	require.NoError(t, err)
	assert.Equal(t, "2023-11", p)

	_, err = periodFromDot("2024")
	assert.Error(t, err)
}

func TestPreviousMonth(t *testing.T) {
	y, m := previousMonth(time.Date(2024, time.January, 10, 0, 0, 0, 0, uzLocation))
	assert.Equal(t, 2023, y)
	assert.Equal(t, time.December, m)

	y, m = previousMonth(time.Date(2024, time.June, 1, 0, 0, 0, 0, uzLocation))
	assert.Equal(t, 2024, y)
	assert.Equal(t, time.May, m)
}

func TestNewToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tok := newToken(signed)
	assert.Equal(t, signed, tok.Value)
	assert.True(t, exp.Equal(tok.ExpiresAt))

	opaque := newToken("not-a-jwt")
	assert.True(t, opaque.ExpiresAt.IsZero())
}
