package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/askuuz/askuuz/pkg/portal"
	"github.com/askuuz/askuuz/pkg/storage"
	"github.com/askuuz/askuuz/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHandleRefresh(t *testing.T) {
	isBroken := func(a types.Account) bool { return a.ID == "broken" }
	notBroken := func(a types.Account) bool { return a.ID != "broken" }

	setup := func(t *testing.T) (*Server, http.Handler) {
		srv, adapter := newTestServer(storage.NewMemory())
		adapter.On("Authenticate", mock.Anything, mock.MatchedBy(notBroken)).Return(testToken, nil)
		adapter.On("Authenticate", mock.Anything, mock.MatchedBy(isBroken)).Return(portal.Token{}, &portal.AuthError{Service: types.ServiceWater, Message: "bad pin"})
		adapter.On("FetchCanonical", mock.Anything, testToken, mock.Anything).Return(testRecord(7), nil)

		require.NoError(t, srv.registry.Load(waterAccount("a")))
		require.NoError(t, srv.registry.Load(waterAccount("broken")))
		return srv, srv.setupHandler()
	}

	t.Run("Single", func(t *testing.T) {
		_, h := setup(t)

		w := doJSON(t, h, "POST", "/api/refresh", map[string]string{"id": "a"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp refreshResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Accounts, 1)
		require.NotNil(t, resp.Accounts[0].Record)
		assert.Equal(t, 7.0, resp.Accounts[0].Record.Balance)
		assert.Empty(t, resp.Errors)
	})

	t.Run("Single Rejected", func(t *testing.T) {
		_, h := setup(t)

		w := doJSON(t, h, "POST", "/api/refresh", map[string]string{"id": "broken"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, h := setup(t)

		w := doJSON(t, h, "POST", "/api/refresh", map[string]string{"id": "missing"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("All", func(t *testing.T) {
		srv, h := setup(t)

		req := httptest.NewRequest("POST", "/api/refresh", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp refreshResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Accounts, 2)
		require.Len(t, resp.Errors, 1)
		assert.Contains(t, resp.Errors[0], "broken")

		c, err := srv.registry.Get("a")
		require.NoError(t, err)
		_, ok := c.Data()
		assert.True(t, ok)
	})

	t.Run("Invalid Body", func(t *testing.T) {
		_, h := setup(t)

		req := httptest.NewRequest("POST", "/api/refresh", bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("Fallback", func(t *testing.T) {
		srv, adapter := newTestServer(storage.NewMemory())
		adapter.On("Authenticate", mock.Anything, mock.Anything).Return(testToken, nil)
		adapter.On("FetchCanonical", mock.Anything, testToken, mock.Anything).Return(testRecord(3), nil).Once()
		adapter.On("FetchCanonical", mock.Anything, testToken, mock.Anything).Return(types.Record{}, &portal.APIError{Service: types.ServiceWater, StatusCode: 500})
		require.NoError(t, srv.registry.Load(waterAccount("a")))
		_, err := srv.registry.Refresh(context.Background(), "a")
		require.NoError(t, err)

		w := doJSON(t, srv.setupHandler(), "POST", "/api/refresh", map[string]string{"id": "a"})
		require.Equal(t, http.StatusOK, w.Code)

		var resp refreshResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Accounts, 1)
		assert.Equal(t, "failed", string(resp.Accounts[0].State))
		assert.NotEmpty(t, resp.Accounts[0].LastError)
		require.NotNil(t, resp.Accounts[0].Record)
		assert.Equal(t, 3.0, resp.Accounts[0].Record.Balance)
	})
}
