package ledgerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPBearerInjection(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(Balance{Available: "100.00", Frozen: "0.00"})
	}))
	defer srv.Close()

	holder := &tokenHolder{}
	holder.set("tok_abc")
	c := NewHTTP(srv.URL, holder)

	bal, err := c.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok_abc", gotAuth)
	assert.Equal(t, "100.00", bal.Available)
}

func TestHTTPEmptyTokenShortCircuits(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, &tokenHolder{})
	_, err := c.Balance(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 0, hits, "no request should leave the client without a credential")
}

func TestHTTPUnauthorizedFiresHookOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	holder := &tokenHolder{}
	holder.set("tok_stale")
	var fired int
	c := NewHTTP(srv.URL, holder, WithOnUnauthenticated(func() { fired++ }))

	_, err := c.Balance(context.Background())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Equal(t, 1, fired)
}

func TestHTTPNonceLowercasesAddress(t *testing.T) {
	var gotAddress string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAddress = r.URL.Query().Get("address")
		json.NewEncoder(w).Encode(NonceChallenge{Address: gotAddress, Nonce: "abcd1234"})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, &tokenHolder{})
	ch, err := c.Nonce(context.Background(), "0xAbCdEf0123456789AbCdEf0123456789AbCdEf01")
	require.NoError(t, err)
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", gotAddress)
	assert.Equal(t, "abcd1234", ch.Nonce)
}

func TestHTTPVerify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "hello", in["message"])
		json.NewEncoder(w).Encode(map[string]string{"token": "tok_new"})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, &tokenHolder{})
	tok, err := c.Verify(context.Background(), "hello", "0xsig")
	require.NoError(t, err)
	assert.Equal(t, "tok_new", tok)
}

func TestHTTPVerifyEmptyTokenResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, &tokenHolder{})
	_, err := c.Verify(context.Background(), "hello", "0xsig")
	assert.ErrorIs(t, err, ErrVerifyFailed)
}

func TestHTTPErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"message": "amount too small"})
	}))
	defer srv.Close()

	holder := &tokenHolder{}
	holder.set("tok_abc")
	c := NewHTTP(srv.URL, holder)

	_, err := c.Withdraw(context.Background(), "0.000001")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount too small")
}

func TestHTTPWithdrawalsDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wallet/withdrawals", r.URL.Path)
		json.NewEncoder(w).Encode([]*Withdrawal{
			{ID: "wd_2", Amount: "10", Status: WithdrawalRequested},
			{ID: "wd_1", Amount: "40", Status: WithdrawalConfirmed, TxHash: "0xpayout"},
		})
	}))
	defer srv.Close()

	holder := &tokenHolder{}
	holder.set("tok_abc")
	c := NewHTTP(srv.URL, holder)

	ws, err := c.Withdrawals(context.Background())
	require.NoError(t, err)
	require.Len(t, ws, 2)
	assert.Equal(t, "wd_2", ws[0].ID)
	assert.Equal(t, WithdrawalConfirmed, ws[1].Status)
	assert.Equal(t, "0xpayout", ws[1].TxHash)
}
