package transfer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/transfer"
)

// =============================================================================
// MEMORY BOOK
// =============================================================================

func TestMemory_PullAndPush(t *testing.T) {
	ctx := context.Background()
	book := transfer.NewMemory()
	book.Fund("bob", "USDC", escrow.NewAmount(1000))

	require.NoError(t, book.Pull(ctx, transfer.Request{Reference: "op1/pull", Party: "bob", Asset: "USDC", Amount: escrow.NewAmount(600)}))
	require.NoError(t, book.Push(ctx, transfer.Request{Reference: "op2/payout", Party: "alice", Asset: "USDC", Amount: escrow.NewAmount(250)}))

	assert.True(t, book.Balance("bob", "USDC").Equal(escrow.NewAmount(400)))
	assert.True(t, book.Balance("alice", "USDC").Equal(escrow.NewAmount(250)))
	assert.True(t, book.Balance(transfer.EscrowAccount, "USDC").Equal(escrow.NewAmount(350)))
}

func TestMemory_RepeatedReferenceMovesOnce(t *testing.T) {
	ctx := context.Background()
	book := transfer.NewMemory()
	book.Fund("bob", "USDC", escrow.NewAmount(1000))
	req := transfer.Request{Reference: "op1/pull", Party: "bob", Asset: "USDC", Amount: escrow.NewAmount(600)}

	require.NoError(t, book.Pull(ctx, req))
	require.NoError(t, book.Pull(ctx, req))

	assert.True(t, book.Balance("bob", "USDC").Equal(escrow.NewAmount(400)))
	assert.Len(t, book.Movements(), 1)
}

func TestMemory_ReferenceReusedForDifferentMovement(t *testing.T) {
	ctx := context.Background()
	book := transfer.NewMemory()
	book.Fund(transfer.EscrowAccount, "USDC", escrow.NewAmount(1000))
	req := transfer.Request{Reference: "op1/payout", Party: "alice", Asset: "USDC", Amount: escrow.NewAmount(600)}
	require.NoError(t, book.Push(ctx, req))

	changed := req
	changed.Amount = escrow.NewAmount(500)
	assert.ErrorIs(t, book.Push(ctx, changed), transfer.ErrRejected)

	redirected := req
	redirected.Party = "mallory"
	assert.ErrorIs(t, book.Push(ctx, redirected), transfer.ErrRejected)

	assert.NoError(t, book.Push(ctx, req), "the identical movement is still a no-op")
	assert.True(t, book.Balance("alice", "USDC").Equal(escrow.NewAmount(600)))
	assert.True(t, book.Balance(transfer.EscrowAccount, "USDC").Equal(escrow.NewAmount(400)))
	assert.Len(t, book.Movements(), 1)
}

func TestMemory_InsufficientFunds(t *testing.T) {
	book := transfer.NewMemory()
	err := book.Pull(context.Background(), transfer.Request{Reference: "r", Party: "bob", Asset: "USDC", Amount: escrow.NewAmount(1)})
	assert.ErrorIs(t, err, transfer.ErrInsufficientFunds)

	// The escrow account never overdraws, even with overdraft enabled.
	book = transfer.NewMemory(transfer.WithOverdraft())
	require.NoError(t, book.Pull(context.Background(), transfer.Request{Reference: "p", Party: "bob", Asset: "USDC", Amount: escrow.NewAmount(5)}))
	err = book.Push(context.Background(), transfer.Request{Reference: "q", Party: "bob", Asset: "USDC", Amount: escrow.NewAmount(6)})
	assert.ErrorIs(t, err, transfer.ErrInsufficientFunds)
}

func TestMemory_FailureInjection(t *testing.T) {
	ctx := context.Background()
	book := transfer.NewMemory(transfer.WithOverdraft())
	book.Fail(transfer.DirPull, "bob", nil)

	err := book.Pull(ctx, transfer.Request{Reference: "r1", Party: "bob", Asset: "USDC", Amount: escrow.NewAmount(1)})
	assert.ErrorIs(t, err, transfer.ErrRejected)
	assert.Empty(t, book.Movements())

	// Other parties are unaffected
	require.NoError(t, book.Pull(ctx, transfer.Request{Reference: "r2", Party: "carol", Asset: "USDC", Amount: escrow.NewAmount(1)}))

	book.Heal()
	require.NoError(t, book.Pull(ctx, transfer.Request{Reference: "r1", Party: "bob", Asset: "USDC", Amount: escrow.NewAmount(1)}))
}

// =============================================================================
// HTTP GATEWAY
// =============================================================================

func TestNewHTTPGateway(t *testing.T) {
	tests := []struct {
		name         string
		options      []transfer.GatewayOption
		errorMessage string
	}{
		{name: "missing API key", options: []transfer.GatewayOption{transfer.WithBaseURL("http://x")}, errorMessage: "missing gateway API key"},
		{name: "missing base URL", options: []transfer.GatewayOption{transfer.WithAPIKey("k")}, errorMessage: "missing gateway base URL"},
		{name: "valid", options: []transfer.GatewayOption{transfer.WithAPIKey("k"), transfer.WithBaseURL("http://x")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, err := transfer.NewHTTPGateway(tt.options...)
			if tt.errorMessage != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMessage)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, gw)
		})
	}
}

func TestHTTPGateway_SendsIdempotentRequest(t *testing.T) {
	var got struct {
		Reference string `json:"reference"`
		Party     string `json:"party"`
		Asset     string `json:"asset"`
		Amount    string `json:"amount"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transfers/push", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "op-9/payout", r.Header.Get("Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	gw, err := transfer.NewHTTPGateway(transfer.WithAPIKey("secret"), transfer.WithBaseURL(server.URL))
	require.NoError(t, err)

	err = gw.Push(context.Background(), transfer.Request{Reference: "op-9/payout", Party: "alice", Asset: "USDC", Amount: escrow.NewAmount(931)})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Party)
	assert.Equal(t, "931", got.Amount)
}

func TestHTTPGateway_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer server.Close()

	gw, err := transfer.NewHTTPGateway(
		transfer.WithAPIKey("k"),
		transfer.WithBaseURL(server.URL),
		transfer.WithRetry(5, time.Millisecond),
	)
	require.NoError(t, err)

	err = gw.Pull(context.Background(), transfer.Request{Reference: "r", Party: "bob", Asset: "USDC", Amount: escrow.NewAmount(1)})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPGateway_DoesNotRetryRejections(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "insufficient_funds", "message": "balance too low"})
	}))
	defer server.Close()

	gw, err := transfer.NewHTTPGateway(
		transfer.WithAPIKey("k"),
		transfer.WithBaseURL(server.URL),
		transfer.WithRetry(5, time.Millisecond),
	)
	require.NoError(t, err)

	err = gw.Pull(context.Background(), transfer.Request{Reference: "r", Party: "bob", Asset: "USDC", Amount: escrow.NewAmount(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrInsufficientFunds)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPGateway_GivesUpAfterMaxTries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	gw, err := transfer.NewHTTPGateway(
		transfer.WithAPIKey("k"),
		transfer.WithBaseURL(server.URL),
		transfer.WithRetry(3, time.Millisecond),
	)
	require.NoError(t, err)

	err = gw.Push(context.Background(), transfer.Request{Reference: "r", Party: "bob", Asset: "USDC", Amount: escrow.NewAmount(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Equal(t, int32(3), calls.Load())
}
