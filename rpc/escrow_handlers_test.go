package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"nhbescrow/indexer"
	"nhbescrow/native/escrow"
)

func bigInt(v int64) *big.Int { return big.NewInt(v) }

func createDeal(t *testing.T, handler http.Handler, payer, payee byte, amount string, deadline uint64) string {
	t.Helper()
	rec, resp := call(t, handler, "escrow_create", escrowCreateParams{
		Payer:    partyText(payer),
		Payee:    partyText(payee),
		Amount:   amount,
		Deadline: deadline,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Nil(t, resp.Error)
	var result escrowCreateResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.ID, 64)
	return result.ID
}

func requireRPCError(t *testing.T, rec *httptest.ResponseRecorder, resp testResponse, status, code int, message string) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	require.NotNil(t, resp.Error)
	require.Equal(t, code, resp.Error.Code)
	if message != "" {
		require.Equal(t, message, resp.Error.Message)
	}
}

func TestEscrowCreateFundGetLifecycle(t *testing.T) {
	n := newTestNode(t, Config{})
	handler := n.server.Handler()
	amount := "10000000000000000"
	deadline := uint64(n.now + 300)

	id := createDeal(t, handler, 1, 2, amount, deadline)

	_, resp := call(t, handler, "escrow_get", escrowIDParams{ID: id}, nil)
	require.Nil(t, resp.Error)
	var created escrowJSON
	require.NoError(t, json.Unmarshal(resp.Result, &created))
	require.Equal(t, id, created.ID)
	require.Equal(t, partyText(1), created.Payer)
	require.Equal(t, partyText(2), created.Payee)
	require.Equal(t, amount, created.Amount)
	require.Equal(t, deadline, created.Deadline)
	require.Equal(t, n.now, created.CreatedAt)
	require.Equal(t, "created", created.Status)

	_, resp = call(t, handler, "escrow_fund", escrowFundParams{ID: "0x" + id, Caller: partyText(1), Value: amount}, nil)
	require.Nil(t, resp.Error)
	var funded escrowFundResult
	require.NoError(t, json.Unmarshal(resp.Result, &funded))
	require.Equal(t, id, funded.ID)
	require.Equal(t, "funded", funded.Status)

	_, resp = call(t, handler, "escrow_get", escrowIDParams{ID: id}, nil)
	require.Nil(t, resp.Error)
	var after escrowJSON
	require.NoError(t, json.Unmarshal(resp.Result, &after))
	require.Equal(t, "funded", after.Status)
	require.Equal(t, amount, after.Amount)

	_, resp = call(t, handler, "escrow_custody", nil, nil)
	require.Nil(t, resp.Error)
	var custody escrowCustodyResult
	require.NoError(t, json.Unmarshal(resp.Result, &custody))
	require.Equal(t, amount, custody.Custody)

	rec, resp := call(t, handler, "escrow_fund", escrowFundParams{ID: id, Caller: partyText(1), Value: amount}, nil)
	requireRPCError(t, rec, resp, http.StatusConflict, codeEscrowConflict, "invalid_state")
}

func TestEscrowCreateErrors(t *testing.T) {
	n := newTestNode(t, Config{})
	handler := n.server.Handler()
	zero := "0x0000000000000000000000000000000000000000"

	cases := []struct {
		name   string
		params interface{}
	}{
		{name: "missing params", params: nil},
		{name: "zero payer", params: escrowCreateParams{Payer: zero, Payee: partyText(2), Amount: "1"}},
		{name: "zero payee", params: escrowCreateParams{Payer: partyText(1), Payee: zero, Amount: "1"}},
		{name: "zero amount", params: escrowCreateParams{Payer: partyText(1), Payee: partyText(2), Amount: "0"}},
		{name: "negative amount", params: escrowCreateParams{Payer: partyText(1), Payee: partyText(2), Amount: "-5"}},
		{name: "malformed amount", params: escrowCreateParams{Payer: partyText(1), Payee: partyText(2), Amount: "1e9"}},
		{name: "bad payer", params: escrowCreateParams{Payer: "nhb1notanaddress", Payee: partyText(2), Amount: "1"}},
		{name: "missing payee", params: escrowCreateParams{Payer: partyText(1), Amount: "1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := call(t, handler, "escrow_create", tc.params, nil)
			requireRPCError(t, rec, resp, http.StatusBadRequest, codeEscrowInvalidParams, "invalid_params")
		})
	}

	head, err := n.manager.EscrowEventHead()
	require.NoError(t, err)
	require.Zero(t, head)
}

func TestEscrowCreateConflictWithinSameSecond(t *testing.T) {
	n := newTestNode(t, Config{})
	handler := n.server.Handler()

	createDeal(t, handler, 1, 2, "100", 0)
	rec, resp := call(t, handler, "escrow_create", escrowCreateParams{
		Payer: partyText(1), Payee: partyText(2), Amount: "100",
	}, nil)
	requireRPCError(t, rec, resp, http.StatusConflict, codeEscrowConflict, "conflict")

	n.now++
	createDeal(t, handler, 1, 2, "100", 0)
}

func TestEscrowFundErrors(t *testing.T) {
	n := newTestNode(t, Config{})
	handler := n.server.Handler()
	id := createDeal(t, handler, 1, 2, "100", 0)
	unknown := escrow.FormatID([32]byte{0xAB})

	cases := []struct {
		name    string
		params  escrowFundParams
		status  int
		code    int
		message string
	}{
		{name: "malformed id", params: escrowFundParams{ID: "zz", Caller: partyText(1), Value: "100"}, status: http.StatusBadRequest, code: codeEscrowInvalidParams, message: "invalid_params"},
		{name: "unknown deal", params: escrowFundParams{ID: unknown, Caller: partyText(1), Value: "100"}, status: http.StatusConflict, code: codeEscrowConflict, message: "invalid_state"},
		{name: "wrong caller", params: escrowFundParams{ID: id, Caller: partyText(2), Value: "100"}, status: http.StatusForbidden, code: codeEscrowForbidden, message: "forbidden"},
		{name: "wrong caller wrong value", params: escrowFundParams{ID: id, Caller: partyText(3), Value: "1"}, status: http.StatusForbidden, code: codeEscrowForbidden, message: "forbidden"},
		{name: "under value", params: escrowFundParams{ID: id, Caller: partyText(1), Value: "99"}, status: http.StatusBadRequest, code: codeEscrowValueMismatch, message: "value_mismatch"},
		{name: "over value", params: escrowFundParams{ID: id, Caller: partyText(1), Value: "101"}, status: http.StatusBadRequest, code: codeEscrowValueMismatch, message: "value_mismatch"},
		{name: "no value", params: escrowFundParams{ID: id, Caller: partyText(1)}, status: http.StatusBadRequest, code: codeEscrowValueMismatch, message: "value_mismatch"},
		{name: "malformed value", params: escrowFundParams{ID: id, Caller: partyText(1), Value: "abc"}, status: http.StatusBadRequest, code: codeEscrowInvalidParams, message: "invalid_params"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := call(t, handler, "escrow_fund", tc.params, nil)
			requireRPCError(t, rec, resp, tc.status, tc.code, tc.message)
		})
	}

	custody, err := n.engine.Custody()
	require.NoError(t, err)
	require.Zero(t, custody.Sign())
	deal, err := n.engine.Get(mustParseID(t, id))
	require.NoError(t, err)
	require.Equal(t, escrow.StatusCreated, deal.Status)
}

func TestEscrowGetUnknownReturnsNotFound(t *testing.T) {
	n := newTestNode(t, Config{})
	rec, resp := call(t, n.server.Handler(), "escrow_get", escrowIDParams{ID: escrow.FormatID([32]byte{1})}, nil)
	requireRPCError(t, rec, resp, http.StatusNotFound, codeEscrowNotFound, "not_found")
}

func TestEscrowCustodyRejectsParams(t *testing.T) {
	n := newTestNode(t, Config{})
	rec, resp := call(t, n.server.Handler(), "escrow_custody", map[string]string{"x": "y"}, nil)
	requireRPCError(t, rec, resp, http.StatusBadRequest, codeEscrowInvalidParams, "invalid_params")
}

func TestEscrowFundRequiresMatchingToken(t *testing.T) {
	const secret = "test-secret"
	n := newTestNode(t, Config{AuthSecret: secret})
	handler := n.server.Handler()
	id := createDeal(t, handler, 1, 2, "100", 0)
	params := escrowFundParams{ID: id, Caller: partyText(1), Value: "100"}

	rec, resp := call(t, handler, "escrow_fund", params, nil)
	requireRPCError(t, rec, resp, http.StatusUnauthorized, codeUnauthorized, "unauthenticated")

	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	rec, resp = call(t, handler, "escrow_fund", params, header)
	requireRPCError(t, rec, resp, http.StatusUnauthorized, codeUnauthorized, "unauthenticated")

	other, err := NewCallerToken(secret, party(2), time.Minute)
	require.NoError(t, err)
	header.Set("Authorization", "Bearer "+other)
	rec, resp = call(t, handler, "escrow_fund", params, header)
	requireRPCError(t, rec, resp, http.StatusUnauthorized, codeUnauthorized, "unauthenticated")

	forged, err := NewCallerToken("another-secret", party(1), time.Minute)
	require.NoError(t, err)
	header.Set("Authorization", "Bearer "+forged)
	rec, resp = call(t, handler, "escrow_fund", params, header)
	requireRPCError(t, rec, resp, http.StatusUnauthorized, codeUnauthorized, "unauthenticated")

	token, err := NewCallerToken(secret, party(1), time.Minute)
	require.NoError(t, err)
	header.Set("Authorization", "Bearer "+token)
	rec, resp = call(t, handler, "escrow_fund", params, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Nil(t, resp.Error)
}

func TestNewCallerTokenRequiresSecret(t *testing.T) {
	_, err := NewCallerToken("  ", party(1), time.Minute)
	require.Error(t, err)
}

func TestEscrowListEvents(t *testing.T) {
	n := newTestNode(t, Config{})
	handler := n.server.Handler()
	id := createDeal(t, handler, 1, 2, "100", 0)
	_, resp := call(t, handler, "escrow_fund", escrowFundParams{ID: id, Caller: partyText(1), Value: "100"}, nil)
	require.Nil(t, resp.Error)

	_, resp = call(t, handler, "escrow_listEvents", nil, nil)
	require.Nil(t, resp.Error)
	var all escrowEventsResult
	require.NoError(t, json.Unmarshal(resp.Result, &all))
	require.Equal(t, uint64(2), all.Head)
	require.Len(t, all.Events, 2)
	require.Equal(t, escrow.EventTypeEscrowCreated, all.Events[0].Type)
	require.Equal(t, uint64(1), all.Events[0].Sequence)
	require.Equal(t, escrow.EventTypeFundsDeposited, all.Events[1].Type)
	require.Equal(t, id, all.Events[1].Attributes["id"])

	_, resp = call(t, handler, "escrow_listEvents", escrowListEventsParams{From: 2, Limit: 10}, nil)
	require.Nil(t, resp.Error)
	var tail escrowEventsResult
	require.NoError(t, json.Unmarshal(resp.Result, &tail))
	require.Len(t, tail.Events, 1)
	require.Equal(t, uint64(2), tail.Events[0].Sequence)

	rec, resp := call(t, handler, "escrow_listEvents", escrowListEventsParams{Limit: 5000}, nil)
	requireRPCError(t, rec, resp, http.StatusBadRequest, codeEscrowInvalidParams, "invalid_params")
}

func TestEscrowListByParty(t *testing.T) {
	n := newTestNode(t, Config{})
	handler := n.server.Handler()

	rec, resp := call(t, handler, "escrow_listByParty", escrowPartyParams{Party: partyText(1)}, nil)
	requireRPCError(t, rec, resp, http.StatusServiceUnavailable, codeServerError, "")

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	ix, err := indexer.New(db, nil)
	require.NoError(t, err)
	n.server.SetIndex(ix)

	id := createDeal(t, handler, 1, 2, "100", 0)
	createDeal(t, handler, 3, 4, "7", 0)
	_, err = ix.Sync(context.Background(), n.manager)
	require.NoError(t, err)

	_, resp = call(t, handler, "escrow_listByParty", escrowPartyParams{Party: partyText(2)}, nil)
	require.Nil(t, resp.Error)
	var result escrowPartyResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	require.Len(t, result.Deals, 1)
	require.Equal(t, id, result.Deals[0].ID)
	require.Equal(t, "100", result.Deals[0].Amount)
	require.Equal(t, indexer.StatusCreated, result.Deals[0].Status)

	rec, resp = call(t, handler, "escrow_listByParty", escrowPartyParams{Party: "bogus"}, nil)
	requireRPCError(t, rec, resp, http.StatusBadRequest, codeEscrowInvalidParams, "invalid_params")
}

func mustParseID(t *testing.T, text string) [32]byte {
	t.Helper()
	id, err := escrow.ParseID(text)
	require.NoError(t, err)
	return id
}
