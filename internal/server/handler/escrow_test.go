package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuselabs/crossfill/internal/domain"
)

var testEngine = common.HexToAddress("0x00000000000000000000000000000000000000ee")

// fakeFactory records the CreateDst call and replies with a canned result.
type fakeFactory struct {
	caller          common.Address
	imm             domain.Immutables
	srcCancellation time.Time
	err             error
}

func (f *fakeFactory) CreateDst(_ context.Context, caller common.Address, imm domain.Immutables, srcCancellation time.Time) (domain.Immutables, error) {
	f.caller = caller
	f.imm = imm
	f.srcCancellation = srcCancellation
	if f.err != nil {
		return domain.Immutables{}, f.err
	}
	imm.Timelocks = imm.Timelocks.WithDeployedAt(srcCancellation.Add(-time.Hour))
	return imm, nil
}

func newEscrowTestHandler(factory *fakeFactory) *EscrowHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewEscrowHandler(nil, logger)
	if factory != nil {
		h.WithFactory(factory, testEngine)
	}
	return h
}

func dstRequestBody(t *testing.T, srcCancellation uint64) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(createDstRequest{
		Immutables: immutablesPayload{
			OrderHash:     common.HexToHash("0x01").Hex(),
			Hashlock:      common.HexToHash("0x02").Hex(),
			Maker:         common.HexToAddress("0xa1").Hex(),
			Taker:         common.HexToAddress("0xa2").Hex(),
			Asset:         common.HexToAddress("0xa3").Hex(),
			Amount:        "1000",
			SafetyDeposit: "10",
			Timelocks: timelocksPayload{
				SrcWithdrawal:         10,
				SrcPublicWithdrawal:   20,
				SrcCancellation:       30,
				SrcPublicCancellation: 40,
				DstWithdrawal:         5,
				DstPublicWithdrawal:   15,
				DstCancellation:       25,
			},
		},
		SrcCancellation: srcCancellation,
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestCreateDstEscrow(t *testing.T) {
	factory := &fakeFactory{}
	h := newEscrowTestHandler(factory)

	srcCancellation := uint64(1_700_000_000)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows/dst", dstRequestBody(t, srcCancellation))
	rec := httptest.NewRecorder()
	h.CreateDst(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	// The factory is invoked under the engine identity, never a
	// caller-supplied address.
	assert.Equal(t, testEngine, factory.caller)
	assert.Equal(t, time.Unix(int64(srcCancellation), 0), factory.srcCancellation)
	assert.Equal(t, "1000", factory.imm.Amount.String())

	var resp struct {
		Immutables immutablesPayload `json:"immutables"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, common.HexToHash("0x01").Hex(), resp.Immutables.OrderHash)
	assert.NotZero(t, resp.Immutables.Timelocks.DeployedAt)
}

func TestCreateDstEscrowFactoryErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid immutables", domain.ErrInvalidImmutables, http.StatusBadRequest},
		{"invalid amounts", domain.ErrInvalidAmounts, http.StatusBadRequest},
		{"wrong caller", domain.ErrInvalidCaller, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newEscrowTestHandler(&fakeFactory{err: tc.err})
			req := httptest.NewRequest(http.MethodPost, "/api/escrows/dst", dstRequestBody(t, 1_700_000_000))
			rec := httptest.NewRecorder()
			h.CreateDst(rec, req)
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestCreateDstEscrowBadRequests(t *testing.T) {
	h := newEscrowTestHandler(&fakeFactory{})

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/dst", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	h.CreateDst(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/escrows/dst", dstRequestBody(t, 0))
	rec = httptest.NewRecorder()
	h.CreateDst(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDstEscrowDisabled(t *testing.T) {
	h := newEscrowTestHandler(nil)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows/dst", dstRequestBody(t, 1_700_000_000))
	rec := httptest.NewRecorder()
	h.CreateDst(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
