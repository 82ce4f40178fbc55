package rpc

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"escrowd/core/events"
	"escrowd/native/escrow"
	"escrowd/state"
	"escrowd/storage"
)

const testAuthToken = "test-token"

var (
	testDepositor   = [20]byte{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
	testBeneficiary = [20]byte{0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22, 0x22}
	testArbiter     = [20]byte{0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33, 0x33}
)

const (
	testDepositorHex   = "0x1111111111111111111111111111111111111111"
	testBeneficiaryHex = "0x2222222222222222222222222222222222222222"
	testArbiterHex     = "0x3333333333333333333333333333333333333333"
)

type testEnv struct {
	server *Server
	engine *escrow.Engine
	feed   *events.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storage.NewMemDB()
	manager := state.NewManager(db)
	custody := state.NewCustodyLedger(db, nil)
	if err := custody.Credit(testDepositor, "USDC", big.NewInt(1_000_000)); err != nil {
		t.Fatalf("seed depositor: %v", err)
	}
	feed := events.NewRecorder(0)
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetCustody(custody)
	engine.SetEmitter(feed)
	server := NewServer(engine, testAuthToken)
	server.SetEventFeed(feed)
	return &testEnv{server: server, engine: engine, feed: feed}
}

func (env *testEnv) newRequest() *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	return req
}

func (env *testEnv) createEscrow(t *testing.T, amounts ...int64) uint64 {
	t.Helper()
	milestones := make([]*escrow.Milestone, 0, len(amounts))
	for _, amount := range amounts {
		milestones = append(milestones, &escrow.Milestone{Description: "work", Amount: big.NewInt(amount)})
	}
	esc, err := env.engine.Create(escrow.CreateParams{
		Depositor:   testDepositor,
		Beneficiary: testBeneficiary,
		Unit:        "USDC",
		Milestones:  milestones,
		Arbiters:    [][20]byte{testArbiter},
		Deadline:    time.Now().Add(30 * 24 * time.Hour).Unix(),
		Nonce:       1,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return esc.ID
}

func marshalParam(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func decodeRPCResponse(t *testing.T, recorder *httptest.ResponseRecorder) (json.RawMessage, *RPCError) {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, recorder.Body.String())
	}
	return resp.Result, resp.Error
}
