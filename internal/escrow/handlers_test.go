package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/weddinglk/payments-service/internal/payments"
)

func setupTestRouter() (*gin.Engine, *Service, *MemoryStore, *payments.FakeGateway) {
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	gw := payments.NewFakeGateway()
	svc := NewService(store, gw)
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)

	return r, svc, store, gw
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type entryResponse struct {
	Entry Entry `json:"entry"`
}

func decodeEntry(t *testing.T, w *httptest.ResponseRecorder) Entry {
	t.Helper()
	var resp entryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return resp.Entry
}

func TestHandler_CreateAndGet(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	w := doJSON(t, router, "POST", "/v1/escrow", baseCreateRequest())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decodeEntry(t, w)
	if created.Status != StatusPending {
		t.Errorf("expected status pending, got %s", created.Status)
	}
	if created.PlatformFee != 12500 {
		t.Errorf("expected fee 12500, got %d", created.PlatformFee)
	}

	w = doJSON(t, router, "GET", "/v1/escrow/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := decodeEntry(t, w)
	if got.ID != created.ID {
		t.Errorf("expected %s, got %s", created.ID, got.ID)
	}
}

func TestHandler_Create_Validation(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	t.Run("missing required fields", func(t *testing.T) {
		req := baseCreateRequest()
		req.BookingID = ""
		w := doJSON(t, router, "POST", "/v1/escrow", req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("bad currency", func(t *testing.T) {
		req := baseCreateRequest()
		req.Currency = "rupees"
		w := doJSON(t, router, "POST", "/v1/escrow", req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/v1/escrow", bytes.NewBufferString("{not json"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})
}

func TestHandler_Create_DuplicateReference(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	if w := doJSON(t, router, "POST", "/v1/escrow", baseCreateRequest()); w.Code != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d", w.Code)
	}
	w := doJSON(t, router, "POST", "/v1/escrow", baseCreateRequest())
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_GetEntry_NotFound(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	w := doJSON(t, router, "GET", "/v1/escrow/esc_missing01", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandler_FullLifecycle(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	w := doJSON(t, router, "POST", "/v1/escrow", baseCreateRequest())
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", w.Code)
	}
	e := decodeEntry(t, w)

	w = doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/capture", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("capture: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if held := decodeEntry(t, w); held.Status != StatusHeld {
		t.Errorf("expected status held, got %s", held.Status)
	}

	w = doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/release", gin.H{
		"initiatedBy": "usr_couple01",
		"amount":      e.NetAmount,
		"reason":      "service delivered",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	released := decodeEntry(t, w)
	if released.Status != StatusReleased {
		t.Errorf("expected status released, got %s", released.Status)
	}
	if released.TransferRef == "" {
		t.Error("expected transfer reference")
	}
}

func TestHandler_Refund(t *testing.T) {
	router, svc, _, _ := setupTestRouter()
	e := createHeld(t, svc, nil)

	w := doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/refund", gin.H{
		"initiatedBy": "usr_couple01",
		"amount":      e.Amount,
		"reason":      "event cancelled",
		"method":      "gateway",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if refunded := decodeEntry(t, w); refunded.Status != StatusRefunded {
		t.Errorf("expected status refunded, got %s", refunded.Status)
	}
}

func TestHandler_ConfirmRelease(t *testing.T) {
	router, svc, _, _ := setupTestRouter()
	e := createHeld(t, svc, func(r *CreateRequest) {
		r.Mode = ModeManual
		r.RequiresConfirmation = true
	})

	w := doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/release", gin.H{
		"initiatedBy": "usr_vendor01",
		"amount":      e.NetAmount,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/release/confirm", gin.H{"party": "payer"})
	if w.Code != http.StatusOK {
		t.Fatalf("first confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if one := decodeEntry(t, w); one.Status != StatusHeld {
		t.Errorf("expected status held after one confirmation, got %s", one.Status)
	}

	w = doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/release/confirm", gin.H{"party": "payee"})
	if w.Code != http.StatusOK {
		t.Fatalf("second confirm: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if released := decodeEntry(t, w); released.Status != StatusReleased {
		t.Errorf("expected status released, got %s", released.Status)
	}
}

func TestHandler_Cancel(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	w := doJSON(t, router, "POST", "/v1/escrow", baseCreateRequest())
	e := decodeEntry(t, w)

	w = doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/cancel", gin.H{"reason": "booking withdrawn"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if cancelled := decodeEntry(t, w); cancelled.Status != StatusCancelled {
		t.Errorf("expected status cancelled, got %s", cancelled.Status)
	}
}

func TestHandler_InvalidTransition_Conflict(t *testing.T) {
	router, svc, _, _ := setupTestRouter()
	e := createHeld(t, svc, nil)

	// A held entry cannot be cancelled.
	w := doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/cancel", gin.H{})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_DisputeFlow(t *testing.T) {
	router, svc, _, _ := setupTestRouter()
	e := createHeld(t, svc, nil)

	w := doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/dispute/open", gin.H{
		"disputeId":      "dsp_handler01",
		"disputedAmount": 100000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("open: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if disputed := decodeEntry(t, w); disputed.Status != StatusDisputed {
		t.Errorf("expected status disputed, got %s", disputed.Status)
	}

	// Money movement is frozen while the dispute is open.
	w = doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/release", gin.H{
		"initiatedBy": "usr_vendor01",
		"amount":      e.NetAmount,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("release under dispute: expected 409, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/dispute/resolve", gin.H{
		"disputeId": "dsp_handler01",
		"outcome":   "refund",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if resolved := decodeEntry(t, w); resolved.Status != StatusRefunded {
		t.Errorf("expected status refunded, got %s", resolved.Status)
	}
}

func TestHandler_Dispute_BadOutcome(t *testing.T) {
	router, svc, _, _ := setupTestRouter()
	e := createHeld(t, svc, nil)

	w := doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/dispute/resolve", gin.H{
		"disputeId": "dsp_handler01",
		"outcome":   "split_baby",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_GatewayErrors(t *testing.T) {
	t.Run("transient maps to 502", func(t *testing.T) {
		router, svc, _, gw := setupTestRouter()
		e := createHeld(t, svc, nil)
		gw.Err = errors.New("connection reset")

		w := doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/release", gin.H{
			"initiatedBy": "usr_couple01",
			"amount":      e.NetAmount,
		})
		if w.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
		}
	})

	t.Run("permanent maps to 422", func(t *testing.T) {
		router, svc, _, gw := setupTestRouter()
		e := createHeld(t, svc, nil)
		gw.Err = &payments.GatewayError{
			Kind: payments.Permanent,
			Op:   "transfer",
			Err:  errors.New("no such destination account"),
		}

		w := doJSON(t, router, "POST", "/v1/escrow/"+e.ID+"/release", gin.H{
			"initiatedBy": "usr_couple01",
			"amount":      e.NetAmount,
		})
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
		}
	})
}

func TestHandler_ListByParty_Pagination(t *testing.T) {
	router, _, store, _ := setupTestRouter()
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := store.Create(ctx, storedEntry(i)); err != nil {
			t.Fatalf("Create %d failed: %v", i, err)
		}
	}

	type listResponse struct {
		Entries    []Entry `json:"entries"`
		Count      int     `json:"count"`
		NextCursor string  `json:"nextCursor"`
		HasMore    bool    `json:"hasMore"`
	}

	w := doJSON(t, router, "GET", "/v1/parties/usr_couple01/escrows?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var page1 listResponse
	if err := json.Unmarshal(w.Body.Bytes(), &page1); err != nil {
		t.Fatalf("decode page 1: %v", err)
	}
	if page1.Count != 2 || !page1.HasMore || page1.NextCursor == "" {
		t.Fatalf("unexpected first page: %+v", page1)
	}

	w = doJSON(t, router, "GET",
		fmt.Sprintf("/v1/parties/usr_couple01/escrows?limit=10&cursor=%s", page1.NextCursor), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var page2 listResponse
	if err := json.Unmarshal(w.Body.Bytes(), &page2); err != nil {
		t.Fatalf("decode page 2: %v", err)
	}
	if page2.Count != 3 || page2.HasMore {
		t.Fatalf("unexpected second page: %+v", page2)
	}

	seen := make(map[string]bool)
	for _, e := range append(page1.Entries, page2.Entries...) {
		if seen[e.ID] {
			t.Errorf("entry %s returned twice", e.ID)
		}
		seen[e.ID] = true
	}
	if len(seen) != 5 {
		t.Errorf("expected all 5 entries across pages, got %d", len(seen))
	}
}

func TestHandler_ListByParty_Empty(t *testing.T) {
	router, _, _, _ := setupTestRouter()

	w := doJSON(t, router, "GET", "/v1/parties/usr_stranger1/escrows", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Count   int  `json:"count"`
		HasMore bool `json:"hasMore"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 0 || resp.HasMore {
		t.Errorf("expected empty page, got %+v", resp)
	}
}
