package inventory

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	t.Helper()
	f := newFixture()
	return NewHandler(f.svc), f, echo.New()
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHandler_CreateRecord(t *testing.T) {
	h, f, e := newTestHandler(t)
	medID := f.medication("Paracetamol")

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"medication_id":"`+medID.String()+`","quantity":40,"unit_price":"2.50"}`), rec)
	if err := h.CreateRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got Record
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Quantity != 40 || got.UnitPrice.String() != "2.5" {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestHandler_AdjustStock(t *testing.T) {
	h, f, e := newTestHandler(t)
	stocked := f.stock(t, "Paracetamol", 5)

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPatch, `{"quantity_change":-2}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(stocked.ID.String())
	if err := h.AdjustStock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Record
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Quantity != 3 {
		t.Errorf("expected 3, got %d", got.Quantity)
	}
}

func TestHandler_AdjustStock_Errors(t *testing.T) {
	h, f, e := newTestHandler(t)
	stocked := f.stock(t, "Paracetamol", 5)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"missing change", `{}`, http.StatusBadRequest},
		{"would go negative", `{"quantity_change":-6}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(jsonRequest(http.MethodPatch, tt.body), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(stocked.ID.String())
			expectHTTPError(t, h.AdjustStock(c), tt.code)
		})
	}
}

func TestHandler_LowStock(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.stock(t, "A", 2)
	f.stock(t, "B", 50)

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/inventory/low-stock?threshold=5", nil), rec)
	if err := h.LowStock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data []Record `json:"data"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Data) != 1 || resp.Data[0].Quantity != 2 {
		t.Errorf("unexpected low stock response %s", rec.Body.String())
	}
}

func TestHandler_DeleteRecord_Conflict(t *testing.T) {
	h, f, e := newTestHandler(t)
	stocked := f.stock(t, "Paracetamol", 5)

	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(stocked.ID.String())
	expectHTTPError(t, h.DeleteRecord(c), http.StatusConflict)
}

func TestHandler_Restock(t *testing.T) {
	h, f, e := newTestHandler(t)
	medID := f.medication("Zinc")

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"quantity":12,"supplier":"PT Sehat"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(medID.String())
	if err := h.Restock(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201 on first delivery, got %d", rec.Code)
	}
	if q, _ := f.svc.OnHand(context.Background(), medID); q != 12 {
		t.Errorf("expected 12 on hand, got %d", q)
	}
}

func TestHandler_GetRecord_InvalidID(t *testing.T) {
	h, _, e := newTestHandler(t)
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("nope")
	expectHTTPError(t, h.GetRecord(c), http.StatusBadRequest)
}
