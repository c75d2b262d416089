package order

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/klinik/klinik/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *engine, *echo.Echo) {
	t.Helper()
	e := newEngine(t)
	return NewHandler(e.svc), e, echo.New()
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

func actorRequest(method, body string, actor auth.Actor) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req.WithContext(auth.WithActor(req.Context(), actor))
}

func TestHandler_CreateOrder(t *testing.T) {
	h, eng, e := newTestHandler(t)
	med := eng.store.stock("Amoxicillin", 10, "5.00")
	patient := uuid.New()

	body := `{"patient_id":"` + patient.String() + `","items":[{"medication_id":"` + med.String() + `","quantity":4,"unit_price":"5.00"}]}`
	rec := httptest.NewRecorder()
	c := e.NewContext(actorRequest(http.MethodPost, body, admin), rec)
	if err := h.CreateOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got Order
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Total.String() != "20" || len(got.Items) != 1 || got.Status != StatusPending {
		t.Errorf("unexpected order %+v", got)
	}
	if eng.store.onHand(med) != 6 {
		t.Errorf("expected 6 on hand, got %d", eng.store.onHand(med))
	}
}

func TestHandler_CreateOrder_PatientDefaultsToSelf(t *testing.T) {
	h, eng, e := newTestHandler(t)
	med := eng.store.stock("Amoxicillin", 10, "5.00")
	self := uuid.New()
	patient := auth.Actor{UserID: "u-1", Role: auth.RolePatient, ProfileID: self}

	body := `{"items":[{"medication_id":"` + med.String() + `","quantity":1}]}`
	rec := httptest.NewRecorder()
	c := e.NewContext(actorRequest(http.MethodPost, body, patient), rec)
	if err := h.CreateOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Order
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.PatientID != self {
		t.Errorf("expected order for %s, got %s", self, got.PatientID)
	}
}

func TestHandler_CreateOrder_Errors(t *testing.T) {
	h, eng, e := newTestHandler(t)
	med := eng.store.stock("Amoxicillin", 10, "5.00")
	patient := auth.Actor{Role: auth.RolePatient, ProfileID: uuid.New()}

	tests := []struct {
		name  string
		body  string
		actor auth.Actor
		code  int
	}{
		{"other patient", `{"patient_id":"` + uuid.NewString() + `","items":[]}`, patient, http.StatusForbidden},
		{"insufficient stock", `{"patient_id":"` + uuid.NewString() + `","items":[{"medication_id":"` + med.String() + `","quantity":11}]}`, admin, http.StatusConflict},
		{"unknown medication", `{"patient_id":"` + uuid.NewString() + `","items":[{"medication_id":"` + uuid.NewString() + `","quantity":1}]}`, admin, http.StatusNotFound},
		{"zero quantity", `{"patient_id":"` + uuid.NewString() + `","items":[{"medication_id":"` + med.String() + `","quantity":0}]}`, admin, http.StatusBadRequest},
		{"malformed", `{"patient_id":`, admin, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := e.NewContext(actorRequest(http.MethodPost, tt.body, tt.actor), httptest.NewRecorder())
			expectHTTPError(t, h.CreateOrder(c), tt.code)
		})
	}
	if eng.store.onHand(med) != 10 {
		t.Errorf("expected stock untouched, got %d", eng.store.onHand(med))
	}
}

func TestHandler_CreateOrder_NoActor(t *testing.T) {
	h, _, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	expectHTTPError(t, h.CreateOrder(c), http.StatusUnauthorized)
}

func TestHandler_GetOrder(t *testing.T) {
	h, eng, e := newTestHandler(t)
	_, o := scenarioA(t, eng)

	rec := httptest.NewRecorder()
	c := e.NewContext(actorRequest(http.MethodGet, "", admin), rec)
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())
	if err := h.GetOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	stranger := auth.Actor{Role: auth.RolePatient, ProfileID: uuid.New()}
	c = e.NewContext(actorRequest(http.MethodGet, "", stranger), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())
	expectHTTPError(t, h.GetOrder(c), http.StatusForbidden)

	c = e.NewContext(actorRequest(http.MethodGet, "", admin), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	expectHTTPError(t, h.GetOrder(c), http.StatusBadRequest)
}

func TestHandler_ListOrders(t *testing.T) {
	h, eng, e := newTestHandler(t)
	scenarioA(t, eng)

	req := httptest.NewRequest(http.MethodGet, "/?status=pending&limit=5", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListOrders(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["total"].(float64) != 1 {
		t.Errorf("expected total 1, got %v", body["total"])
	}

	req = httptest.NewRequest(http.MethodGet, "/?status=lost", nil)
	expectHTTPError(t, h.ListOrders(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}

func TestHandler_UpdateStatus(t *testing.T) {
	h, eng, e := newTestHandler(t)
	med, o := scenarioA(t, eng)

	rec := httptest.NewRecorder()
	c := e.NewContext(actorRequest(http.MethodPatch, `{"status":"canceled"}`, admin), rec)
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())
	if err := h.UpdateStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eng.store.onHand(med) != 10 {
		t.Errorf("expected stock restored to 10, got %d", eng.store.onHand(med))
	}

	c = e.NewContext(actorRequest(http.MethodPatch, `{"status":"pending"}`, admin), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())
	expectHTTPError(t, h.UpdateStatus(c), http.StatusConflict)
}

func TestHandler_ItemLifecycle(t *testing.T) {
	h, eng, e := newTestHandler(t)
	med, o := scenarioA(t, eng)

	rec := httptest.NewRecorder()
	c := e.NewContext(actorRequest(http.MethodPost, `{"medication_id":"`+med.String()+`","quantity":2}`, admin), rec)
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())
	if err := h.AddItem(c); err != nil {
		t.Fatalf("add item: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var added Item
	json.Unmarshal(rec.Body.Bytes(), &added)

	rec = httptest.NewRecorder()
	c = e.NewContext(actorRequest(http.MethodPatch, `{"quantity":1}`, admin), rec)
	c.SetParamNames("id")
	c.SetParamValues(added.ID.String())
	if err := h.UpdateItem(c); err != nil {
		t.Fatalf("update item: %v", err)
	}

	c = e.NewContext(actorRequest(http.MethodPatch, `{}`, admin), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(added.ID.String())
	expectHTTPError(t, h.UpdateItem(c), http.StatusBadRequest)

	rec = httptest.NewRecorder()
	c = e.NewContext(actorRequest(http.MethodDelete, "", admin), rec)
	c.SetParamNames("id")
	c.SetParamValues(added.ID.String())
	if err := h.RemoveItem(c); err != nil {
		t.Fatalf("remove item: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if eng.store.onHand(med) != 6 {
		t.Errorf("expected 6 on hand, got %d", eng.store.onHand(med))
	}
}

func TestHandler_DeleteOrder(t *testing.T) {
	h, eng, e := newTestHandler(t)
	med, o := scenarioA(t, eng)

	rec := httptest.NewRecorder()
	c := e.NewContext(actorRequest(http.MethodDelete, "", admin), rec)
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())
	if err := h.DeleteOrder(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if eng.store.onHand(med) != 10 {
		t.Errorf("expected 10 on hand, got %d", eng.store.onHand(med))
	}

	c = e.NewContext(actorRequest(http.MethodDelete, "", admin), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(o.ID.String())
	expectHTTPError(t, h.DeleteOrder(c), http.StatusNotFound)
}

func TestHandler_RouteGates(t *testing.T) {
	h, _, e := newTestHandler(t)
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role := c.Request().Header.Get("X-Test-Role")
			ctx := auth.WithActor(c.Request().Context(), auth.Actor{Role: role, ProfileID: uuid.New()})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	tests := []struct {
		method, path, role string
		code               int
	}{
		{http.MethodGet, "/api/v1/orders", auth.RolePatient, http.StatusForbidden},
		{http.MethodGet, "/api/v1/orders", auth.RolePharmacist, http.StatusOK},
		{http.MethodDelete, "/api/v1/orders/" + uuid.NewString(), auth.RolePharmacist, http.StatusForbidden},
		{http.MethodPatch, "/api/v1/orders/items/" + uuid.NewString(), auth.RoleDoctor, http.StatusForbidden},
		{http.MethodPost, "/api/v1/orders", auth.RolePharmacist, http.StatusForbidden},
		{http.MethodGet, "/api/v1/orders/" + uuid.NewString(), auth.RolePharmacist, http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		req.Header.Set("X-Test-Role", tt.role)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.code {
			t.Errorf("%s %s as %s: expected %d, got %d", tt.method, tt.path, tt.role, tt.code, rec.Code)
		}
	}
}
