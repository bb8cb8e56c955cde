package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"convoy/internal/orders"
	"convoy/internal/saga"
)

// apiServer exposes the coordinator over HTTP: order intake, saga
// inspection and the websocket transition feed.
type apiServer struct {
	store coordinatorStore
	sagas *saga.Orchestrator
	logf  func(format string, args ...any)
	newID func() string
	now   func() time.Time
}

func newAPIServer(store coordinatorStore, sagas *saga.Orchestrator) *apiServer {
	return &apiServer{
		store: store,
		sagas: sagas,
		logf:  log.Printf,
		newID: uuid.NewString,
		now:   time.Now,
	}
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", s.handleCreateOrder)
	mux.HandleFunc("GET /orders/{id}", s.handleGetOrder)
	mux.HandleFunc("GET /orders/{id}/saga", s.handleGetOrderSaga)
	mux.HandleFunc("GET /sagas", s.handleListSagas)
	mux.HandleFunc("GET /sagas/{id}", s.handleGetSaga)
}

type createOrderRequest struct {
	CustomerID string        `json:"customer_id"`
	Items      []orders.Item `json:"items"`
	Plan       string        `json:"plan,omitempty"`
}

type createOrderResponse struct {
	Order orderResponse `json:"order"`
	Saga  sagaResponse  `json:"saga"`
}

// handleCreateOrder inserts the order and starts its saga. The saga runs
// inline up to the stock reservation, so the response already reflects the
// reservation request being on its way out.
func (s *apiServer) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Items) == 0 {
		httpError(w, http.StatusBadRequest, "at least one item is required")
		return
	}
	for _, item := range req.Items {
		if item.SKU == "" || item.Quantity <= 0 || item.UnitPrice < 0 {
			httpError(w, http.StatusBadRequest, "invalid item")
			return
		}
	}

	var plan []saga.StepType
	switch req.Plan {
	case "", "default":
		plan = saga.DefaultPlan()
	case "extended":
		plan = saga.ExtendedPlan()
	default:
		httpError(w, http.StatusBadRequest, "unknown plan")
		return
	}

	id := s.newID()
	order := orders.Order{
		ID:         id,
		Number:     orderNumber(id),
		CustomerID: req.CustomerID,
		Items:      req.Items,
		Status:     orders.StatusPending,
		CreatedAt:  s.now(),
		UpdatedAt:  s.now(),
	}
	if err := s.store.CreateOrder(r.Context(), order); err != nil {
		s.logf("api: create order: %v", err)
		httpError(w, http.StatusInternalServerError, "create order failed")
		return
	}

	sg, err := s.sagas.StartSagaWithPlan(r.Context(), order.ID, plan)
	if err != nil {
		s.logf("api: start saga for order %s: %v", order.ID, err)
		httpError(w, http.StatusInternalServerError, "start workflow failed")
		return
	}

	// Reload: the saga may already have moved the order on.
	if fresh, err := s.store.OrderByID(r.Context(), order.ID); err == nil {
		order = fresh
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		Order: toOrderResponse(order),
		Saga:  toSagaResponse(sg),
	})
}

func (s *apiServer) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.store.OrderByID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			httpError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logf("api: get order: %v", err)
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (s *apiServer) handleGetOrderSaga(w http.ResponseWriter, r *http.Request) {
	sg, err := s.sagas.GetSagaByOrderID(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			httpError(w, http.StatusNotFound, "saga not found")
			return
		}
		s.logf("api: get order saga: %v", err)
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(sg))
}

func (s *apiServer) handleListSagas(w http.ResponseWriter, r *http.Request) {
	live := s.sagas.ListActiveSagas()
	out := make([]sagaResponse, 0, len(live))
	for _, sg := range live {
		out = append(out, toSagaResponse(sg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sagas": out})
}

func (s *apiServer) handleGetSaga(w http.ResponseWriter, r *http.Request) {
	sg, err := s.sagas.GetSaga(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, saga.ErrSagaNotFound) {
			httpError(w, http.StatusNotFound, "saga not found")
			return
		}
		s.logf("api: get saga: %v", err)
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, toSagaResponse(sg))
}

func orderNumber(id string) string {
	short := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(short) > 8 {
		short = short[:8]
	}
	return "SO-" + short
}

type orderResponse struct {
	ID         string                `json:"id"`
	Number     string                `json:"number"`
	CustomerID string                `json:"customer_id,omitempty"`
	Items      []orders.Item         `json:"items"`
	Status     orders.Status         `json:"status"`
	Total      int64                 `json:"total"`
	History    []orders.StatusChange `json:"history,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	UpdatedAt  time.Time             `json:"updated_at"`
}

func toOrderResponse(o orders.Order) orderResponse {
	return orderResponse{
		ID:         o.ID,
		Number:     o.Number,
		CustomerID: o.CustomerID,
		Items:      o.Items,
		Status:     o.Status,
		Total:      o.Total(),
		History:    o.History,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}

type stepResponse struct {
	Type          saga.StepType   `json:"type"`
	Order         int             `json:"order"`
	Status        saga.StepStatus `json:"status"`
	Error         string          `json:"error,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CompensatedAt *time.Time      `json:"compensated_at,omitempty"`
}

type sagaResponse struct {
	ID                   string                     `json:"id"`
	OrderID              string                     `json:"order_id"`
	Status               saga.Status                `json:"status"`
	CurrentStep          int                        `json:"current_step"`
	Error                string                     `json:"error,omitempty"`
	Steps                []stepResponse             `json:"steps"`
	CompensationFailures []saga.CompensationFailure `json:"compensation_failures,omitempty"`
	CreatedAt            time.Time                  `json:"created_at"`
	UpdatedAt            time.Time                  `json:"updated_at"`
	CompletedAt          *time.Time                 `json:"completed_at,omitempty"`
}

func toSagaResponse(sg *saga.Saga) sagaResponse {
	resp := sagaResponse{
		ID:                   sg.ID,
		OrderID:              sg.OrderID,
		Status:               sg.Status,
		CurrentStep:          sg.CurrentStep,
		Error:                sg.Error,
		CompensationFailures: sg.CompensationFailures,
		CreatedAt:            sg.CreatedAt,
		UpdatedAt:            sg.UpdatedAt,
		CompletedAt:          sg.CompletedAt,
	}
	for _, step := range sg.Steps {
		resp.Steps = append(resp.Steps, stepResponse{
			Type:          step.Type,
			Order:         step.Order,
			Status:        step.Status,
			Error:         step.Error,
			StartedAt:     step.StartedAt,
			CompletedAt:   step.CompletedAt,
			CompensatedAt: step.CompensatedAt,
		})
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
