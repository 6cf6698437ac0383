package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/susu3304/warikan/internal/order"
	"github.com/susu3304/warikan/internal/split"
	"github.com/susu3304/warikan/internal/transport"
)

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *API) handleMenu(w http.ResponseWriter, r *http.Request) {
	items, err := a.store.Menu(r.Context())
	if err != nil {
		log.Printf("Error listing menu: %v", err)
		http.Error(w, "failed to list menu", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]any{
			"id":    item.ID,
			"name":  item.Name,
			"price": item.Price,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// lineJSON is the wire shape of an order line; the protocol's payloads
// are camelCase, so the REST surface follows suit.
type lineJSON struct {
	ID           string   `json:"id"`
	TableID      string   `json:"tableId"`
	ProductID    string   `json:"productId,omitempty"`
	Name         string   `json:"name"`
	Price        float64  `json:"price"`
	Quantity     int      `json:"quantity"`
	Status       string   `json:"status"`
	OwnerID      string   `json:"ownerId"`
	IsSplit      bool     `json:"isSplit"`
	TotalParts   int      `json:"totalParts,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

func toLineJSON(l *order.Line) lineJSON {
	out := lineJSON{
		ID:        l.ID,
		TableID:   l.TableID,
		ProductID: l.ProductID,
		Name:      l.Name,
		Price:     l.Price,
		Quantity:  l.Quantity,
		Status:    string(l.Status),
		OwnerID:   l.OwnerID,
		IsSplit:   l.IsSplit(),
	}
	if l.IsSplit() {
		out.TotalParts = l.Split.Parts
		out.Participants = l.Split.Participants
	}
	return out
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	tableID := mux.Vars(r)["table_id"]
	if !tableAccess(claims, tableID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	filter := order.Filter{OwnerID: r.URL.Query().Get("owner")}
	lines, err := a.store.Query(r.Context(), tableID, filter)
	if err != nil {
		log.Printf("Error listing orders for table %s: %v", tableID, err)
		http.Error(w, "failed to list orders", http.StatusInternalServerError)
		return
	}

	out := make([]lineJSON, 0, len(lines))
	for _, l := range lines {
		out = append(out, toLineJSON(l))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	tableID := mux.Vars(r)["table_id"]
	if !tableAccess(claims, tableID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		ProductID string  `json:"productId"`
		Name      string  `json:"name"`
		Price     float64 `json:"price"`
		Quantity  int     `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}

	line := &order.Line{
		TableID:  tableID,
		Name:     strings.TrimSpace(req.Name),
		Price:    req.Price,
		Quantity: req.Quantity,
		OwnerID:  claims.UserID,
	}
	if req.ProductID != "" {
		// Catalog orders take the authoritative name and price; the
		// client-sent ones are ignored.
		item, err := a.store.Item(r.Context(), req.ProductID)
		if err != nil {
			log.Printf("Error resolving product %s: %v", req.ProductID, err)
			http.Error(w, "failed to resolve product", http.StatusInternalServerError)
			return
		}
		if item == nil {
			http.Error(w, "unknown product", http.StatusBadRequest)
			return
		}
		line.ProductID = item.ID
		line.Name = item.Name
		line.Price = item.Price
	}
	if line.Name == "" {
		http.Error(w, "name or productId is required", http.StatusBadRequest)
		return
	}

	created, err := a.store.Insert(r.Context(), line)
	if err != nil {
		log.Printf("Error creating order on table %s: %v", tableID, err)
		http.Error(w, "failed to create order", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toLineJSON(created))
}

func validStatus(s order.Status) bool {
	switch s {
	case order.StatusPending, order.StatusPreparing, order.StatusReady,
		order.StatusDelivered, order.StatusPaid, order.StatusServiceCall:
		return true
	}
	return false
}

func (a *API) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	vars := mux.Vars(r)
	tableID, orderID := vars["table_id"], vars["order_id"]
	if !tableAccess(claims, tableID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var req struct {
		Status order.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !validStatus(req.Status) {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	updated, err := a.store.Update(r.Context(), orderID, order.Patch{Status: &req.Status})
	if err != nil {
		log.Printf("Error updating order %s: %v", orderID, err)
		http.Error(w, "failed to update order", http.StatusInternalServerError)
		return
	}
	if updated == nil {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}

	// Passive lifecycle broadcast; delivery failure never fails the
	// request, listeners resync from the ledger anyway.
	if a.announce != nil {
		update := split.StatusUpdate{
			OrderID:  updated.ID,
			ItemName: updated.Name,
			Status:   string(updated.Status),
			TableID:  updated.TableID,
		}
		if err := a.announce.SendTable(r.Context(), tableID, transport.EventOrderStatus, update); err != nil {
			log.Printf("Error broadcasting status of order %s: %v", orderID, err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toLineJSON(updated))
}
