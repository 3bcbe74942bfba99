package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"mixbag/pkg/application/service"
	"mixbag/pkg/domain/model"
	"mixbag/pkg/infrastructure/report"
	"mixbag/pkg/infrastructure/storage"
)

const maxImportSize = 10 << 20

type Handler struct {
	inventory *service.Inventory
	logger    log.FieldLogger
}

func Router(inventory *service.Inventory, logger log.FieldLogger) http.Handler {
	h := &Handler{inventory: inventory, logger: logger}

	r := mux.NewRouter()
	s := r.PathPrefix("/api/v1").Subrouter()

	s.HandleFunc("/families/{family}/items", h.listItems).Methods(http.MethodGet)
	s.HandleFunc("/families/{family}/items", h.addItem).Methods(http.MethodPost)
	s.HandleFunc("/families/{family}/items/{id}", h.updateItem).Methods(http.MethodPatch)
	s.HandleFunc("/families/{family}/items/{id}", h.deleteItem).Methods(http.MethodDelete)
	s.HandleFunc("/families/{family}/items/{id}/transactions", h.recordTransaction).Methods(http.MethodPost)
	s.HandleFunc("/families/{family}/transactions", h.listTransactions).Methods(http.MethodGet)
	s.HandleFunc("/families/{family}/undo", h.previewUndo).Methods(http.MethodGet)
	s.HandleFunc("/families/{family}/undo", h.undo).Methods(http.MethodPost)
	s.HandleFunc("/flavours", h.addFlavour).Methods(http.MethodPost)
	s.HandleFunc("/settings", h.getSettings).Methods(http.MethodGet)
	s.HandleFunc("/settings", h.updateSettings).Methods(http.MethodPut)
	s.HandleFunc("/export", h.export).Methods(http.MethodGet)
	s.HandleFunc("/import", h.importSnapshot).Methods(http.MethodPost)
	s.HandleFunc("/clear", h.clear).Methods(http.MethodPost)
	s.HandleFunc("/reset", h.reset).Methods(http.MethodPost)
	s.HandleFunc("/report", h.report).Methods(http.MethodGet)

	return logMiddleware(logger, r)
}

type addItemRequest struct {
	Name             string `json:"name"`
	ReorderThreshold *int   `json:"reorderThreshold"`
}

type updateItemRequest struct {
	Name             *string `json:"name"`
	ReorderThreshold *int    `json:"reorderThreshold"`
}

type addFlavourRequest struct {
	Name string `json:"name"`
}

type addFlavourResponse struct {
	Bag model.Item `json:"bag"`
	Box model.Item `json:"box"`
}

type transactionRequest struct {
	Quantity int        `json:"quantity"`
	Kind     model.Kind `json:"kind"`
}

type importResponse struct {
	Collections []model.Collection `json:"collections"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	family, ok := h.family(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.inventory.StockLevels(family))
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	family, ok := h.family(w, r)
	if !ok {
		return
	}
	var req addItemRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.inventory.Ledger().AddItem(family, req.Name, req.ReorderThreshold)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.WithFields(log.Fields{"family": family, "id": item.ID, "name": item.Name}).Info("item added")
	h.writeJSON(w, http.StatusCreated, item)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	family, ok := h.family(w, r)
	if !ok {
		return
	}
	var req updateItemRequest
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.inventory.UpdateItem(family, mux.Vars(r)["id"], req.Name, req.ReorderThreshold)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	family, ok := h.family(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if !h.inventory.Ledger().DeleteItem(family, id) {
		h.writeError(w, model.ErrItemNotFound)
		return
	}
	h.logger.WithFields(log.Fields{"family": family, "id": id}).Info("item deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addFlavour(w http.ResponseWriter, r *http.Request) {
	var req addFlavourRequest
	if !h.decode(w, r, &req) {
		return
	}

	bag, box, err := h.inventory.Ledger().AddFlavour(req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.WithField("name", bag.Name).Info("flavour added")
	h.writeJSON(w, http.StatusCreated, addFlavourResponse{Bag: *bag, Box: *box})
}

func (h *Handler) recordTransaction(w http.ResponseWriter, r *http.Request) {
	family, ok := h.family(w, r)
	if !ok {
		return
	}
	var req transactionRequest
	if !h.decode(w, r, &req) {
		return
	}

	tx, err := h.inventory.Ledger().RecordTransaction(family, mux.Vars(r)["id"], req.Quantity, req.Kind)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	family, ok := h.family(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	filter := model.TransactionFilter{
		ItemID: query.Get("itemId"),
		Kind:   model.Kind(query.Get("kind")),
	}

	transactions := slices.Collect(h.inventory.Ledger().Transactions(family, filter))
	if transactions == nil {
		transactions = []model.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

func (h *Handler) previewUndo(w http.ResponseWriter, r *http.Request) {
	family, ok := h.family(w, r)
	if !ok {
		return
	}
	last := h.inventory.Ledger().LastTransaction(family)
	if last == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, last)
}

func (h *Handler) undo(w http.ResponseWriter, r *http.Request) {
	family, ok := h.family(w, r)
	if !ok {
		return
	}
	undone := h.inventory.Ledger().UndoLast(family)
	if undone == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.logger.WithFields(log.Fields{"family": family, "id": undone.ID}).Info("transaction undone")
	h.writeJSON(w, http.StatusOK, undone)
}

func (h *Handler) getSettings(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.inventory.Ledger().Settings())
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.Settings
	if !h.decode(w, r, &settings) {
		return
	}
	if err := h.inventory.Ledger().UpdateSettings(settings); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

func (h *Handler) export(w http.ResponseWriter, _ *http.Request) {
	data, err := h.inventory.Export()
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+storage.ExportFilename(time.Now())+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.WithError(err).Error("write export")
	}
}

func (h *Handler) importSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxImportSize))
	if err != nil {
		h.writeError(w, errors.Wrap(storage.ErrInvalidFormat, err.Error()))
		return
	}

	collections, err := h.inventory.Import(data)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.WithField("collections", collections).Info("snapshot imported")
	h.writeJSON(w, http.StatusOK, importResponse{Collections: collections})
}

func (h *Handler) clear(w http.ResponseWriter, _ *http.Request) {
	h.inventory.Clear()
	h.logger.Warn("inventory cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reset(w http.ResponseWriter, _ *http.Request) {
	h.inventory.Reset()
	h.logger.Warn("inventory reset to defaults")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) report(w http.ResponseWriter, _ *http.Request) {
	f, err := report.Build(h.inventory)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="inventory-report.xlsx"`)
	w.WriteHeader(http.StatusOK)
	if _, err := f.WriteTo(w); err != nil {
		h.logger.WithError(err).Error("write report")
	}
}

func (h *Handler) family(w http.ResponseWriter, r *http.Request) (model.Family, bool) {
	family, err := model.ParseFamily(mux.Vars(r)["family"])
	if err != nil {
		h.writeError(w, err)
		return "", false
	}
	return family, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		h.logger.WithError(err).Error("request failed")
	}
	h.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrItemNotFound), errors.Is(err, model.ErrUnknownFamily):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicateName):
		return http.StatusConflict
	case errors.Is(err, model.ErrEmptyName),
		errors.Is(err, model.ErrInvalidThreshold),
		errors.Is(err, model.ErrInvalidQuantity),
		errors.Is(err, model.ErrInvalidKind),
		errors.Is(err, storage.ErrInvalidFormat):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		h.logger.WithField("err", err).Error("write response status")
	}
}

func logMiddleware(logger log.FieldLogger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.WithFields(log.Fields{
			"method":     r.Method,
			"url":        r.URL,
			"remoteAddr": r.RemoteAddr,
			"userAgent":  r.UserAgent(),
		}).Info("got a new request")
		h.ServeHTTP(w, r)
	})
}
