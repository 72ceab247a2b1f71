// Package httpapi exposes a domain.Database over JSON/HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"unitcore/pkg/domain"
)

const defaultMaxBodyBytes = 1 << 20

// Handler routes /unit and /attribute requests to a domain.Database.
type Handler struct {
	DB           domain.Database
	Logger       *zap.Logger
	MaxBodyBytes int64
}

// NewHandler constructs a handler. A nil logger disables access logging.
func NewHandler(db domain.Database, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{DB: db, Logger: logger, MaxBodyBytes: defaultMaxBodyBytes}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		h.Logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("duration", time.Since(started)),
			zap.String("remote", r.RemoteAddr))
	}()
	if r.URL.Path == "/openapi.yaml" {
		serveOpenAPI(rec, r)
		return
	}
	if h.DB == nil {
		writeError(rec, http.StatusInternalServerError, "database not configured")
		return
	}
	if h.MaxBodyBytes > 0 && r.Body != nil {
		r.Body = http.MaxBytesReader(rec, r.Body, h.MaxBodyBytes)
	}

	path := strings.Trim(r.URL.Path, "/")
	segments := strings.Split(path, "/")
	switch segments[0] {
	case "unit":
		h.routeUnit(rec, r, segments[1:])
	case "attribute":
		h.routeAttribute(rec, r, segments[1:])
	default:
		http.NotFound(rec, r)
	}
}

func (h *Handler) routeUnit(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		h.handleStoreUnit(w, r)
	case len(rest) == 0 && r.Method == http.MethodGet:
		h.handleFindUnits(w, r)
	case len(rest) == 1 && r.Method == http.MethodGet:
		h.handleFetchUnit(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "attributes" && r.Method == http.MethodPost:
		h.handleAddAttribute(w, r, rest[0])
	case len(rest) <= 1, len(rest) == 2 && rest[1] == "attributes":
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) routeAttribute(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		h.handleStoreAttribute(w, r)
	case len(rest) == 0 && r.Method == http.MethodGet:
		h.handleListAttributes(w, r)
	case len(rest) == 1 && r.Method == http.MethodGet:
		h.handleFetchAttribute(w, r, rest[0])
	case len(rest) == 1 && r.Method == http.MethodPut:
		h.handleUpdateAttribute(w, r, rest[0])
	case len(rest) <= 1:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	default:
		http.NotFound(w, r)
	}
}

type storeUnitRequest struct {
	Unit     *domain.UnitCreate `json:"unit"`
	Complete bool               `json:"complete"`
}

type attributeRequest struct {
	Attribute *domain.AttributeCreate `json:"attribute"`
}

type addAttributeRequest struct {
	Attribute *domain.AttributeInput `json:"attribute"`
}

func (h *Handler) handleFetchUnit(w http.ResponseWriter, r *http.Request, id string) {
	if !domain.IsID(id) {
		badRequest(w, "Invalid unit id")
		return
	}
	unit, err := h.DB.FetchUnit(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if unit == nil {
		badRequest(w, "No unit found")
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *Handler) handleStoreUnit(w http.ResponseWriter, r *http.Request) {
	var req storeUnitRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "Malformed unit in request body: "+err.Error())
		return
	}
	if req.Unit == nil {
		badRequest(w, "No valid unit in request body")
		return
	}
	if err := validateUnit(*req.Unit); err != nil {
		badRequest(w, "Malformed unit in request body: "+err.Error())
		return
	}
	created, err := h.DB.StoreUnit(r.Context(), *req.Unit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if !req.Complete {
		writeJSON(w, http.StatusOK, created)
		return
	}
	unit, err := h.DB.FetchUnit(r.Context(), created.ID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *Handler) handleAddAttribute(w http.ResponseWriter, r *http.Request, unitID string) {
	if !domain.IsID(unitID) {
		badRequest(w, "Invalid unit id")
		return
	}
	var req addAttributeRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "Invalid attribute in request body: "+err.Error())
		return
	}
	if req.Attribute == nil {
		badRequest(w, "No valid attribute in request body")
		return
	}
	if err := validateAttributeInput(*req.Attribute); err != nil {
		badRequest(w, "Invalid attribute in request body: "+err.Error())
		return
	}
	unit, err := h.DB.AddAttributeToUnit(r.Context(), unitID, *req.Attribute)
	if err != nil {
		h.fail(w, err)
		return
	}
	if unit == nil {
		badRequest(w, "No unit or attribute found")
		return
	}
	writeJSON(w, http.StatusOK, unit)
}

func (h *Handler) handleFindUnits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	units, err := h.DB.FindUnits(r.Context(), domain.UnitQuery{
		AttributeID: q.Get("attribute"),
		ChildID:     q.Get("child"),
		Limit:       limit,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"units": units})
}

func (h *Handler) handleFetchAttribute(w http.ResponseWriter, r *http.Request, id string) {
	if !domain.IsID(id) {
		badRequest(w, "Invalid attribute id")
		return
	}
	attr, err := h.DB.FetchAttribute(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	if attr == nil {
		badRequest(w, "No attribute found")
		return
	}
	writeJSON(w, http.StatusOK, attr)
}

func (h *Handler) handleStoreAttribute(w http.ResponseWriter, r *http.Request) {
	rec, ok := decodeAttribute(w, r)
	if !ok {
		return
	}
	created, err := h.DB.StoreAttribute(r.Context(), rec)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (h *Handler) handleUpdateAttribute(w http.ResponseWriter, r *http.Request, id string) {
	if !domain.IsID(id) {
		badRequest(w, "Invalid attribute id")
		return
	}
	rec, ok := decodeAttribute(w, r)
	if !ok {
		return
	}
	updated, err := h.DB.UpdateAttribute(r.Context(), id, rec)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) handleListAttributes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	filter := domain.AttributeFilter{Limit: limit}
	if raw := q.Get("type"); raw != "" {
		t, err := domain.ParseAttributeType(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		filter.Type = t
	}
	attrs, err := h.DB.ListAttributes(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attributes": attrs})
}

func decodeAttribute(w http.ResponseWriter, r *http.Request) (domain.AttributeCreate, bool) {
	var req attributeRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "Invalid attribute in request body: "+err.Error())
		return domain.AttributeCreate{}, false
	}
	if req.Attribute == nil {
		badRequest(w, "No valid attribute in request body")
		return domain.AttributeCreate{}, false
	}
	if err := req.Attribute.Validate(); err != nil {
		badRequest(w, "Invalid attribute in request body: "+err.Error())
		return domain.AttributeCreate{}, false
	}
	return *req.Attribute, true
}

func decode(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("empty body")
	}
	return err
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return n, nil
}

// fail maps a core error onto 400 or 500.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	if domain.IsClientError(err) {
		badRequest(w, err.Error())
		return
	}
	h.Logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, err.Error())
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message)
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	prefix := http.StatusText(status)
	if message != "" {
		prefix += ": " + message
	}
	writeJSON(w, status, errorBody{Code: status, Message: prefix})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}
