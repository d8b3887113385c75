package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tokosync/backend/internal/coordinator"
	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/logger"
	"tokosync/backend/internal/store"
)

type API struct {
	coord         *coordinator.Coordinator
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           *zap.Logger
}

func New(coord *coordinator.Coordinator, auth *AuthManager, allowedOrigin string, log *zap.Logger) *API {
	return &API{
		coord:         coord,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           logger.Named(log, "httpapi"),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/products/{id}", a.requireAuth(a.handleProduct, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/sales", a.requireAuth(a.handleSales, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/sales/{id}", a.requireAuth(a.handleSale, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/sales/{id}/returns", a.requireAuth(a.handleSaleReturns, RoleAdmin))

	mux.HandleFunc("/api/v1/sync/refresh", a.requireAuth(a.handleRefresh, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/sync/resume", a.requireAuth(a.handleResume, RoleCashier, RoleAdmin))
	mux.HandleFunc("/api/v1/sync/operations", a.requireAuth(a.handleOperations, RoleAdmin))
	mux.HandleFunc("/api/v1/sync/operations/{id}", a.requireAuth(a.handleOperation, RoleCashier, RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(withActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// requireAdmin guards mutating methods on routes cashiers may read.
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	actor, ok := actorFromContext(r.Context())
	if !ok || actor.Role != RoleAdmin {
		writeError(w, http.StatusForbidden, errors.New("forbidden role"))
		return false
	}
	return true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"at":     time.Now().UTC().Format(time.RFC3339),
		"device": a.coord.Session().DeviceID,
		"sync":   a.coord.Status(),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.coord.Products(r.Context())
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		if !requireAdmin(w, r) {
			return
		}
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		resp, err := a.coord.AddProduct(r.Context(), req)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProduct(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		product, err := a.coord.GetProductByID(r.Context(), id)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodPatch:
		if !requireAdmin(w, r) {
			return
		}
		var req domain.ProductUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.coord.UpdateProduct(r.Context(), id, req)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodDelete:
		if !requireAdmin(w, r) {
			return
		}
		resp, err := a.coord.DeleteProduct(r.Context(), id)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSales(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sales, err := a.coord.Sales(r.Context())
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), len(sales), 0)
		if limit < len(sales) {
			sales = sales[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"sales": sales})
	case http.MethodPost:
		var req domain.SaleCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.coord.AddSale(r.Context(), req)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSale(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("sale id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		sale, err := a.coord.GetSaleByID(r.Context(), id)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
	case http.MethodPut:
		if !requireAdmin(w, r) {
			return
		}
		var req domain.SaleUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		resp, err := a.coord.UpdateSale(r.Context(), id, req)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodDelete:
		if !requireAdmin(w, r) {
			return
		}
		resp, err := a.coord.DeleteSale(r.Context(), id)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSaleReturns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.ReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.coord.ReturnProduct(r.Context(), r.PathValue("id"), strings.TrimSpace(req.ProductID), req.Quantity)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if err := a.coord.RefreshData(r.Context()); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sync": a.coord.Status()})
}

func (a *API) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	a.coord.Resume()
	writeJSON(w, http.StatusAccepted, map[string]any{"sync": a.coord.Status()})
}

// operationView hides the undo snapshots, which carry full record bodies.
type operationView struct {
	ID        string                `json:"id"`
	Seq       int64                 `json:"seq"`
	Kind      coordinator.OpKind    `json:"kind"`
	State     domain.OperationState `json:"state"`
	Writes    []coordinator.Write   `json:"writes"`
	Attempts  int                   `json:"attempts"`
	LastError string                `json:"last_error,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func viewOf(op coordinator.Operation) operationView {
	return operationView{
		ID:        op.ID,
		Seq:       op.Seq,
		Kind:      op.Kind,
		State:     op.State,
		Writes:    op.Writes,
		Attempts:  op.Attempts,
		LastError: op.LastError,
		CreatedAt: op.CreatedAt,
		UpdatedAt: op.UpdatedAt,
	}
}

func (a *API) handleOperations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	ops := a.coord.Operations()
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	if len(ops) > limit {
		ops = ops[len(ops)-limit:]
	}
	views := make([]operationView, 0, len(ops))
	for _, op := range ops {
		views = append(views, viewOf(op))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": views,
		"sync":       a.coord.Status(),
	})
}

// handleOperation returns one operation. With ?wait=N it blocks up to N
// seconds for the operation to settle.
func (a *API) handleOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))

	wait := parsePositiveLimit(r.URL.Query().Get("wait"), 0, 30)
	if wait == 0 {
		op, err := a.coord.Operation(id)
		if err != nil {
			a.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"operation": viewOf(op)})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(wait)*time.Second)
	defer cancel()
	op, err := a.coord.Await(ctx, id)
	if err != nil && !errors.Is(err, store.ErrRemoteRejected) && !errors.Is(err, context.DeadlineExceeded) {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation": viewOf(op)})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(rec, r)
		a.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(startedAt)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// statusFor maps coordinator errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrOverReturn):
		return http.StatusConflict
	case errors.Is(err, store.ErrRemoteRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNetwork):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		// 5xx bodies stay generic; the cause goes to the log.
		a.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
		if status == http.StatusServiceUnavailable {
			writeError(w, status, errors.New("remote store unavailable"))
			return
		}
		writeError(w, status, errors.New("internal server error"))
		return
	}
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
