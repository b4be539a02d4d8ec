// Package historyhttp exposes the change ledger to compliance tooling: query, compare,
// export and rollback.
package historyhttp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/domain"
	"github.com/odyssey-erp/odyssey-access/internal/history"
	"github.com/odyssey-erp/odyssey-access/internal/permissions"
	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	dateLayout      = "2006-01-02"
)

// Access checks guarding the ledger.
const (
	Resource       = "permission_history"
	ActionRead     = "read"
	ActionExport   = "export"
	ActionRollback = "rollback"
)

// Ledger is the history contract the handlers depend on.
type Ledger interface {
	Get(ctx context.Context, id int64) (domain.ChangeEntry, error)
	Query(ctx context.Context, filter domain.ChangeFilter) ([]domain.ChangeEntry, error)
	EntityHistory(ctx context.Context, entityType domain.EntityType, entityID string, filter domain.ChangeFilter) ([]domain.ChangeEntry, error)
	Compare(ctx context.Context, firstID, secondID int64) (history.Diff, error)
	Rollback(ctx context.Context, changeID, performedBy int64) (domain.ChangeEntry, error)
	Export(ctx context.Context, filter domain.ChangeFilter, format history.Format, w io.Writer) error
}

// AccessChecker decides whether a principal may use an endpoint.
type AccessChecker interface {
	CheckAccess(ctx context.Context, p permissions.Principal, resource, action, scope string) (permissions.PermissionResult, error)
}

// Handler serves the change history endpoints.
type Handler struct {
	logger *slog.Logger
	ledger Ledger
	access AccessChecker
	now    func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, ledger Ledger, access AccessChecker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, ledger: ledger, access: access, now: time.Now}
}

// ListResponse is the body of a ledger query.
type ListResponse struct {
	Entries []domain.ChangeEntry `json:"entries"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, ActionRead); !ok {
		return
	}
	filter, err := parseFilter(r, true)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.ledger.Query(r.Context(), filter)
	if err != nil {
		h.respond(w, "query change history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ListResponse{Entries: nonNil(entries), Limit: filter.Limit, Offset: filter.Offset})
}

func (h *Handler) handleEntity(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, ActionRead); !ok {
		return
	}
	filter, err := parseFilter(r, true)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entityType := domain.EntityType(chi.URLParam(r, "ref"))
	entries, err := h.ledger.EntityHistory(r.Context(), entityType, chi.URLParam(r, "entityID"), filter)
	if err != nil {
		h.respond(w, "entity history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ListResponse{Entries: nonNil(entries), Limit: filter.Limit, Offset: filter.Offset})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, ActionRead); !ok {
		return
	}
	id, err := parseID(chi.URLParam(r, "ref"), "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		h.respond(w, "get change", err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCompare(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, ActionRead); !ok {
		return
	}
	q := r.URL.Query()
	first, err := parseID(q.Get("a"), "a")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	second, err := parseID(q.Get("b"), "b")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	diff, err := h.ledger.Compare(r.Context(), first, second)
	if err != nil {
		h.respond(w, "compare changes", err)
		return
	}
	httpx.JSON(w, http.StatusOK, diff)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, ActionExport); !ok {
		return
	}
	format, err := history.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter, err := parseFilter(r, false)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := h.ledger.Export(r.Context(), filter, format, &buf); err != nil {
		h.respond(w, "export change history", err)
		return
	}
	filename := fmt.Sprintf("permission-history-%s.%s", h.now().UTC().Format("20060102"), format)
	if err := httpx.Attachment(w, format.ContentType(), filename, buf.Bytes()); err != nil {
		h.logger.Warn("write history export", slog.Any("error", err))
	}
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorize(w, r, ActionRollback)
	if !ok {
		return
	}
	id, err := parseID(chi.URLParam(r, "ref"), "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entry, err := h.ledger.Rollback(r.Context(), id, p.GetID())
	if err != nil {
		h.respond(w, "rollback change", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entry)
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, action string) (permissions.Principal, bool) {
	p, ok := permissions.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: no principal", httpx.ErrUnauthorized))
		return nil, false
	}
	result, err := h.access.CheckAccess(r.Context(), p, Resource, action, "")
	if err != nil {
		h.respond(w, "authorize history access", err)
		return nil, false
	}
	if !result.Allowed {
		httpx.RespondError(w, fmt.Errorf("%w: %s %s", httpx.ErrForbidden, action, Resource))
		return nil, false
	}
	return p, true
}

func (h *Handler) respond(w http.ResponseWriter, op string, err error) {
	switch shared.Kind(err) {
	case nil, shared.ErrStorage, shared.ErrCache:
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func parseFilter(r *http.Request, paged bool) (domain.ChangeFilter, error) {
	q := r.URL.Query()
	filter := domain.ChangeFilter{
		EntityType: domain.EntityType(strings.TrimSpace(q.Get("entityType"))),
		EntityID:   strings.TrimSpace(q.Get("entityId")),
		Operation:  domain.Operation(strings.ToUpper(strings.TrimSpace(q.Get("operation")))),
	}
	if v := strings.TrimSpace(q.Get("performedBy")); v != "" {
		id, err := parseID(v, "performedBy")
		if err != nil {
			return domain.ChangeFilter{}, err
		}
		filter.PerformedBy = id
	}
	var err error
	if filter.From, err = parseTime(q.Get("from"), "from", false); err != nil {
		return domain.ChangeFilter{}, err
	}
	if filter.To, err = parseTime(q.Get("to"), "to", true); err != nil {
		return domain.ChangeFilter{}, err
	}
	if !paged {
		return filter, nil
	}

	filter.Limit = defaultPageSize
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return domain.ChangeFilter{}, fmt.Errorf("%w: limit must be a positive integer", shared.ErrInvalidInput)
		}
		filter.Limit = min(n, maxPageSize)
	}
	if v := strings.TrimSpace(q.Get("offset")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return domain.ChangeFilter{}, fmt.Errorf("%w: offset must be a non-negative integer", shared.ErrInvalidInput)
		}
		filter.Offset = n
	}
	return filter, nil
}

// parseTime accepts RFC 3339 or a bare date. A bare upper bound covers the whole day.
func parseTime(v, field string, upper bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339 or YYYY-MM-DD", shared.ErrInvalidInput, field)
	}
	if upper {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func parseID(v, field string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", shared.ErrInvalidInput, field)
	}
	return id, nil
}

func nonNil(entries []domain.ChangeEntry) []domain.ChangeEntry {
	if entries == nil {
		return []domain.ChangeEntry{}
	}
	return entries
}
