package permissions

import (
	"log/slog"
	"net/http"
	"strings"
)

// Middleware guards HTTP handlers with access checks against the principal in the
// request context.
type Middleware struct {
	Checker *Calculator
	Logger  *slog.Logger
}

// RequireAccess allows the request when the principal may perform action on resource in scope.
func (m Middleware) RequireAccess(resource, action, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			result, err := m.Checker.CheckAccess(r.Context(), p, resource, action, scope)
			if err != nil {
				m.logError("permissions require access", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !result.Allowed {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAny allows the request when the principal holds at least one of the permission codes.
func (m Middleware) RequireAny(codes ...string) func(http.Handler) http.Handler {
	return m.requireCodes("permissions require any", codes, hasAnyPermission)
}

// RequireAll allows the request when the principal holds every permission code.
func (m Middleware) RequireAll(codes ...string) func(http.Handler) http.Handler {
	return m.requireCodes("permissions require all", codes, hasAllPermissions)
}

func (m Middleware) requireCodes(op string, codes []string, match func(granted, required []string) bool) func(http.Handler) http.Handler {
	normalized := normalizePermissions(codes)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			if p.IsSuperUser() {
				next.ServeHTTP(w, r)
				return
			}
			granted, err := m.Checker.EffectiveCodes(r.Context(), p.GetID())
			if err != nil {
				m.logError(op, err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if match(granted, normalized) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func (m Middleware) logError(op string, err error) {
	if m.Logger != nil {
		m.Logger.Error(op, slog.Any("error", err))
	}
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := unique[p]; ok {
			continue
		}
		unique[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func grantedSet(granted []string) map[string]struct{} {
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	return set
}

func hasAnyPermission(granted, required []string) bool {
	set := grantedSet(granted)
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted, required []string) bool {
	set := grantedSet(granted)
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
