package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/pulse/internal/domain"
)

type projectContextKey string

const contextKeyProject projectContextKey = "pulse-ingest-project"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAPIKey resolves the project owning the bearer API key before
// invoking the handler.
func (r *Router) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		key, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "Missing API key")
			return
		}
		project, err := r.projects.Authenticate(req.Context(), key)
		if err != nil {
			writeAppError(w, r.logger, err)
			return
		}
		ctx := context.WithValue(req.Context(), contextKeyProject, *project)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// projectFromContext returns the project authenticated by requireAPIKey.
func projectFromContext(ctx context.Context) (domain.Project, bool) {
	project, ok := ctx.Value(contextKeyProject).(domain.Project)
	return project, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
