package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/helix-tools/dataroom/apperr"
	"github.com/helix-tools/dataroom/types"
)

type contextKey int

const (
	contextKeyIdentity contextKey = iota
	contextKeyCredential
)

func identityFrom(ctx context.Context) types.Identity {
	id, _ := ctx.Value(contextKeyIdentity).(types.Identity)
	return id
}

func credentialFrom(ctx context.Context) string {
	c, _ := ctx.Value(contextKeyCredential).(string)
	return c
}

// authenticate validates the bearer token and attaches the caller's
// identity and raw credential to the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearer(r.Header.Get("Authorization"))
		if !ok {
			s.writeError(w, r, apperr.New(apperr.Unauthenticated, "Authentication credentials were not provided"))
			return
		}
		id, err := s.parseToken(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyIdentity, id)
		ctx = context.WithValue(ctx, contextKeyCredential, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Server) parseToken(raw string) (types.Identity, error) {
	invalid := func(err error) (types.Identity, error) {
		return types.Identity{}, apperr.Wrap(apperr.Unauthenticated, err, "Invalid or expired token")
	}
	tkn, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return invalid(err)
	}
	claims, ok := tkn.Claims.(jwt.MapClaims)
	if !ok || !tkn.Valid {
		return invalid(fmt.Errorf("invalid claims"))
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return invalid(fmt.Errorf("token has no subject"))
	}
	org, _ := claims["org"].(string)
	return types.Identity{Subject: sub, Organization: org, Roles: rolesOf(claims["roles"])}, nil
}

// rolesOf accepts a JSON array or a space separated string.
func rolesOf(v interface{}) []string {
	switch roles := v.(type) {
	case string:
		return strings.Fields(roles)
	case []interface{}:
		out := make([]string, 0, len(roles))
		for _, r := range roles {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// requireRole rejects callers carrying none of roles.
func (s *Server) requireRole(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !identityFrom(r.Context()).HasRole(roles...) {
			s.writeError(w, r, apperr.New(apperr.NotAuthorized, "You do not have permission to perform this action"))
			return
		}
		h(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// countRequests records one sample per request, labeled by route template.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.requests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	s.log.Info("http request",
		zap.String("method", p.Request.Method),
		zap.String("path", p.URL.Path),
		zap.Int("status", p.StatusCode),
		zap.Int("bytes", p.Size),
		zap.Duration("took", time.Since(p.TimeStamp)))
}
