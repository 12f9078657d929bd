package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"chenu/internal/audit/models"
	auditservice "chenu/internal/audit/service"
	"chenu/internal/audit/store/memory"
	id "chenu/pkg/domain"
	dErrors "chenu/pkg/domain-errors"
	"chenu/pkg/requestcontext"
)

type AuditHandlerSuite struct {
	suite.Suite
	ctx    context.Context
	log    *auditservice.Log
	router chi.Router
	now    time.Time
}

func TestAuditHandlerSuite(t *testing.T) {
	suite.Run(t, new(AuditHandlerSuite))
}

func (s *AuditHandlerSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

	clock := s.now
	log, err := auditservice.New(s.ctx, memory.NewInMemoryStore(), auditservice.WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}))
	s.Require().NoError(err)
	s.log = log
	s.router = s.mount(log)
}

func (s *AuditHandlerSuite) mount(service Service) chi.Router {
	h := New(service, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	h.Register(r)
	h.RegisterAdmin(r)
	return r
}

func (s *AuditHandlerSuite) append(actor id.IdentityID, action models.Action) {
	_, err := s.log.Append(s.ctx, models.Entry{
		ActorID: actor,
		Action:  action,
		Details: map[string]any{models.DetailOutcome: "ok"},
	})
	s.Require().NoError(err)
}

func (s *AuditHandlerSuite) get(router chi.Router, target string, identity id.IdentityID) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if identity != "" {
		req = req.WithContext(requestcontext.WithIdentity(req.Context(), identity))
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func (s *AuditHandlerSuite) decode(w *httptest.ResponseRecorder) ListResponse {
	var resp ListResponse
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (s *AuditHandlerSuite) TestListOwnOnlyReturnsCallerEntries() {
	s.append("user-a", models.ActionEvaluate)
	s.append("user-b", models.ActionEvaluate)
	s.append("user-a", models.ActionApprove)

	w := s.get(s.router, "/me/audit?actor=user-b", "user-a")
	s.Equal(http.StatusOK, w.Code)

	resp := s.decode(w)
	s.Equal(2, resp.Total)
	for _, e := range resp.Entries {
		s.Equal(id.IdentityID("user-a"), e.ActorID)
	}
	s.Less(resp.Entries[0].Seq, resp.Entries[1].Seq)
}

func (s *AuditHandlerSuite) TestListOwnRequiresIdentity() {
	s.Equal(http.StatusUnauthorized, s.get(s.router, "/me/audit", "").Code)
}

func (s *AuditHandlerSuite) TestListFilters() {
	s.append("user-a", models.ActionEvaluate)
	s.append("user-b", models.ActionReject)
	s.append("user-a", models.ActionApprove)
	s.append("user-c", models.ActionExpire)

	s.Run("by action", func() {
		resp := s.decode(s.get(s.router, "/audit?action=checkpoint_approve,checkpoint_reject", ""))
		s.Equal(2, resp.Total)
	})

	s.Run("repeated and duplicate actions", func() {
		resp := s.decode(s.get(s.router, "/audit?action=checkpoint_approve&action=%20checkpoint_approve,,checkpoint_reject", ""))
		s.Equal(2, resp.Total)
	})

	s.Run("by actor", func() {
		resp := s.decode(s.get(s.router, "/audit?actor=user-c", ""))
		s.Require().Equal(1, resp.Total)
		s.Equal(models.ActionExpire, resp.Entries[0].Action)
	})

	s.Run("by time window", func() {
		since := s.now.Add(2 * time.Minute).Format(time.RFC3339)
		until := s.now.Add(3 * time.Minute).Format(time.RFC3339)
		resp := s.decode(s.get(s.router, "/audit?since="+since+"&until="+until, ""))
		s.Equal(2, resp.Total)
	})

	s.Run("limit keeps append order", func() {
		resp := s.decode(s.get(s.router, "/audit?limit=2", ""))
		s.Require().Equal(2, resp.Total)
		s.Equal(uint64(1), resp.Entries[0].Seq)
	})
}

func (s *AuditHandlerSuite) TestListRejectsBadQuery() {
	for _, target := range []string{
		"/audit?limit=0",
		"/audit?limit=abc",
		"/audit?since=yesterday",
		"/audit?since=2026-06-02T00:00:00Z&until=2026-06-01T00:00:00Z",
	} {
		s.Equal(http.StatusBadRequest, s.get(s.router, target, "").Code, target)
	}
}

func (s *AuditHandlerSuite) TestEmptyLogIsArray() {
	w := s.get(s.router, "/audit", "")
	s.Equal(http.StatusOK, w.Code)
	s.JSONEq(`{"entries":[],"total":0}`, w.Body.String())
}

func (s *AuditHandlerSuite) TestVerify() {
	s.Run("intact chain", func() {
		s.append("user-a", models.ActionEvaluate)
		w := s.get(s.router, "/audit/verify", "")
		s.Equal(http.StatusOK, w.Code)
		s.JSONEq(`{"valid":true}`, w.Body.String())
	})

	s.Run("broken chain", func() {
		router := s.mount(verifyStub{err: dErrors.New(dErrors.CodeInvariantViolation, "audit chain broken at seq 3")})
		w := s.get(router, "/audit/verify", "")
		s.Equal(http.StatusOK, w.Code)
		s.Contains(w.Body.String(), `"valid":false`)
		s.Contains(w.Body.String(), "seq 3")
	})

	s.Run("read failure", func() {
		router := s.mount(verifyStub{err: dErrors.Wrap(errors.New("conn refused"), dErrors.CodeInternal, "failed to read audit log")})
		w := s.get(router, "/audit/verify", "")
		s.Equal(http.StatusInternalServerError, w.Code)
	})
}

type verifyStub struct {
	err error
}

func (v verifyStub) Query(context.Context, ...auditservice.QueryOption) ([]models.Entry, error) {
	return nil, nil
}

func (v verifyStub) Verify(context.Context) error { return v.err }
