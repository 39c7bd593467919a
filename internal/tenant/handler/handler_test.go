package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"chronicle/internal/platform/logger"
	"chronicle/internal/tenant/metrics"
	"chronicle/internal/tenant/service"
	"chronicle/internal/tenant/store"
	"chronicle/pkg/requestcontext"
	"chronicle/pkg/testutil"
)

const headerPrincipal = "X-Test-Principal"

// =============================================================================
// Tree Handler Test Suite
// =============================================================================
// Justification: status codes, bodies and batch dispatch are the tree's HTTP
// contract. The service runs for real over the in-memory store; a test
// middleware stands in for authentication.

type TreeHandlerSuite struct {
	suite.Suite
	reg    *prometheus.Registry
	router chi.Router
}

func TestTreeHandlerSuite(t *testing.T) {
	suite.Run(t, new(TreeHandlerSuite))
}

func (s *TreeHandlerSuite) SetupTest() {
	s.reg = prometheus.NewRegistry()
	m := metrics.New(s.reg)
	svc := service.New(store.NewInMemory(), service.WithMetrics(m))
	s.router = chi.NewRouter()
	s.router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p := r.Header.Get(headerPrincipal); p != "" {
				r = r.WithContext(requestcontext.WithPrincipal(r.Context(), p))
			}
			next.ServeHTTP(w, r)
		})
	})
	New(svc, logger.Nop(), WithMetrics(m), WithMaxBatchRequests(3)).Register(s.router)
}

func (s *TreeHandlerSuite) do(method, path, principal string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = testutil.NewJSONRequest(s.T(), method, path, body)
	} else {
		req = testutil.NewRequest(s.T(), method, path)
	}
	if principal != "" {
		req.Header.Set(headerPrincipal, principal)
	}
	return testutil.DoRequest(s.router, req)
}

func (s *TreeHandlerSuite) TestPutCreatesThenReplaces() {
	rr := s.do(http.MethodPut, "/tenants/blog", "author", nil)
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)

	rr = s.do(http.MethodPut, "/tenants/blog/collections/articles", "author",
		map[string]any{"data": map[string]any{"title": "Articles"}})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)
	got := testutil.UnmarshalResponse[map[string]map[string]any](s.T(), rr)
	s.Equal("articles", (*got)["data"]["id"])
	s.Equal("Articles", (*got)["data"]["title"])
	s.Equal([]any{"author"}, (*got)["permissions"]["write"])

	rr = s.do(http.MethodPut, "/tenants/blog/collections/articles", "author",
		map[string]any{"data": map[string]any{"title": "Posts"}})
	testutil.AssertStatusOK(s.T(), rr)
}

func (s *TreeHandlerSuite) TestPostListAndDelete() {
	s.do(http.MethodPut, "/tenants/blog", "author", nil)
	s.do(http.MethodPut, "/tenants/blog/collections/articles", "author", nil)

	rr := s.do(http.MethodPost, "/tenants/blog/collections/articles/records", "author",
		map[string]any{"data": map[string]any{"id": "a1", "title": "Hello"}})
	testutil.AssertStatus(s.T(), rr, http.StatusCreated)

	rr = s.do(http.MethodPost, "/tenants/blog/collections/articles/records", "author",
		map[string]any{"data": map[string]any{"id": "a1"}})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")

	rr = s.do(http.MethodGet, "/tenants/blog/collections/articles/records", "author", nil)
	testutil.AssertStatusOK(s.T(), rr)
	s.Len(testutil.UnmarshalData(s.T(), rr), 1)

	rr = s.do(http.MethodDelete, "/tenants/blog/collections/articles/records/a1", "author", nil)
	testutil.AssertStatusOK(s.T(), rr)
	tomb := testutil.UnmarshalResponse[map[string]map[string]any](s.T(), rr)
	s.Equal(true, (*tomb)["data"]["deleted"])
	s.Equal("a1", (*tomb)["data"]["id"])

	rr = s.do(http.MethodGet, "/tenants/blog/collections/articles/records/a1", "author", nil)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}

func (s *TreeHandlerSuite) TestErrors() {
	s.do(http.MethodPut, "/tenants/blog", "author", nil)

	rr := s.do(http.MethodGet, "/tenants/blog", "", nil)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")

	rr = s.do(http.MethodGet, "/tenants/blog", "stranger", nil)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")

	req := testutil.NewRequestWithBody(s.T(), http.MethodPut, "/tenants/blog/collections/c", "[1,2]")
	req.Header.Set(headerPrincipal, "author")
	rr = testutil.DoRequest(s.router, req)
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")

	rr = s.do(http.MethodPatch, "/tenants/blog", "author",
		map[string]any{"permissions": map[string]any{"admin": []string{"x"}}})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
}

func (s *TreeHandlerSuite) TestMutationMetrics() {
	s.do(http.MethodPut, "/tenants/blog", "author", nil)
	s.do(http.MethodPut, "/tenants/blog/collections/articles", "author", nil)

	count, err := promtestutil.GatherAndCount(s.reg, "chronicle_tree_mutations_total")
	s.Require().NoError(err)
	s.Equal(2, count, "one series per resource and action")
}

// =============================================================================
// Batch
// =============================================================================

func (s *TreeHandlerSuite) TestBatchRunsInOrderAndKeepsGoing() {
	s.do(http.MethodPut, "/tenants/blog", "author", nil)

	rr := s.do(http.MethodPost, "/batch", "author", map[string]any{
		"defaults": map[string]any{
			"method":  "PUT",
			"body":    map[string]any{"data": map[string]any{"kind": "default"}},
			"headers": map[string]string{headerPrincipal: "author"},
		},
		"requests": []map[string]any{
			{"path": "/tenants/blog/collections/articles"},
			{"path": "/tenants/missing/collections/articles"},
			{"method": "GET", "path": "/tenants/blog/collections/articles"},
		},
	})
	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[struct {
		Responses []subResponse `json:"responses"`
	}](s.T(), rr)
	s.Require().Len(resp.Responses, 3)
	s.Equal(http.StatusCreated, resp.Responses[0].Status)
	s.Equal(http.StatusForbidden, resp.Responses[1].Status)
	s.Equal(http.StatusOK, resp.Responses[2].Status)
	s.Equal("/tenants/blog/collections/articles", resp.Responses[2].Path)
	body := resp.Responses[2].Body.(map[string]any)
	s.Equal("default", body["data"].(map[string]any)["kind"])
}

func (s *TreeHandlerSuite) TestBatchRejectsInvalidRequests() {
	tests := []struct {
		name string
		body any
	}{
		{"empty", map[string]any{"requests": []any{}}},
		{"too many", map[string]any{"requests": []map[string]any{
			{"path": "/a"}, {"path": "/b"}, {"path": "/c"}, {"path": "/d"},
		}}},
		{"bad method", map[string]any{"requests": []map[string]any{{"method": "TRACE", "path": "/a"}}}},
		{"relative path", map[string]any{"requests": []map[string]any{{"path": "tenants/blog"}}}},
		{"recursive", map[string]any{"requests": []map[string]any{{"method": "POST", "path": "/batch"}}}},
		{"not an object", []int{1}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			rr := s.do(http.MethodPost, "/batch", "author", tt.body)
			testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
		})
	}
}

func TestMergeDefaults(t *testing.T) {
	merged := mergeDefaults(
		subRequest{
			Method:  "PATCH",
			Path:    "/tenants/blog",
			Body:    map[string]any{"data": map[string]any{"a": 1, "b": 1}, "permissions": map[string]any{"read": []any{"x"}}},
			Headers: map[string]string{"X-A": "default", "X-B": "default"},
		},
		subRequest{
			Path:    "/tenants/other",
			Body:    map[string]any{"data": map[string]any{"b": 2}},
			Headers: map[string]string{"X-B": "own"},
		},
	)
	assert.Equal(t, "PATCH", merged.Method)
	assert.Equal(t, "/tenants/other", merged.Path)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, merged.Body["data"])
	assert.Equal(t, map[string]any{"read": []any{"x"}}, merged.Body["permissions"])
	assert.Equal(t, map[string]string{"X-A": "default", "X-B": "own"}, merged.Headers)
}

func TestResponseBuffer(t *testing.T) {
	buf := newResponseBuffer()
	buf.WriteHeader(http.StatusCreated)
	buf.WriteHeader(http.StatusTeapot)
	_, err := buf.Write([]byte("{}"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, buf.status)
	assert.Equal(t, "{}", buf.body.String())
}
