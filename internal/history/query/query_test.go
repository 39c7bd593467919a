package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"chronicle/internal/history/models"
	"chronicle/internal/history/permission"
	"chronicle/internal/history/store"
	dErrors "chronicle/pkg/domain-errors"
)

var full = permission.Scope{Level: permission.LevelFull}

type QuerySuite struct {
	suite.Suite
	store  *store.InMemory
	engine *Engine
	ctx    context.Context
	n      int
}

func TestQuerySuite(t *testing.T) {
	suite.Run(t, new(QuerySuite))
}

func (s *QuerySuite) SetupTest() {
	s.store = store.NewInMemory()
	s.engine = New(s.store, WithMaxPageSize(50))
	s.ctx = context.Background()
	s.n = 0
	s.Require().NoError(s.store.CreatePartition(s.ctx, "blog"))
}

// add appends an entry for a record (or the collection when recordID is "").
func (s *QuerySuite) add(action models.Action, collectionID, recordID string) *models.Entry {
	s.n++
	path := models.Path{TenantID: "blog", CollectionID: collectionID, RecordID: recordID}
	kind := models.KindRecord
	if recordID == "" {
		kind = models.KindCollection
	}
	e := &models.Entry{
		ID:           fmt.Sprintf("e%03d", s.n),
		TenantID:     "blog",
		CollectionID: collectionID,
		RecordID:     recordID,
		ResourceKind: kind,
		Action:       action,
		Target:       models.Target{Data: map[string]any{"id": path.Leaf(kind)}, Permissions: models.Permissions{}},
		URI:          path.URI(kind),
		PrincipalID:  "basicauth:author",
		EventTime:    models.NewTimestamp(time.Date(2026, 1, 1, 0, 0, s.n, 0, time.UTC)),
	}
	s.Require().NoError(s.store.Append(s.ctx, e))
	return e
}

func (s *QuerySuite) seedRecords(n int) {
	for i := 0; i < n; i++ {
		s.add(models.ActionCreate, "articles", fmt.Sprintf("r%d", i))
	}
}

func sortKeys(page *Page) []int64 {
	keys := make([]int64, len(page.Items))
	for i, item := range page.Items {
		keys[i] = item["sort_key"].(int64)
	}
	return keys
}

func (s *QuerySuite) requireCode(err error, code dErrors.Code, param string) {
	s.Require().Error(err)
	s.Equal(code, dErrors.CodeOf(err))
	if param != "" {
		s.Contains(dErrors.MessageOf(err), param)
	}
}

// =============================================================================
// Ordering and Pagination
// =============================================================================

func (s *QuerySuite) TestDefaultOrderIsNewestFirst() {
	s.seedRecords(3)

	page, err := s.engine.Query(s.ctx, "blog", full, Request{})
	s.Require().NoError(err)
	s.Equal([]int64{3, 2, 1}, sortKeys(page))
	s.Nil(page.NextCursor)
}

func (s *QuerySuite) TestEventTimeSortMatchesSortKey() {
	s.seedRecords(3)

	page, err := s.engine.Query(s.ctx, "blog", full, Request{Sort: EventTimeAsc})
	s.Require().NoError(err)
	s.Equal([]int64{1, 2, 3}, sortKeys(page))
}

func (s *QuerySuite) TestPaginationVisitsEveryEntryOnce() {
	s.seedRecords(7)

	for _, sort := range []string{SortKeyDesc, SortKeyAsc} {
		s.Run(sort, func() {
			var seen []int64
			req := Request{Sort: sort, Limit: 3}
			pages := 0
			for {
				page, err := s.engine.Query(s.ctx, "blog", full, req)
				s.Require().NoError(err)
				seen = append(seen, sortKeys(page)...)
				pages++
				if page.NextCursor == nil {
					break
				}
				req.Cursor = page.NextCursor
			}
			s.Equal(3, pages)
			s.Len(seen, 7)
			if sort == SortKeyAsc {
				s.Equal([]int64{1, 2, 3, 4, 5, 6, 7}, seen)
			} else {
				s.Equal([]int64{7, 6, 5, 4, 3, 2, 1}, seen)
			}
		})
	}
}

func (s *QuerySuite) TestExactPageHasNoCursor() {
	s.seedRecords(4)

	page, err := s.engine.Query(s.ctx, "blog", full, Request{Limit: 4})
	s.Require().NoError(err)
	s.Len(page.Items, 4)
	s.Nil(page.NextCursor)
}

func (s *QuerySuite) TestConcurrentAppendsStayOutOfTheSequence() {
	s.seedRecords(4)

	for _, sort := range []string{SortKeyDesc, SortKeyAsc} {
		s.Run(sort, func() {
			first, err := s.engine.Query(s.ctx, "blog", full, Request{Sort: sort, Limit: 2})
			s.Require().NoError(err)
			s.Require().NotNil(first.NextCursor)

			s.add(models.ActionUpdate, "articles", "r0")

			var rest []int64
			req := Request{Sort: sort, Limit: 2, Cursor: first.NextCursor}
			for {
				page, err := s.engine.Query(s.ctx, "blog", full, req)
				s.Require().NoError(err)
				rest = append(rest, sortKeys(page)...)
				if page.NextCursor == nil {
					break
				}
				req.Cursor = page.NextCursor
			}
			s.Len(append(sortKeys(first), rest...), s.n-1, "only the entry appended mid-sequence is missing")
		})
	}
}

func (s *QuerySuite) TestLimit() {
	s.seedRecords(60)

	s.Run("defaults to 25", func() {
		page, err := s.engine.Query(s.ctx, "blog", full, Request{})
		s.Require().NoError(err)
		s.Len(page.Items, DefaultPageSize)
	})

	s.Run("is capped by the max page size", func() {
		page, err := s.engine.Query(s.ctx, "blog", full, Request{Limit: 500})
		s.Require().NoError(err)
		s.Len(page.Items, 50)
		s.NotNil(page.NextCursor)
	})

	s.Run("rejects negatives", func() {
		_, err := s.engine.Query(s.ctx, "blog", full, Request{Limit: -1})
		s.requireCode(err, dErrors.CodeInvalidFilter, "_limit")
	})
}

func (s *QuerySuite) TestCursorMustMatchSort() {
	_, err := s.engine.Query(s.ctx, "blog", full, Request{
		Sort:   SortKeyAsc,
		Cursor: &models.Cursor{Last: 3, Snapshot: 9, Descending: true},
	})
	s.requireCode(err, dErrors.CodeInvalidFilter, "_token")
}

func (s *QuerySuite) TestUnknownSort() {
	_, err := s.engine.Query(s.ctx, "blog", full, Request{Sort: "-uri"})
	s.requireCode(err, dErrors.CodeInvalidFilter, "_sort")
}

// =============================================================================
// Filters
// =============================================================================

func (s *QuerySuite) TestFilters() {
	s.add(models.ActionCreate, "articles", "")
	s.add(models.ActionCreate, "articles", "r1")
	s.add(models.ActionUpdate, "articles", "r1")
	s.add(models.ActionCreate, "drafts", "")
	s.add(models.ActionDelete, "articles", "r1")

	cases := []struct {
		name    string
		filters map[string]string
		want    []int64
	}{
		{"action", map[string]string{"action": "update"}, []int64{3}},
		{"resource", map[string]string{"resource_name": "collection"}, []int64{4, 1}},
		{"uri", map[string]string{"uri": "/tenants/blog/collections/articles/records/r1"}, []int64{5, 3, 2}},
		{"collection", map[string]string{"collection_id": "drafts"}, []int64{4}},
		{"bucket alias", map[string]string{"bucket_id": "blog", "record_id": "r1"}, []int64{5, 3, 2}},
		{"conjunction", map[string]string{"action": "create", "collection_id": "articles"}, []int64{2, 1}},
		{"conflicting aliases", map[string]string{"bucket_id": "blog", "tenant_id": "other"}, []int64{}},
		{"no match", map[string]string{"principal_id": "basicauth:nobody"}, []int64{}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			page, err := s.engine.Query(s.ctx, "blog", full, Request{Filters: tc.filters})
			s.Require().NoError(err)
			s.Equal(tc.want, sortKeys(page))
		})
	}
}

func (s *QuerySuite) TestInvalidFilters() {
	_, err := s.engine.Query(s.ctx, "blog", full, Request{Filters: map[string]string{"colour": "red"}})
	s.requireCode(err, dErrors.CodeInvalidFilter, "colour")

	_, err = s.engine.Query(s.ctx, "blog", full, Request{Filters: map[string]string{"action": "read"}})
	s.requireCode(err, dErrors.CodeInvalidFilter, "action")

	_, err = s.engine.Query(s.ctx, "blog", full, Request{Filters: map[string]string{"resource_name": "bucket"}})
	s.requireCode(err, dErrors.CodeInvalidFilter, "resource_name")
}

func (s *QuerySuite) TestFiltersApplyBeforePagination() {
	for i := 0; i < 10; i++ {
		s.add(models.ActionCreate, "articles", fmt.Sprintf("r%d", i))
		s.add(models.ActionUpdate, "articles", fmt.Sprintf("r%d", i))
	}

	page, err := s.engine.Query(s.ctx, "blog", full, Request{
		Filters: map[string]string{"action": "update"},
		Limit:   4,
	})
	s.Require().NoError(err)
	s.Equal([]int64{20, 18, 16, 14}, sortKeys(page))
	s.Require().NotNil(page.NextCursor)

	next, err := s.engine.Query(s.ctx, "blog", full, Request{
		Filters: map[string]string{"action": "update"},
		Limit:   4,
		Cursor:  page.NextCursor,
	})
	s.Require().NoError(err)
	s.Equal([]int64{12, 10, 8, 6}, sortKeys(next))
}

// =============================================================================
// Scope and Projection
// =============================================================================

func (s *QuerySuite) TestPartialScope() {
	s.add(models.ActionCreate, "articles", "")
	s.add(models.ActionCreate, "articles", "r1")
	s.add(models.ActionCreate, "articles-old", "")
	s.add(models.ActionCreate, "drafts", "r2")

	scope := permission.Scope{Level: permission.LevelPartial, Prefixes: []string{"/tenants/blog/collections/articles"}}
	page, err := s.engine.Query(s.ctx, "blog", scope, Request{})
	s.Require().NoError(err)
	s.Equal([]int64{2, 1}, sortKeys(page))
}

func (s *QuerySuite) TestNoScopeYieldsNothing() {
	s.seedRecords(2)
	page, err := s.engine.Query(s.ctx, "blog", permission.Scope{}, Request{})
	s.Require().NoError(err)
	s.Empty(page.Items)
}

func (s *QuerySuite) TestProjection() {
	s.seedRecords(1)

	page, err := s.engine.Query(s.ctx, "blog", full, Request{Fields: []string{"uri", "action"}})
	s.Require().NoError(err)
	s.Require().Len(page.Items, 1)
	s.Equal(map[string]any{
		"id":       "e001",
		"sort_key": int64(1),
		"uri":      "/tenants/blog/collections/articles/records/r0",
		"action":   "create",
	}, page.Items[0])

	_, err = s.engine.Query(s.ctx, "blog", full, Request{Fields: []string{"password"}})
	s.requireCode(err, dErrors.CodeInvalidFilter, "_fields")
}

func (s *QuerySuite) TestEmptyTenant() {
	for _, sort := range []string{SortKeyDesc, SortKeyAsc} {
		page, err := s.engine.Query(s.ctx, "blog", full, Request{Sort: sort})
		s.Require().NoError(err)
		s.NotNil(page.Items)
		s.Empty(page.Items)
		s.Nil(page.NextCursor)
	}
}

func (s *QuerySuite) TestCancelledQuery() {
	s.seedRecords(3)
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.engine.Query(ctx, "blog", full, Request{})
	s.requireCode(err, dErrors.CodeTimeout, "")
}
