package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	hmodels "chronicle/internal/history/models"
	"chronicle/internal/history/permission"
	"chronicle/internal/tenant/models"
	"chronicle/internal/tenant/service/mocks"
	"chronicle/internal/tenant/store"
	dErrors "chronicle/pkg/domain-errors"
	"chronicle/pkg/platform/tx"
	"chronicle/pkg/requestcontext"
)

const (
	author = "basicauth:author"
	alice  = "basicauth:alice"
)

// =============================================================================
// Tree Service Test Suite
// =============================================================================
// Justification for unit tests: the tree decides who may mutate what and what
// every mutation hands to history. The recorder is mocked so each test pins
// the exact events; storage is the real in-memory tree.

type ServiceSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	recorder *mocks.MockRecorder
	store    *store.InMemory
	service  *Service
	now      time.Time
	events   []hmodels.MutationEvent
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.recorder = mocks.NewMockRecorder(s.ctrl)
	s.store = store.NewInMemory()
	s.service = New(s.store,
		WithHistory(tx.Direct, s.recorder),
		WithIDGenerator(func() string { return "generated" }),
	)
	s.now = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	s.events = nil
}

func (s *ServiceSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *ServiceSuite) as(principal string) context.Context {
	ctx := requestcontext.WithTime(context.Background(), s.now)
	if principal != "" {
		ctx = requestcontext.WithPrincipal(ctx, principal)
	}
	return ctx
}

// recordAll accepts every mutation and keeps its event.
func (s *ServiceSuite) recordAll() {
	s.recorder.EXPECT().OnMutation(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, ev hmodels.MutationEvent) (*hmodels.Entry, error) {
			s.events = append(s.events, ev)
			return &hmodels.Entry{}, nil
		}).AnyTimes()
}

func (s *ServiceSuite) lastEvent() hmodels.MutationEvent {
	s.Require().NotEmpty(s.events)
	return s.events[len(s.events)-1]
}

func tenantPath() hmodels.Path {
	return hmodels.Path{TenantID: "test"}
}

func collectionPath(id string) hmodels.Path {
	return hmodels.Path{TenantID: "test", CollectionID: id}
}

func recordPath(id string) hmodels.Path {
	return hmodels.Path{TenantID: "test", CollectionID: "col", RecordID: id}
}

func body(data map[string]any) models.Body {
	return models.Body{Data: data}
}

func (s *ServiceSuite) seed() {
	ctx := s.as(author)
	_, _, err := s.service.Put(ctx, hmodels.KindTenant, tenantPath(), body(nil))
	s.Require().NoError(err)
	_, _, err = s.service.Put(ctx, hmodels.KindCollection, collectionPath("col"), body(nil))
	s.Require().NoError(err)
	_, _, err = s.service.Put(ctx, hmodels.KindRecord, recordPath("rec"), body(map[string]any{"foo": 42.0}))
	s.Require().NoError(err)
}

// =============================================================================
// Mutation events
// =============================================================================

func (s *ServiceSuite) TestPutCreateHandsPostStateToHistory() {
	s.recordAll()
	s.seed()

	s.Require().Len(s.events, 3)
	for i, kind := range []hmodels.ResourceKind{hmodels.KindTenant, hmodels.KindCollection, hmodels.KindRecord} {
		ev := s.events[i]
		s.Equal(kind, ev.Kind)
		s.Equal(hmodels.ActionCreate, ev.Action)
		s.Equal(author, ev.PrincipalID)
		s.Nil(ev.Pre)
		s.Require().NotNil(ev.Post)
		s.Equal([]string{author}, ev.Post.Permissions[permission.PermWrite])
	}
	record := s.events[2].Post
	s.Equal("rec", record.ID)
	s.Equal(42.0, record.Data["foo"])
	s.Equal(s.now.UnixMilli(), record.Data["last_modified"])
}

func (s *ServiceSuite) TestPutUpdateHandsBothStates() {
	s.recordAll()
	s.seed()

	node, created, err := s.service.Put(s.as(author), hmodels.KindRecord, recordPath("rec"), body(map[string]any{"bar": 1.0}))
	s.Require().NoError(err)
	s.False(created)
	s.Equal(map[string]any{"bar": 1.0}, node.Data)
	s.Equal(s.now.UnixMilli()+1, node.LastModified, "strictly above the previous stamp")

	ev := s.lastEvent()
	s.Equal(hmodels.ActionUpdate, ev.Action)
	s.Require().NotNil(ev.Pre)
	s.Equal(42.0, ev.Pre.Data["foo"])
	s.Require().NotNil(ev.Post)
	s.Equal(1.0, ev.Post.Data["bar"])
	s.NotContains(ev.Post.Data, "foo")
}

func (s *ServiceSuite) TestDeleteHandsPreState() {
	s.recordAll()
	s.seed()

	removed, deletedAt, err := s.service.Delete(s.as(author), hmodels.KindCollection, collectionPath("col"))
	s.Require().NoError(err)
	s.Equal("col", removed.ID())
	s.Equal(s.now.UnixMilli(), deletedAt)

	ev := s.lastEvent()
	s.Equal(hmodels.ActionDelete, ev.Action)
	s.Equal(hmodels.KindCollection, ev.Kind)
	s.Require().NotNil(ev.Pre)
	s.Nil(ev.Post)
	s.Len(s.events, 4, "only the collection is recorded")

	_, err = s.store.Get(context.Background(), "/tenants/test/collections/col/records/rec")
	s.Error(err, "records go with their collection")
}

func (s *ServiceSuite) TestFailedCaptureLeavesTreeUntouched() {
	s.recordAll()
	s.seed()

	failing := mocks.NewMockRecorder(s.ctrl)
	failing.EXPECT().OnMutation(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.Wrap(errors.New("disk full"), dErrors.CodeInternal, "failed to record history")).
		Times(3)
	s.service.recorder = failing

	_, _, err := s.service.Put(s.as(author), hmodels.KindCollection, collectionPath("other"), body(nil))
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	_, err = s.store.Get(context.Background(), "/tenants/test/collections/other")
	s.Error(err)

	_, err = s.service.Patch(s.as(author), hmodels.KindRecord, recordPath("rec"), body(map[string]any{"foo": nil}))
	s.Require().Error(err)
	n, err := s.store.Get(context.Background(), "/tenants/test/collections/col/records/rec")
	s.Require().NoError(err)
	s.Equal(42.0, n.Data["foo"])

	_, _, err = s.service.Delete(s.as(author), hmodels.KindCollection, collectionPath("col"))
	s.Require().Error(err)
	_, err = s.store.Get(context.Background(), "/tenants/test/collections/col")
	s.NoError(err)
}

func (s *ServiceSuite) TestRejectedMutationIsNeverRecorded() {
	s.recordAll()
	s.seed()
	// No expectations: any capture fails the test.
	s.service.recorder = mocks.NewMockRecorder(s.ctrl)

	_, _, err := s.service.Put(s.as(alice), hmodels.KindRecord, recordPath("rec"), body(nil))
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	_, _, err = s.service.Put(s.as(""), hmodels.KindRecord, recordPath("rec"), body(nil))
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	_, err = s.service.Create(s.as(author), hmodels.KindRecord, collectionPath("col"), body(map[string]any{"id": "rec"}))
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

// =============================================================================
// Operations
// =============================================================================

func (s *ServiceSuite) TestTenantCreationNeedsAPrincipal() {
	_, _, err := s.service.Put(s.as(""), hmodels.KindTenant, tenantPath(), body(nil))
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *ServiceSuite) TestCreateGeneratesIDs() {
	s.recordAll()
	s.seed()

	n, err := s.service.Create(s.as(author), hmodels.KindRecord, collectionPath("col"), body(map[string]any{"title": "x"}))
	s.Require().NoError(err)
	s.Equal("generated", n.ID())
	s.Equal("/tenants/test/collections/col/records/generated", n.URI())

	n, err = s.service.Create(s.as(author), hmodels.KindRecord, collectionPath("col"), body(map[string]any{"id": "chosen"}))
	s.Require().NoError(err)
	s.Equal("chosen", n.ID())
	s.NotContains(n.Data, "id")
}

func (s *ServiceSuite) TestCreateNeedsParent() {
	s.recordAll()
	s.seed()

	_, err := s.service.Create(s.as(author), hmodels.KindRecord, collectionPath("missing"), body(nil))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestPatchMergesData() {
	s.recordAll()
	s.seed()

	n, err := s.service.Patch(s.as(author), hmodels.KindRecord, recordPath("rec"), models.Body{
		Data:        map[string]any{"foo": nil, "bar": "baz"},
		Permissions: hmodels.Permissions{permission.PermRead: {alice}},
	})
	s.Require().NoError(err)
	s.Equal(map[string]any{"bar": "baz"}, n.Data)
	s.Equal([]string{alice}, n.Permissions[permission.PermRead])
	s.Equal([]string{author}, n.Permissions[permission.PermWrite])
}

func (s *ServiceSuite) TestActorAlwaysKeepsWrite() {
	s.recordAll()
	s.seed()

	n, _, err := s.service.Put(s.as(author), hmodels.KindRecord, recordPath("rec"), models.Body{
		Permissions: hmodels.Permissions{permission.PermWrite: {alice}},
	})
	s.Require().NoError(err)
	s.ElementsMatch([]string{alice, author}, n.Permissions[permission.PermWrite])
}

func (s *ServiceSuite) TestReadThroughAncestorsAndGroups() {
	s.recordAll()
	s.seed()

	_, err := s.service.Get(s.as(alice), hmodels.KindRecord, recordPath("rec"))
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	_, _, err = s.service.Put(s.as(author), hmodels.KindGroup, hmodels.Path{TenantID: "test", GroupID: "readers"},
		body(map[string]any{"members": []any{alice}}))
	s.Require().NoError(err)
	_, err = s.service.Patch(s.as(author), hmodels.KindCollection, collectionPath("col"), models.Body{
		Permissions: hmodels.Permissions{permission.PermRead: {"/tenants/test/groups/readers"}},
	})
	s.Require().NoError(err)

	n, err := s.service.Get(s.as(alice), hmodels.KindRecord, recordPath("rec"))
	s.Require().NoError(err)
	s.Equal("rec", n.ID())

	nodes, err := s.service.List(s.as(alice), hmodels.KindRecord, collectionPath("col"))
	s.Require().NoError(err)
	s.Len(nodes, 1)
}

func (s *ServiceSuite) TestValidation() {
	s.recordAll()
	s.seed()
	ctx := s.as(author)

	tests := []struct {
		name string
		kind hmodels.ResourceKind
		path hmodels.Path
		body models.Body
		code dErrors.Code
	}{
		{"mismatched id", hmodels.KindRecord, recordPath("rec"), body(map[string]any{"id": "other"}), dErrors.CodeValidation},
		{"members not a list", hmodels.KindGroup, hmodels.Path{TenantID: "test", GroupID: "g"}, body(map[string]any{"members": "alice"}), dErrors.CodeValidation},
		{"members not strings", hmodels.KindGroup, hmodels.Path{TenantID: "test", GroupID: "g"}, body(map[string]any{"members": []any{1.0}}), dErrors.CodeValidation},
		{"unknown permission", hmodels.KindRecord, recordPath("rec"), models.Body{Permissions: hmodels.Permissions{"admin": {alice}}}, dErrors.CodeValidation},
		{"invalid identifier", hmodels.KindRecord, recordPath("a?b"), body(nil), dErrors.CodeBadRequest},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, _, err := s.service.Put(ctx, tt.kind, tt.path, tt.body)
			s.True(dErrors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func (s *ServiceSuite) TestCancelledContextAbortsMutation() {
	ctx, cancel := context.WithCancel(s.as(author))
	cancel()
	_, _, err := s.service.Put(ctx, hmodels.KindTenant, tenantPath(), body(nil))
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

// =============================================================================
// Permission reader
// =============================================================================

func (s *ServiceSuite) TestPermissionReader() {
	s.recordAll()
	s.seed()
	ctx := context.Background()

	perms, err := s.service.TenantPermissions(ctx, "test")
	s.Require().NoError(err)
	s.Equal([]string{author}, perms[permission.PermWrite])

	_, err = s.service.TenantPermissions(ctx, "missing")
	s.Error(err)

	grants, err := s.service.ObjectPermissions(ctx, "test")
	s.Require().NoError(err)
	s.Len(grants, 2, "collection and record")

	_, _, err = s.service.Put(s.as(author), hmodels.KindGroup, hmodels.Path{TenantID: "test", GroupID: "readers"},
		body(map[string]any{"members": []any{alice}}))
	s.Require().NoError(err)
	groups, err := s.service.MemberGroups(ctx, "test", alice)
	s.Require().NoError(err)
	s.Equal([]string{"/tenants/test/groups/readers"}, groups)
}
