package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"chronicle/internal/history/models"
	"chronicle/pkg/platform/sentinel"
)

// StoreSuite exercises the Store contract. Backends embed it and provide a
// fresh store per test.
type StoreSuite struct {
	suite.Suite
	newStore func() Store
	store    Store
	ctx      context.Context
	base     time.Time
}

func (s *StoreSuite) SetupTest() {
	s.store = s.newStore()
	s.ctx = context.Background()
	s.base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (s *StoreSuite) newEntry(tenantID string, at time.Time) *models.Entry {
	id := uuid.NewString()
	return &models.Entry{
		ID:           id,
		TenantID:     tenantID,
		CollectionID: "c1",
		RecordID:     id,
		ResourceKind: models.KindRecord,
		Action:       models.ActionCreate,
		Target: models.Target{
			Data:        map[string]any{"id": id, "title": "hello"},
			Permissions: models.Permissions{"write": {"basicauth:alice"}},
		},
		URI:         "/tenants/" + tenantID + "/collections/c1/records/" + id,
		PrincipalID: "basicauth:alice",
		EventTime:   models.NewTimestamp(at),
	}
}

func (s *StoreSuite) seed(tenantID string, n int) []*models.Entry {
	s.Require().NoError(s.store.CreatePartition(s.ctx, tenantID))
	entries := make([]*models.Entry, 0, n)
	for i := 0; i < n; i++ {
		e := s.newEntry(tenantID, s.base.Add(time.Duration(i)*time.Second))
		s.Require().NoError(s.store.Append(s.ctx, e))
		entries = append(entries, e)
	}
	return entries
}

func (s *StoreSuite) collect(tenantID string, opts ScanOptions) []int64 {
	var keys []int64
	for e, err := range s.store.Scan(s.ctx, tenantID, opts) {
		s.Require().NoError(err)
		keys = append(keys, e.SortKey)
	}
	return keys
}

func (s *StoreSuite) TestAppend() {
	s.Run("assigns strictly increasing sort keys", func() {
		entries := s.seed("t-append", 3)
		for i, e := range entries {
			s.Equal(int64(i+1), e.SortKey)
		}
		head, err := s.store.Head(s.ctx, "t-append")
		s.Require().NoError(err)
		s.Equal(int64(3), head)
	})

	s.Run("round trips every field", func() {
		e := s.seed("t-roundtrip", 1)[0]
		var got *models.Entry
		for entry, err := range s.store.Scan(s.ctx, "t-roundtrip", ScanOptions{}) {
			s.Require().NoError(err)
			got = entry
		}
		s.Require().NotNil(got)
		s.Equal(e.ID, got.ID)
		s.Equal(e.URI, got.URI)
		s.Equal(e.PrincipalID, got.PrincipalID)
		s.Equal(e.ResourceKind, got.ResourceKind)
		s.Equal("hello", got.Target.Data["title"])
		s.Equal([]string{"basicauth:alice"}, got.Target.Permissions["write"])
		s.True(e.EventTime.Equal(got.EventTime.Time))
	})

	s.Run("fails without a partition", func() {
		err := s.store.Append(s.ctx, s.newEntry("t-missing", s.base))
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rejects a duplicate entry id", func() {
		e := s.seed("t-dup", 1)[0]
		dup := s.newEntry("t-dup", s.base)
		dup.ID = e.ID
		s.Require().ErrorIs(s.store.Append(s.ctx, dup), sentinel.ErrConflict)
	})

	s.Run("clamps event time to the partition's latest", func() {
		s.Require().NoError(s.store.CreatePartition(s.ctx, "t-clock"))
		late := s.newEntry("t-clock", s.base.Add(time.Minute))
		early := s.newEntry("t-clock", s.base)
		s.Require().NoError(s.store.Append(s.ctx, late))
		s.Require().NoError(s.store.Append(s.ctx, early))
		s.True(early.EventTime.Equal(late.EventTime.Time))
	})
}

func (s *StoreSuite) TestCreatePartitionTwice() {
	s.Require().NoError(s.store.CreatePartition(s.ctx, "t-twice"))
	s.Require().ErrorIs(s.store.CreatePartition(s.ctx, "t-twice"), sentinel.ErrConflict)
}

func (s *StoreSuite) TestCascadeDelete() {
	s.seed("t-gone", 4)
	s.seed("t-kept", 2)

	s.Require().NoError(s.store.CascadeDelete(s.ctx, "t-gone"))

	s.Empty(s.collect("t-gone", ScanOptions{}))
	s.Len(s.collect("t-kept", ScanOptions{}), 2)
	head, err := s.store.Head(s.ctx, "t-gone")
	s.Require().NoError(err)
	s.Zero(head)

	s.Require().ErrorIs(s.store.Append(s.ctx, s.newEntry("t-gone", s.base)), sentinel.ErrNotFound)
	s.Require().ErrorIs(s.store.CascadeDelete(s.ctx, "t-gone"), sentinel.ErrNotFound)

	s.Run("a recreated tenant starts a fresh sequence", func() {
		entries := s.seed("t-gone", 1)
		s.Equal(int64(1), entries[0].SortKey)
	})
}

func (s *StoreSuite) TestTransactions() {
	s.Run("rollback discards staged writes", func() {
		s.Require().NoError(s.store.CreatePartition(s.ctx, "t-rollback"))
		boom := errors.New("mutation failed")
		err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
			if err := s.store.Append(ctx, s.newEntry("t-rollback", s.base)); err != nil {
				return err
			}
			return boom
		})
		s.Require().ErrorIs(err, boom)
		s.Empty(s.collect("t-rollback", ScanOptions{}))
	})

	s.Run("a failing write aborts the whole transaction", func() {
		existing := s.seed("t-atomic", 1)[0]
		err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
			if err := s.store.Append(ctx, s.newEntry("t-atomic", s.base)); err != nil {
				return err
			}
			dup := s.newEntry("t-atomic", s.base)
			dup.ID = existing.ID
			return s.store.Append(ctx, dup)
		})
		s.Require().ErrorIs(err, sentinel.ErrConflict)
		s.Equal([]int64{1}, s.collect("t-atomic", ScanOptions{}))
	})

	s.Run("create and append commit together", func() {
		e := s.newEntry("t-fresh", s.base)
		err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
			if err := s.store.CreatePartition(ctx, "t-fresh"); err != nil {
				return err
			}
			return s.store.Append(ctx, e)
		})
		s.Require().NoError(err)
		s.Equal(int64(1), e.SortKey)
		s.Equal([]int64{1}, s.collect("t-fresh", ScanOptions{}))
	})

	s.Run("append then cascade leaves no partition", func() {
		s.seed("t-delete", 2)
		err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
			if err := s.store.Append(ctx, s.newEntry("t-delete", s.base)); err != nil {
				return err
			}
			return s.store.CascadeDelete(ctx, "t-delete")
		})
		s.Require().NoError(err)
		s.Empty(s.collect("t-delete", ScanOptions{}))
		s.Require().ErrorIs(s.store.Append(s.ctx, s.newEntry("t-delete", s.base)), sentinel.ErrNotFound)
	})

	s.Run("nested transactions join the outer one", func() {
		s.Require().NoError(s.store.CreatePartition(s.ctx, "t-nested"))
		boom := errors.New("outer failed")
		err := s.store.RunInTx(s.ctx, func(ctx context.Context) error {
			inner := s.store.RunInTx(ctx, func(ctx context.Context) error {
				return s.store.Append(ctx, s.newEntry("t-nested", s.base))
			})
			s.Require().NoError(inner)
			return boom
		})
		s.Require().ErrorIs(err, boom)
		s.Empty(s.collect("t-nested", ScanOptions{}))
	})
}

func (s *StoreSuite) TestScan() {
	s.seed("t-scan", 5)

	s.Run("descending", func() {
		s.Equal([]int64{5, 4, 3, 2, 1}, s.collect("t-scan", ScanOptions{Descending: true}))
	})

	s.Run("ascending within exclusive bounds", func() {
		s.Equal([]int64{3, 4}, s.collect("t-scan", ScanOptions{After: 2, Before: 5}))
	})

	s.Run("descending below a bound", func() {
		s.Equal([]int64{2, 1}, s.collect("t-scan", ScanOptions{Descending: true, Before: 3}))
	})

	s.Run("stops when the consumer stops", func() {
		var keys []int64
		for e, err := range s.store.Scan(s.ctx, "t-scan", ScanOptions{Descending: true}) {
			s.Require().NoError(err)
			keys = append(keys, e.SortKey)
			if len(keys) == 2 {
				break
			}
		}
		s.Equal([]int64{5, 4}, keys)
	})

	s.Run("missing partition yields nothing", func() {
		s.Empty(s.collect("t-nobody", ScanOptions{}))
	})

	s.Run("cancelled context surfaces an error", func() {
		ctx, cancel := context.WithCancel(s.ctx)
		cancel()
		var gotErr error
		for _, err := range s.store.Scan(ctx, "t-scan", ScanOptions{}) {
			if err != nil {
				gotErr = err
				break
			}
		}
		s.Error(gotErr)
	})
}

func (s *StoreSuite) TestScanCrossesBatches() {
	total := scanBatchSize*2 + 17
	s.seed("t-big", total)

	asc := s.collect("t-big", ScanOptions{})
	s.Require().Len(asc, total)
	for i, key := range asc {
		s.Equal(int64(i+1), key)
	}

	desc := s.collect("t-big", ScanOptions{Descending: true, Before: int64(total)})
	s.Require().Len(desc, total-1)
	s.Equal(int64(total-1), desc[0])
	s.Equal(int64(1), desc[len(desc)-1])
}

func (s *StoreSuite) TestConcurrentAppends() {
	s.Require().NoError(s.store.CreatePartition(s.ctx, "t-race"))
	const workers, perWorker = 8, 10

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- s.store.Append(s.ctx, s.newEntry("t-race", s.base))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	keys := s.collect("t-race", ScanOptions{})
	s.Require().Len(keys, workers*perWorker)
	for i, key := range keys {
		s.Equal(int64(i+1), key)
	}
}

func (s *StoreSuite) TestCascadeRacesAppends() {
	s.Require().NoError(s.store.CreatePartition(s.ctx, "t-doomed"))
	const workers, perWorker = 8, 20

	type result struct {
		id  string
		err error
	}
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan result, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < perWorker; i++ {
				e := s.newEntry("t-doomed", s.base)
				results <- result{id: e.ID, err: s.store.Append(s.ctx, e)}
			}
		}()
	}
	cascadeErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		cascadeErr <- s.store.CascadeDelete(s.ctx, "t-doomed")
	}()
	close(start)
	wg.Wait()
	close(results)

	s.Require().NoError(<-cascadeErr)
	var appended []string
	for r := range results {
		if r.err != nil {
			s.Require().ErrorIs(r.err, sentinel.ErrNotFound)
			continue
		}
		appended = append(appended, r.id)
	}

	s.Empty(s.collect("t-doomed", ScanOptions{}))
	head, err := s.store.Head(s.ctx, "t-doomed")
	s.Require().NoError(err)
	s.Zero(head)

	// Ids of dropped entries are released with the partition.
	s.Require().NoError(s.store.CreatePartition(s.ctx, "t-doomed"))
	for _, id := range appended {
		e := s.newEntry("t-doomed", s.base)
		e.ID = id
		s.Require().NoError(s.store.Append(s.ctx, e))
	}
	s.Len(s.collect("t-doomed", ScanOptions{}), len(appended))
}
