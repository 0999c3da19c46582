package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/demandcast/demandcast/internal/database"
	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/models"
)

type RegistryTestSuite struct {
	suite.Suite
	db  *gorm.DB
	reg *Registry
	ctx context.Context
}

func (s *RegistryTestSuite) SetupTest() {
	db, err := database.NewTestDB()
	s.Require().NoError(err)
	s.db = db

	blobDB, err := database.NewBadgerDB("", true)
	s.Require().NoError(err)
	s.T().Cleanup(func() { blobDB.Close() })

	s.reg = NewRegistry(db, NewBadgerBlobStore(blobDB), nil, zaptest.NewLogger(s.T()))
	s.ctx = context.Background()
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

func (s *RegistryTestSuite) candidate(scope string) *models.ModelArtifact {
	return &models.ModelArtifact{
		ID:          uuid.New(),
		EntityScope: scope,
		Family:      "climate-ridge",
		Status:      models.ModelStatusCandidate,
		TrainedAt:   time.Now().UTC(),
	}
}

func (s *RegistryTestSuite) TestRegisterAssignsMonotonicVersions() {
	a := s.candidate("in/north")
	b := s.candidate("in/north")
	other := s.candidate("in/south")

	s.Require().NoError(s.reg.Register(s.ctx, a, []byte(`{"w":[1]}`)))
	s.Require().NoError(s.reg.Register(s.ctx, b, []byte(`{"w":[2]}`)))
	s.Require().NoError(s.reg.Register(s.ctx, other, []byte(`{"w":[3]}`)))

	s.Equal(1, a.Version)
	s.Equal(2, b.Version)
	s.Equal(1, other.Version)

	params, err := s.reg.Params(s.ctx, b.ID)
	s.Require().NoError(err)
	s.JSONEq(`{"w":[2]}`, string(params))
}

func (s *RegistryTestSuite) TestRegisterRejectsActiveStatus() {
	a := s.candidate("in/north")
	a.Status = models.ModelStatusActive
	err := s.reg.Register(s.ctx, a, nil)
	s.True(apperrors.Is(err, apperrors.Validation))
}

func (s *RegistryTestSuite) TestGetActiveWithoutPromotion() {
	_, err := s.reg.GetActive(s.ctx, "in/never-trained")
	s.True(apperrors.Is(err, apperrors.NoActiveModel))
}

func (s *RegistryTestSuite) TestPromoteDemotesPriorActive() {
	first := s.candidate("in/north")
	second := s.candidate("in/north")
	s.Require().NoError(s.reg.Register(s.ctx, first, nil))
	s.Require().NoError(s.reg.Register(s.ctx, second, nil))

	s.Require().NoError(s.reg.Promote(s.ctx, first.ID))
	active, err := s.reg.GetActive(s.ctx, "in/north")
	s.Require().NoError(err)
	s.Equal(first.ID, active.ID)

	s.Require().NoError(s.reg.Promote(s.ctx, second.ID))
	active, err = s.reg.GetActive(s.ctx, "in/north")
	s.Require().NoError(err)
	s.Equal(second.ID, active.ID)

	demoted, err := s.reg.Get(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(models.ModelStatusRetired, demoted.Status)

	s.Equal(int64(1), s.countActive("in/north"))
}

func (s *RegistryTestSuite) TestRollbackIsPromoteOfRetired() {
	first := s.candidate("in/north")
	second := s.candidate("in/north")
	s.Require().NoError(s.reg.Register(s.ctx, first, nil))
	s.Require().NoError(s.reg.Register(s.ctx, second, nil))
	s.Require().NoError(s.reg.Promote(s.ctx, first.ID))
	s.Require().NoError(s.reg.Promote(s.ctx, second.ID))

	// Roll back to the retired first version.
	s.Require().NoError(s.reg.Promote(s.ctx, first.ID))

	active, err := s.reg.GetActive(s.ctx, "in/north")
	s.Require().NoError(err)
	s.Equal(first.ID, active.ID)
	s.Equal(int64(1), s.countActive("in/north"))
}

func (s *RegistryTestSuite) TestPromoteActiveIsRejected() {
	a := s.candidate("in/north")
	s.Require().NoError(s.reg.Register(s.ctx, a, nil))
	s.Require().NoError(s.reg.Promote(s.ctx, a.ID))
	err := s.reg.Promote(s.ctx, a.ID)
	s.True(apperrors.Is(err, apperrors.Validation))
}

func (s *RegistryTestSuite) TestDiscardRemovesOnlyTrainingArtifacts() {
	partial := s.candidate("in/north")
	partial.Status = models.ModelStatusTraining
	s.Require().NoError(s.reg.Register(s.ctx, partial, []byte(`{"partial":true}`)))
	s.Require().NoError(s.reg.Discard(s.ctx, partial.ID))

	_, err := s.reg.Get(s.ctx, partial.ID)
	s.True(apperrors.Is(err, apperrors.NotFound))

	done := s.candidate("in/north")
	s.Require().NoError(s.reg.Register(s.ctx, done, nil))
	s.Require().NoError(s.reg.Discard(s.ctx, done.ID))
	_, err = s.reg.Get(s.ctx, done.ID)
	s.NoError(err)
}

// TestConcurrentPromotionStress drives many goroutines promoting competing
// candidates for one scope and checks the invariant that no observed
// instant has more than one active artifact.
func (s *RegistryTestSuite) TestConcurrentPromotionStress() {
	const contenders = 16
	ids := make([]uuid.UUID, 0, contenders)
	for i := 0; i < contenders; i++ {
		a := s.candidate("in/contested")
		s.Require().NoError(s.reg.Register(s.ctx, a, nil))
		ids = append(ids, a.ID)
	}

	stop := make(chan struct{})
	var observer sync.WaitGroup
	observer.Add(1)
	go func() {
		defer observer.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.LessOrEqual(s.countActive("in/contested"), int64(1))
			}
		}
	}()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			err := s.reg.Promote(s.ctx, id)
			if err != nil {
				// Lost races and already-active rejections are expected.
				s.True(apperrors.Is(err, apperrors.PromotionConflict) || apperrors.Is(err, apperrors.Validation))
			}
		}(id)
	}
	wg.Wait()
	close(stop)
	observer.Wait()

	s.Equal(int64(1), s.countActive("in/contested"))

	active, err := s.reg.GetActive(s.ctx, "in/contested")
	s.Require().NoError(err)
	s.Equal(models.ModelStatusActive, active.Status)
}

func (s *RegistryTestSuite) countActive(scope string) int64 {
	var n int64
	s.Require().NoError(s.db.Model(&models.ModelArtifact{}).
		Where("entity_scope = ? AND status = ?", scope, models.ModelStatusActive).
		Count(&n).Error)
	return n
}
