package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/demandcast/demandcast/internal/alerting"
	"github.com/demandcast/demandcast/internal/config"
	"github.com/demandcast/demandcast/internal/database"
	"github.com/demandcast/demandcast/internal/drift"
	"github.com/demandcast/demandcast/internal/featurestore"
	"github.com/demandcast/demandcast/internal/forecast"
	"github.com/demandcast/demandcast/internal/registry"
)

type ServerTestSuite struct {
	suite.Suite
	server *Server
	store  *featurestore.Store
	reg    *registry.Registry
	engine *forecast.Engine
	ctx    context.Context
}

func (s *ServerTestSuite) SetupTest() {
	gin.SetMode(gin.TestMode)

	db, err := database.NewTestDB()
	s.Require().NoError(err)
	blobDB, err := database.NewBadgerDB("", true)
	s.Require().NoError(err)
	s.T().Cleanup(func() { blobDB.Close() })

	logger := zaptest.NewLogger(s.T())
	s.store = featurestore.NewStore(db, logger)
	s.reg = registry.NewRegistry(db, registry.NewBadgerBlobStore(blobDB), nil, logger)
	s.engine = forecast.NewEngine(db, s.store, s.reg, config.ForecastConfig{
		TargetFeature: "sales",
		Family:        forecast.FamilyClimateRidge,
		Ridge:         1.0,
		Regressors:    []string{"climate_anomaly"},
		Coverage:      0.80,
		MinSamples:    30,
		Seed:          42,
	}, logger)
	monitor := drift.NewMonitor(db, alerting.NewNoopSink(logger), config.DriftConfig{
		WindowSize:        5,
		ThresholdLow:      0.10,
		ThresholdHigh:     0.20,
		BreachConsecutive: 3,
	}, logger)

	s.server, err = NewServer(logger, s.store, s.reg, s.engine, monitor, config.ServerConfig{
		Host:      "127.0.0.1",
		Port:      0,
		RateLimit: "10000-M",
	})
	s.Require().NoError(err)
	s.ctx = context.Background()
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.server.Router().ServeHTTP(w, req)
	return w
}

func (s *ServerTestSuite) decode(w *httptest.ResponseRecorder) map[string]any {
	var out map[string]any
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func apiDay(n int) time.Time {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

// seedAndActivate ingests history through the API, trains, and promotes.
func (s *ServerTestSuite) seedAndActivate(entityID string, days int) {
	var records []map[string]any
	for i := 0; i < days; i++ {
		climate := 0.5 * math.Sin(2*math.Pi*float64(i)/45)
		records = append(records, map[string]any{
			"timestamp": apiDay(i),
			"features": map[string]float64{
				"sales":           240 + 0.2*float64(i) + 25*math.Sin(2*math.Pi*float64(i)/7) + 10*climate,
				"climate_anomaly": climate,
			},
		})
	}
	w := s.do(http.MethodPost, "/api/v1/ingest/features", map[string]any{
		"entity_id":      entityID,
		"hierarchy_path": "in/north/festive-bundles",
		"records":        records,
	})
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())

	artifact, err := s.engine.Train(s.ctx, entityID, apiDay(0), apiDay(days-15))
	s.Require().NoError(err)
	s.Require().NoError(s.reg.Promote(s.ctx, artifact.ID))
}

func (s *ServerTestSuite) TestForecastHappyPath() {
	s.seedAndActivate("north-diwali-bundle", 114)

	path := fmt.Sprintf("/api/v1/forecast/north-diwali-bundle?horizon=14&start=%s",
		apiDay(100).Format(time.RFC3339))
	w := s.do(http.MethodGet, path, nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())

	resp := s.decode(w)
	points := resp["points"].([]any)
	s.Len(points, 14)
	first := points[0].(map[string]any)
	s.Less(first["low"].(float64), first["high"].(float64))
	s.InDelta(0.80, resp["coverage"].(float64), 1e-9)
}

func (s *ServerTestSuite) TestForecastUnknownEntity404() {
	w := s.do(http.MethodGet, "/api/v1/forecast/ghost", nil)
	s.Equal(http.StatusNotFound, w.Code)
	s.Contains(s.decode(w)["type"], "not_found")
}

func (s *ServerTestSuite) TestForecastNoActiveModel404() {
	w := s.do(http.MethodPost, "/api/v1/ingest/features", map[string]any{
		"entity_id":      "unmodeled",
		"hierarchy_path": "in/south/beverages",
		"records": []map[string]any{
			{"timestamp": apiDay(0), "features": map[string]float64{"sales": 10}},
		},
	})
	s.Require().Equal(http.StatusAccepted, w.Code)

	w = s.do(http.MethodGet, "/api/v1/forecast/unmodeled", nil)
	s.Equal(http.StatusNotFound, w.Code)
	s.Contains(s.decode(w)["type"], "no_active_model")
}

func (s *ServerTestSuite) TestForecastMissingRegressor422() {
	s.seedAndActivate("north-diwali-bundle", 114)

	// No climate covariate ingested beyond day 113.
	path := fmt.Sprintf("/api/v1/forecast/north-diwali-bundle?horizon=7&start=%s",
		apiDay(114).Format(time.RFC3339))
	w := s.do(http.MethodGet, path, nil)
	s.Equal(http.StatusUnprocessableEntity, w.Code)
	s.Contains(s.decode(w)["type"], "missing_regressor")
}

func (s *ServerTestSuite) TestForecastRejectsBadHorizon() {
	s.seedAndActivate("north-diwali-bundle", 114)

	w := s.do(http.MethodGet, "/api/v1/forecast/north-diwali-bundle?horizon=0", nil)
	s.Equal(http.StatusBadRequest, w.Code)
	w = s.do(http.MethodGet, "/api/v1/forecast/north-diwali-bundle?horizon=banana", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ServerTestSuite) TestActualsPairWithPredictions() {
	s.seedAndActivate("north-diwali-bundle", 114)

	path := fmt.Sprintf("/api/v1/forecast/north-diwali-bundle?horizon=14&start=%s",
		apiDay(100).Format(time.RFC3339))
	s.Require().Equal(http.StatusOK, s.do(http.MethodGet, path, nil).Code)

	w := s.do(http.MethodPost, "/api/v1/ingest/actuals", map[string]any{
		"entity_id": "north-diwali-bundle",
		"observations": []map[string]any{
			{"timestamp": apiDay(100), "value": 255.0},
			{"timestamp": apiDay(101), "value": 260.0},
			{"timestamp": apiDay(300), "value": 270.0}, // nothing predicted here
		},
	})
	s.Require().Equal(http.StatusAccepted, w.Code, w.Body.String())
	resp := s.decode(w)
	s.EqualValues(3, resp["accepted"])
	s.EqualValues(2, resp["paired"])

	w = s.do(http.MethodGet, "/api/v1/drift/north-diwali-bundle", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.EqualValues(2, s.decode(w)["window"])
}

func (s *ServerTestSuite) TestIngestValidation() {
	w := s.do(http.MethodPost, "/api/v1/ingest/features", map[string]any{
		"entity_id": "x",
	})
	s.Equal(http.StatusBadRequest, w.Code)

	// Unknown entity without a hierarchy path cannot be implicitly created.
	w = s.do(http.MethodPost, "/api/v1/ingest/features", map[string]any{
		"entity_id": "never-seen",
		"records": []map[string]any{
			{"timestamp": apiDay(0), "features": map[string]float64{"sales": 1}},
		},
	})
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *ServerTestSuite) TestModelHistoryAndManualPromote() {
	s.seedAndActivate("north-diwali-bundle", 114)

	// A second candidate for the same scope.
	second, err := s.engine.Train(s.ctx, "north-diwali-bundle", apiDay(0), apiDay(99))
	s.Require().NoError(err)

	w := s.do(http.MethodGet, "/api/v1/models/north-diwali-bundle", nil)
	s.Require().Equal(http.StatusOK, w.Code)
	resp := s.decode(w)
	s.Len(resp["models"].([]any), 2)
	s.NotEmpty(resp["active_model_id"])

	w = s.do(http.MethodPost, "/api/v1/models/"+second.ID.String()+"/promote", nil)
	s.Require().Equal(http.StatusOK, w.Code, w.Body.String())
	s.EqualValues("active", s.decode(w)["status"])

	w = s.do(http.MethodPost, "/api/v1/models/not-a-uuid/promote", nil)
	s.Equal(http.StatusBadRequest, w.Code)
}

func (s *ServerTestSuite) TestHealthAndMetrics() {
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/health", nil).Code)
	s.Equal(http.StatusOK, s.do(http.MethodGet, "/metrics", nil).Code)
}
