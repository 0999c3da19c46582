package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/demandcast/demandcast/internal/forecast"
	apperrors "github.com/demandcast/demandcast/pkg/errors"
	"github.com/demandcast/demandcast/pkg/metrics"
	"github.com/demandcast/demandcast/pkg/models"
)

const maxHorizon = 90

// problem writes an RFC 7807 document for the error.
func (s *Server) problem(c *gin.Context, err error) {
	p := apperrors.AsProblem(err, c.Request.URL.Path)
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(p.Status, p)
}

type featurePointRequest struct {
	Timestamp time.Time          `json:"timestamp" binding:"required"`
	Features  map[string]float64 `json:"features" binding:"required,min=1"`
}

type ingestFeaturesRequest struct {
	EntityID      string                `json:"entity_id" binding:"required,max=128"`
	HierarchyPath string                `json:"hierarchy_path" binding:"omitempty,scopepath,max=512"`
	Records       []featurePointRequest `json:"records" binding:"required,min=1,dive"`
}

func (s *Server) ingestFeatures(c *gin.Context) {
	var req ingestFeaturesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.problem(c, apperrors.Validation.Explain("invalid ingest payload").Wrap(err))
		return
	}

	ctx := c.Request.Context()
	if req.HierarchyPath != "" {
		if err := s.store.EnsureEntity(ctx, req.EntityID, req.HierarchyPath); err != nil {
			s.problem(c, err)
			return
		}
	} else if _, err := s.store.Entity(ctx, req.EntityID); err != nil {
		s.problem(c, err)
		return
	}

	var records []models.FeatureRecord
	now := time.Now().UTC()
	for _, r := range req.Records {
		for name, value := range r.Features {
			records = append(records, models.FeatureRecord{
				EntityID:      req.EntityID,
				Timestamp:     r.Timestamp,
				FeatureName:   name,
				Value:         value,
				IngestionTime: now,
			})
		}
	}
	if err := s.store.PutBatch(ctx, records); err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"entity_id": req.EntityID, "accepted": len(records)})
}

type actualRequest struct {
	Timestamp time.Time `json:"timestamp" binding:"required"`
	Value     float64   `json:"value"`
}

type ingestActualsRequest struct {
	EntityID     string          `json:"entity_id" binding:"required,max=128"`
	Observations []actualRequest `json:"observations" binding:"required,min=1,dive"`
}

// ingestActuals stores observations and pairs each with the most recent
// prediction for the same timestamp, feeding the drift monitor. Unpaired
// observations are kept for later training and skipped for drift.
func (s *Server) ingestActuals(c *gin.Context) {
	var req ingestActualsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.problem(c, apperrors.Validation.Explain("invalid actuals payload").Wrap(err))
		return
	}

	ctx := c.Request.Context()
	if _, err := s.store.Entity(ctx, req.EntityID); err != nil {
		s.problem(c, err)
		return
	}

	observations := make([]models.ActualObservation, 0, len(req.Observations))
	for _, o := range req.Observations {
		observations = append(observations, models.ActualObservation{
			EntityID:      req.EntityID,
			Timestamp:     o.Timestamp,
			ObservedValue: o.Value,
		})
	}
	if err := s.store.PutActuals(ctx, observations); err != nil {
		s.problem(c, err)
		return
	}

	paired := 0
	for i := range observations {
		pred, err := s.engine.LatestPrediction(ctx, req.EntityID, observations[i].Timestamp)
		if err != nil {
			if apperrors.Is(err, apperrors.NotFound) {
				continue
			}
			s.problem(c, err)
			return
		}
		if err := s.monitor.Observe(ctx, req.EntityID, pred, &observations[i]); err != nil {
			s.problem(c, err)
			return
		}
		paired++
	}
	c.JSON(http.StatusAccepted, gin.H{
		"entity_id": req.EntityID,
		"accepted":  len(observations),
		"paired":    paired,
	})
}

type forecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Low       float64   `json:"low"`
	High      float64   `json:"high"`
}

func (s *Server) getForecast(c *gin.Context) {
	start := time.Now()
	defer func() { metrics.ForecastLatency.Observe(time.Since(start).Seconds()) }()

	entityID := c.Param("entity_id")
	horizon, err := strconv.Atoi(c.DefaultQuery("horizon", "14"))
	if err != nil || horizon < 1 || horizon > maxHorizon {
		s.problem(c, apperrors.Validation.Explain("horizon must be an integer in [1,%d]", maxHorizon))
		return
	}

	from := time.Now().UTC().Truncate(forecast.Step).Add(forecast.Step)
	if raw := c.Query("start"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			s.problem(c, apperrors.Validation.Explain("start must be RFC 3339").Wrap(err))
			return
		}
	}

	ctx := c.Request.Context()
	artifact, err := s.engine.ActiveArtifact(ctx, entityID)
	if err != nil {
		s.problem(c, err)
		return
	}
	preds, err := s.engine.Predict(ctx, artifact, entityID, from, horizon)
	if err != nil {
		s.problem(c, err)
		return
	}

	points := make([]forecastPoint, 0, len(preds))
	for _, p := range preds {
		points = append(points, forecastPoint{
			Timestamp: p.TargetTimestamp,
			Value:     round(p.PredictedValue),
			Low:       round(p.IntervalLow),
			High:      round(p.IntervalHigh),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"entity_id": entityID,
		"model_id":  artifact.ID,
		"scope":     artifact.EntityScope,
		"version":   artifact.Version,
		"coverage":  preds[0].Coverage,
		"points":    points,
	})
}

func (s *Server) getDrift(c *gin.Context) {
	scope := strings.TrimPrefix(c.Param("scope"), "/")
	if scope == "" {
		s.problem(c, apperrors.Validation.Explain("scope is required"))
		return
	}

	status, rolling, window := s.monitor.State(scope)
	history, err := s.monitor.History(c.Request.Context(), scope, 20)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scope":        scope,
		"status":       status,
		"rolling_mape": round(rolling),
		"window":       window,
		"signals":      history,
	})
}

func (s *Server) getModelHistory(c *gin.Context) {
	scope := strings.TrimPrefix(c.Param("scope"), "/")
	if scope == "" {
		s.problem(c, apperrors.Validation.Explain("scope is required"))
		return
	}

	ctx := c.Request.Context()
	history, err := s.reg.History(ctx, scope)
	if err != nil {
		s.problem(c, err)
		return
	}

	resp := gin.H{"scope": scope, "models": history}
	if active, err := s.reg.GetActive(ctx, scope); err == nil {
		resp["active_model_id"] = active.ID
	}
	c.JSON(http.StatusOK, resp)
}

// promoteModel is the manual promotion/rollback path. Promoting a retired
// artifact rolls the scope back to it.
func (s *Server) promoteModel(c *gin.Context) {
	modelID, err := uuid.Parse(c.Param("model_id"))
	if err != nil {
		s.problem(c, apperrors.Validation.Explain("model_id must be a UUID").Wrap(err))
		return
	}

	ctx := c.Request.Context()
	if err := s.reg.Promote(ctx, modelID); err != nil {
		s.problem(c, err)
		return
	}
	artifact, err := s.reg.Get(ctx, modelID)
	if err != nil {
		s.problem(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"model_id": artifact.ID,
		"scope":    artifact.EntityScope,
		"version":  artifact.Version,
		"status":   artifact.Status,
	})
}

// round trims float noise from API-facing values.
func round(v float64) float64 {
	f, _ := decimal.NewFromFloat(v).Round(4).Float64()
	return f
}
