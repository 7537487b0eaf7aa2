package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/multiregion-dashboard/internal/aggregate"
	"github.com/xela07ax/multiregion-dashboard/internal/domain"
	"github.com/xela07ax/multiregion-dashboard/internal/loadtest"
)

// RegionService Описываем, что нам нужно от ядра
type RegionService interface {
	TestConnection(ctx context.Context, code string) (domain.HealthResult, error)
	Health(ctx context.Context, code string) (domain.HealthReport, error)
	LoadTest(ctx context.Context, code string, p loadtest.Params) (domain.LoadTestResult, error)
	LoadTestDefaults() loadtest.Params
	AllResults(ctx context.Context) map[string]domain.HealthResult
	Regions(ctx context.Context) []domain.RegionStatus
	SetRegionEnabled(ctx context.Context, code string, enabled bool) error
}

type RegionHandler struct {
	service RegionService
}

func NewRegionHandler(s RegionService) *RegionHandler {
	return &RegionHandler{service: s}
}

// TestConnection — одиночная проверка соединения.
// GET /api/test-connection/{region}, POST /api/regions/{region}/test
func (h *RegionHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.TestConnection(r.Context(), chi.URLParam(r, "region"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Health — проверка плюс состояние пула и метрики базы.
func (h *RegionHandler) Health(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Health(r.Context(), chi.URLParam(r, "region"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// LoadTestRequest — тело запроса нагрузочного теста. Незаданные поля берутся из конфига.
// duration — секунды числом или строка Go ("1.5s", "500ms").
type LoadTestRequest struct {
	Concurrency *int          `json:"concurrency"`
	Duration    *jsonDuration `json:"duration"`
	Iterations  *int          `json:"iterations"`
}

func (req LoadTestRequest) params(defaults loadtest.Params) loadtest.Params {
	p := defaults
	if req.Concurrency != nil {
		p.Concurrency = *req.Concurrency
	}
	if req.Duration != nil {
		p.Duration = time.Duration(*req.Duration)
		// Явная длительность без явного числа итераций: прогон только по времени
		if req.Iterations == nil {
			p.Iterations = 0
		}
	}
	if req.Iterations != nil {
		p.Iterations = *req.Iterations
	}
	return p
}

// LoadTest запускает прогон и держит ответ до его окончания.
func (h *RegionHandler) LoadTest(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "region")

	var req LoadTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, domain.ErrInvalidParameter(code, fmt.Errorf("invalid request body: %w", err)))
		return
	}

	res, err := h.service.LoadTest(r.Context(), code, req.params(h.service.LoadTestDefaults()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type allResultsResponse struct {
	Results map[string]domain.HealthResult `json:"results"`
	Order   []string                       `json:"order"` // от быстрого к медленному, отказы в конце
}

// AllResults опрашивает все регионы разом.
// GET /api/all-results, POST /api/regions/test-all
func (h *RegionHandler) AllResults(w http.ResponseWriter, r *http.Request) {
	results := h.service.AllResults(r.Context())

	order := make([]string, 0, len(results))
	for _, res := range aggregate.SortByLatency(results) {
		order = append(order, res.Region)
	}
	writeJSON(w, http.StatusOK, allResultsResponse{Results: results, Order: order})
}

func (h *RegionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Regions(r.Context()))
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// SetEnabled включает или выключает регион через его флаг.
// POST /api/regions/{region}/enabled {"enabled": false}
func (h *RegionHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "region")

	var req setEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, domain.ErrInvalidParameter(code, fmt.Errorf(`body must be {"enabled": true|false}`)))
		return
	}

	if err := h.service.SetRegionEnabled(r.Context(), code, *req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.FlagDecision{Key: domain.RegionFlagKey(code), Enabled: *req.Enabled})
}

type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = jsonDuration(v)
		return nil
	}

	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("duration must be seconds or a duration string: %w", err)
	}
	*d = jsonDuration(time.Duration(secs * float64(time.Second)))
	return nil
}
