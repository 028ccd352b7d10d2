package router

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/aggregate"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/baseline"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/recommend"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/report"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/store"
	"github.com/labstack/echo/v4"
)

var defaultGroupBy = []string{"security_level", "category"}

// ReportRouter serves stored runs and the analyses derived from them.
type ReportRouter struct {
	e          *echo.Echo
	store      store.Store
	baselines  *baseline.Registry
	thresholds recommend.Thresholds
}

type Option func(*ReportRouter)

// WithBaselines serves overheads against a persisted registry instead of the
// baselines found in each run's own records.
func WithBaselines(reg *baseline.Registry) Option {
	return func(r *ReportRouter) { r.baselines = reg }
}

func WithThresholds(t recommend.Thresholds) Option {
	return func(r *ReportRouter) { r.thresholds = t }
}

func NewReportRouter(e *echo.Echo, st store.Store, opts ...Option) *ReportRouter {
	r := &ReportRouter{
		e:          e,
		store:      st,
		thresholds: recommend.DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ReportRouter) Bind() {
	r.e.GET("/runs", r.listRuns)
	r.e.GET("/runs/:id", r.getRun)
	r.e.GET("/runs/:id/aggregates", r.aggregates)
	r.e.GET("/runs/:id/recommendations", r.recommendations)
	r.e.GET("/runs/:id/export.csv", r.exportCSV)
	r.e.GET("/records", r.records)
}

func (r *ReportRouter) listRuns(c echo.Context) error {
	runs, err := r.store.Runs(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, runs)
}

func (r *ReportRouter) getRun(c echo.Context) error {
	run, err := r.run(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (r *ReportRouter) aggregates(c echo.Context) error {
	stats, err := r.stats(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (r *ReportRouter) recommendations(c echo.Context) error {
	stats, err := r.stats(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, recommend.Evaluate(stats, r.thresholds))
}

func (r *ReportRouter) exportCSV(c echo.Context) error {
	records, reg, err := r.runRecords(c)
	if err != nil {
		return err
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/csv")
	res.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", c.Param("id")+".csv"))
	res.WriteHeader(http.StatusOK)
	return report.WriteRecordsCSV(res, records, reg)
}

func (r *ReportRouter) records(c echo.Context) error {
	f := store.Filter{
		RunID:    c.QueryParam("run_id"),
		Category: c.QueryParam("category"),
	}
	var err error
	if f.Since, err = parseTime(c.QueryParam("from")); err != nil {
		return apperr.NewValidationWrap("invalid from", err)
	}
	if f.Until, err = parseTime(c.QueryParam("to")); err != nil {
		return apperr.NewValidationWrap("invalid to", err)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return apperr.NewValidation("from must be before to")
	}

	records, err := r.store.Records(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if records == nil {
		records = []runner.TrialRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func (r *ReportRouter) run(c echo.Context) (store.Run, error) {
	run, err := r.store.Run(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrRunNotFound) {
		return store.Run{}, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("run %q not found", c.Param("id")))
	}
	return run, err
}

func (r *ReportRouter) runRecords(c echo.Context) ([]runner.TrialRecord, *baseline.Registry, error) {
	run, err := r.run(c)
	if err != nil {
		return nil, nil, err
	}
	records, err := r.store.Records(c.Request().Context(), store.Filter{RunID: run.ID})
	if err != nil {
		return nil, nil, err
	}
	reg := r.baselines
	if reg == nil {
		reg = baseline.FromRecords(records)
	}
	return records, reg, nil
}

func (r *ReportRouter) stats(c echo.Context) ([]aggregate.Stat, error) {
	groupBy := splitList(c.QueryParam("group_by"))
	if len(groupBy) == 0 {
		groupBy = defaultGroupBy
	}
	records, reg, err := r.runRecords(c)
	if err != nil {
		return nil, err
	}
	stats := aggregate.Aggregate(aggregate.Uncontended(records, groupBy), groupBy, aggregate.WithBaselines(reg))
	if stats == nil {
		stats = []aggregate.Stat{}
	}
	return stats, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
