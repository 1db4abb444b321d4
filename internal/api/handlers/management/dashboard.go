package management

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/usagehub/internal/usagerecord"
)

// GetUsageTrend returns time-bucketed usage.
// Query: filter params, interval=hour|day|week|month, metric.
func (h *Handler) GetUsageTrend(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	result, err := h.plugin.GetUsageTrend(c.Request.Context(), usagerecord.TrendRequest{
		Filter:   filter,
		Interval: c.Query("interval"),
		Metric:   c.Query("metric"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetTopUsage ranks groups by a metric.
// Query: filter params, group_by, metric, limit.
func (h *Handler) GetTopUsage(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	groupBy := c.Query("group_by")
	if groupBy == "" {
		groupBy = string(usagerecord.DimensionService)
	}
	result, err := h.plugin.GetTopUsage(c.Request.Context(), usagerecord.TopUsageRequest{
		Filter:  filter,
		GroupBy: groupBy,
		Metric:  c.Query("metric"),
		Limit:   limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetCostBreakdown splits cost across one or more dimensions.
func (h *Handler) GetCostBreakdown(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	result, err := h.plugin.GetCostBreakdown(c.Request.Context(), usagerecord.CostBreakdownRequest{
		Filter:     filter,
		Dimensions: queryList(c, "dimensions"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetUsageSummary returns overall usage summary statistics.
func (h *Handler) GetUsageSummary(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	result, err := h.plugin.GetUsageSummary(c.Request.Context(), usagerecord.SummaryRequest{Filter: filter})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetCostProjection extrapolates spend from a base period.
// Query: filter params (the time range is the base period), project_period, method.
func (h *Handler) GetCostProjection(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	result, err := h.plugin.CalculateProjectedCost(c.Request.Context(), usagerecord.ProjectionRequest{
		Filter:        filter,
		ProjectPeriod: c.Query("project_period"),
		Method:        c.Query("method"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetStorageStats returns record and backend statistics.
func (h *Handler) GetStorageStats(c *gin.Context) {
	stats, err := h.plugin.GetStorageStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"storage": stats}
	if h.queue != nil {
		stored, dropped, pending := h.queue.Stats()
		resp["write_queue"] = gin.H{"stored": stored, "dropped": dropped, "pending": pending}
	}
	c.JSON(http.StatusOK, resp)
}

// OptimizeStorage compacts the store and runs backend maintenance.
func (h *Handler) OptimizeStorage(c *gin.Context) {
	result, err := h.plugin.OptimizeStorage(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
