// Package management contains the HTTP handlers for usage ingestion, querying,
// analytics and storage maintenance.
package management

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/usagehub/internal/export"
	"github.com/router-for-me/usagehub/internal/logging"
	"github.com/router-for-me/usagehub/internal/storage"
	"github.com/router-for-me/usagehub/internal/usagerecord"
	log "github.com/sirupsen/logrus"
)

// ClientIDHeader identifies the reporting client. Authentication happens upstream.
const ClientIDHeader = "X-Client-ID"

// Handler serves the usage endpoints from a storage plugin.
type Handler struct {
	plugin storage.Plugin
	queue  *storage.WriteQueue
}

// NewHandler creates a handler. queue may be nil, which disables async ingestion.
func NewHandler(plugin storage.Plugin, queue *storage.WriteQueue) *Handler {
	return &Handler{plugin: plugin, queue: queue}
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	var cfgErr *usagerecord.ConfigurationError
	switch {
	case errors.Is(err, usagerecord.ErrUnsupported),
		errors.Is(err, usagerecord.ErrInvalidQuery),
		errors.Is(err, usagerecord.ErrInvalidRecord),
		errors.Is(err, export.ErrNoDestination),
		errors.As(err, &cfgErr):
		return http.StatusBadRequest
	case errors.Is(err, usagerecord.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNotInitialized),
		errors.Is(err, usagerecord.ErrStoreClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).WithField("request_id", logging.GetGinRequestID(c)).Error("usage request failed")
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, format string, args ...any) {
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf(format, args...)})
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q", raw)
}

// queryList reads a list parameter given either repeated or comma-separated.
func queryList(c *gin.Context, key string) []string {
	var out []string
	for _, v := range c.QueryArray(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return n, nil
}

// parseFilter reads the shared filter parameters from the query string.
func parseFilter(c *gin.Context) (usagerecord.Filter, error) {
	var f usagerecord.Filter
	var err error
	if f.StartTime, err = parseTime(c.Query("start_time")); err != nil {
		return f, err
	}
	if f.EndTime, err = parseTime(c.Query("end_time")); err != nil {
		return f, err
	}
	f.ClientIDs = queryList(c, "client_ids")
	f.Services = queryList(c, "services")
	f.Models = queryList(c, "models")
	f.Applications = queryList(c, "applications")
	f.Environments = queryList(c, "environments")
	f.SessionID = strings.TrimSpace(c.Query("session_id"))
	f.UserID = strings.TrimSpace(c.Query("user_id"))
	return f, nil
}

// parseOrder reads order_by=field[:desc],field2.
func parseOrder(c *gin.Context) []usagerecord.OrderBy {
	var out []usagerecord.OrderBy
	for _, item := range queryList(c, "order_by") {
		field, dir, _ := strings.Cut(item, ":")
		out = append(out, usagerecord.OrderBy{
			Field: strings.TrimSpace(field),
			Desc:  strings.EqualFold(strings.TrimSpace(dir), "desc"),
		})
	}
	return out
}

// HealthCheck reports whether the storage backend is usable.
func (h *Handler) HealthCheck(c *gin.Context) {
	if err := h.plugin.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(statusFor(err), gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
