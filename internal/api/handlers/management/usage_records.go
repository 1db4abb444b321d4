package management

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/usagehub/internal/export"
	"github.com/router-for-me/usagehub/internal/usagerecord"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const maxIngestBodyBytes = 32 << 20

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxIngestBodyBytes))
	if err != nil {
		badRequest(c, "failed to read request body: %v", err)
		return nil, false
	}
	if !gjson.ValidBytes(body) {
		badRequest(c, "request body is not valid JSON")
		return nil, false
	}
	return body, true
}

// decodeRecords decodes a JSON array of records one element at a time. An element
// that does not decode becomes an empty record, which ingestion counts as invalid
// without failing its neighbours.
func decodeRecords(arr gjson.Result) []usagerecord.Record {
	items := arr.Array()
	records := make([]usagerecord.Record, len(items))
	for i, item := range items {
		if err := json.Unmarshal([]byte(item.Raw), &records[i]); err != nil {
			log.WithError(err).WithField("index", i).Debug("undecodable usage record")
			records[i] = usagerecord.Record{}
		}
	}
	return records
}

// recordsFrom accepts either {"records": [...]} or a bare array.
func recordsFrom(body []byte) (gjson.Result, bool) {
	root := gjson.ParseBytes(body)
	if root.IsArray() {
		return root, true
	}
	if arr := root.Get("records"); arr.IsArray() {
		return arr, true
	}
	return gjson.Result{}, false
}

// IngestUsageRecords stores records for the client named by the X-Client-ID header.
// With ?async=true the batch is queued and 202 is returned immediately.
func (h *Handler) IngestUsageRecords(c *gin.Context) {
	clientID := strings.TrimSpace(c.GetHeader(ClientIDHeader))
	if clientID == "" {
		badRequest(c, "missing %s header", ClientIDHeader)
		return
	}
	body, ok := readBody(c)
	if !ok {
		return
	}
	arr, ok := recordsFrom(body)
	if !ok {
		badRequest(c, "expected a records array")
		return
	}
	records := decodeRecords(arr)

	if async := c.Query("async"); async == "true" || async == "1" {
		if h.queue == nil {
			badRequest(c, "asynchronous ingestion is disabled")
			return
		}
		if !h.queue.Enqueue(clientID, records) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ingestion queue is full"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": len(records)})
		return
	}

	result, err := h.plugin.StoreUsageRecords(c.Request.Context(), clientID, records)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// IngestUsageBatch stores records for several clients in one call. The body is
// {"batches": [{"client_id": "...", "records": [...]}, ...]} or a bare array of batches.
func (h *Handler) IngestUsageBatch(c *gin.Context) {
	body, ok := readBody(c)
	if !ok {
		return
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		root = root.Get("batches")
	}
	if !root.IsArray() {
		badRequest(c, "expected a batches array")
		return
	}

	var batches []usagerecord.ClientBatch
	for i, item := range root.Array() {
		clientID := strings.TrimSpace(item.Get("client_id").String())
		if clientID == "" {
			badRequest(c, "batch %d: client_id is required", i)
			return
		}
		batches = append(batches, usagerecord.ClientBatch{
			ClientID: clientID,
			Records:  decodeRecords(item.Get("records")),
		})
	}

	result, err := h.plugin.StoreUsageRecordsBatch(c.Request.Context(), batches)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// QueryUsage runs a query given as a JSON body.
func (h *Handler) QueryUsage(c *gin.Context) {
	var query usagerecord.UsageQuery
	if err := c.ShouldBindJSON(&query); err != nil {
		badRequest(c, "invalid query: %v", err)
		return
	}
	result, err := h.plugin.QueryUsage(c.Request.Context(), query)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetUsageRecords returns a page of records selected by query parameters.
func (h *Handler) GetUsageRecords(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		badRequest(c, "%v", err)
		return
	}

	query := usagerecord.UsageQuery{
		Filter:     filter,
		OrderBy:    parseOrder(c),
		Limit:      limit,
		Offset:     offset,
		Aggregates: queryList(c, "aggregates"),
	}
	if len(query.OrderBy) == 0 {
		query.OrderBy = []usagerecord.OrderBy{{Field: "timestamp", Desc: true}}
	}

	result, err := h.plugin.QueryUsage(c.Request.Context(), query)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetUsageRecordByHash returns one record by its fingerprint.
func (h *Handler) GetUsageRecordByHash(c *gin.Context) {
	record, err := h.plugin.GetUsageRecord(c.Request.Context(), c.Param("hash"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// GetRetentionInfo reports the configured policy and what it would delete.
func (h *Handler) GetRetentionInfo(c *gin.Context) {
	info, err := h.plugin.GetRetentionInfo(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// retentionPolicyFrom reads a policy from the body, falling back to the configured one.
func (h *Handler) retentionPolicyFrom(c *gin.Context) (usagerecord.RetentionPolicy, bool) {
	if c.Request.ContentLength != 0 {
		var policy usagerecord.RetentionPolicy
		if err := c.ShouldBindJSON(&policy); err == nil {
			return policy, true
		} else if err != io.EOF {
			badRequest(c, "invalid retention policy: %v", err)
			return usagerecord.RetentionPolicy{}, false
		}
	}
	info, err := h.plugin.GetRetentionInfo(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return usagerecord.RetentionPolicy{}, false
	}
	if info.Policy == nil {
		badRequest(c, "no retention policy configured or supplied")
		return usagerecord.RetentionPolicy{}, false
	}
	return *info.Policy, true
}

// ApplyRetentionPolicy deletes expired records. ?dry_run=true only counts them.
func (h *Handler) ApplyRetentionPolicy(c *gin.Context) {
	policy, ok := h.retentionPolicyFrom(c)
	if !ok {
		return
	}
	if dry := c.Query("dry_run"); dry == "true" || dry == "1" {
		n, err := h.plugin.PreviewRetentionPolicy(c.Request.Context(), policy)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"eligible_for_deletion": n, "dry_run": true})
		return
	}

	result, err := h.plugin.ApplyRetentionPolicy(c.Request.Context(), policy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ExportUsageData exports the selected records.
func (h *Handler) ExportUsageData(c *gin.Context) {
	var req export.Request
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
			badRequest(c, "invalid export request: %v", err)
			return
		}
	}
	result, err := h.plugin.ExportUsageData(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
