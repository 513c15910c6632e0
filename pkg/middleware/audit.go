package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/prohmpiriya/school-tenancy/pkg/logger"
	"github.com/prohmpiriya/school-tenancy/pkg/telemetry"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionProvision AuditAction = "provision"
	AuditActionSignup    AuditAction = "signup"
	AuditActionCreate    AuditAction = "create"
	AuditActionUpdate    AuditAction = "update"
	AuditActionDelete    AuditAction = "delete"
)

// Context keys handlers use to enrich the audit entry
const (
	ContextKeyAuditResourceType = "audit_resource_type"
	ContextKeyAuditResourceID   = "audit_resource_id"
	ContextKeyAuditTenantID     = "audit_tenant_id"
)

// AuditEntry is one audited request
type AuditEntry struct {
	ID           string                 `json:"id"`
	TenantID     *string                `json:"tenant_id,omitempty"`
	ActorID      *string                `json:"actor_id,omitempty"`
	ActorRole    string                 `json:"actor_role,omitempty"`
	Action       AuditAction            `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   *string                `json:"resource_id,omitempty"`
	Status       int                    `json:"status"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	RequestID    string                 `json:"request_id,omitempty"`
	TraceID      string                 `json:"trace_id,omitempty"`
	Request      map[string]interface{} `json:"request,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// AuditSink persists batches of entries
type AuditSink interface {
	Write(ctx context.Context, entries []*AuditEntry) error
}

// PostgresAuditSink writes entries to the audit_logs table in one pgx batch
type PostgresAuditSink struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditSink creates a sink on pool
func NewPostgresAuditSink(pool *pgxpool.Pool) *PostgresAuditSink {
	return &PostgresAuditSink{pool: pool}
}

const insertAuditQuery = `
	INSERT INTO audit_logs (
		id, tenant_id, actor_id, actor_role, action, resource_type, resource_id,
		status, ip_address, user_agent, request_id, trace_id, request, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
`

func (s *PostgresAuditSink) Write(ctx context.Context, entries []*AuditEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		var request []byte
		if e.Request != nil {
			request, _ = json.Marshal(e.Request)
		}
		batch.Queue(insertAuditQuery,
			e.ID, e.TenantID, e.ActorID, e.ActorRole, string(e.Action), e.ResourceType, e.ResourceID,
			e.Status, e.IPAddress, e.UserAgent, e.RequestID, e.TraceID, request, e.CreatedAt,
		)
	}
	return s.pool.SendBatch(ctx, batch).Close()
}

// MemoryAuditSink collects entries, for tests and local runs
type MemoryAuditSink struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func (s *MemoryAuditSink) Write(ctx context.Context, entries []*AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// Entries returns a copy of what was written
func (s *MemoryAuditSink) Entries() []*AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*AuditEntry(nil), s.entries...)
}

// AuditConfig tunes the audit buffer and what a record captures
type AuditConfig struct {
	Sink AuditSink
	// BufferSize entries may wait for the writer before new ones are dropped
	BufferSize int
	// a partial batch is written after FlushInterval
	FlushInterval time.Duration
	BatchSize     int
	SkipPaths     []string
	// CaptureRequestBody stores the JSON body with SensitiveFields masked
	CaptureRequestBody bool
	MaxBodySize        int
	SensitiveFields    []string
}

// DefaultAuditConfig audits provisioning and signup bodies with credentials masked
func DefaultAuditConfig(sink AuditSink) *AuditConfig {
	return &AuditConfig{
		Sink:               sink,
		BufferSize:         1000,
		FlushInterval:      5 * time.Second,
		BatchSize:          100,
		SkipPaths:          []string{"/health", "/ready"},
		CaptureRequestBody: true,
		MaxBodySize:        10 * 1024,
		SensitiveFields:    []string{"password", "token", "secret"},
	}
}

// AuditLogger hands entries to a single writer goroutine. Log never blocks;
// when the buffer is full the entry is counted in Dropped and discarded.
type AuditLogger struct {
	config    *AuditConfig
	buffer    chan *AuditEntry
	wg        sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Int64
}

// NewAuditLogger fills unset limits and starts the writer
func NewAuditLogger(config *AuditConfig) *AuditLogger {
	cfg := *config
	cfg.BufferSize = positiveOr(cfg.BufferSize, 1000)
	cfg.BatchSize = positiveOr(cfg.BatchSize, 100)
	cfg.MaxBodySize = positiveOr(cfg.MaxBodySize, 10*1024)
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	al := &AuditLogger{config: &cfg, buffer: make(chan *AuditEntry, cfg.BufferSize)}
	al.wg.Add(1)
	go al.writeLoop()
	return al
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (al *AuditLogger) Log(entry *AuditEntry) {
	select {
	case al.buffer <- entry:
	default:
		al.dropped.Add(1)
	}
}

func (al *AuditLogger) Dropped() int64 {
	return al.dropped.Load()
}

// Close writes whatever is still buffered and stops the writer
func (al *AuditLogger) Close() error {
	al.closeOnce.Do(func() {
		close(al.buffer)
		al.wg.Wait()
	})
	return nil
}

func (al *AuditLogger) writeLoop() {
	defer al.wg.Done()

	tick := time.NewTicker(al.config.FlushInterval)
	defer tick.Stop()

	var pending []*AuditEntry
	write := func() {
		if len(pending) > 0 {
			al.write(pending)
			pending = nil
		}
	}

	for {
		select {
		case entry, open := <-al.buffer:
			if !open {
				write()
				return
			}
			if pending = append(pending, entry); len(pending) >= al.config.BatchSize {
				write()
			}
		case <-tick.C:
			write()
		}
	}
}

func (al *AuditLogger) write(entries []*AuditEntry) {
	if al.config.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := al.config.Sink.Write(ctx, entries); err != nil {
		logger.Warn("failed to write audit entries", zap.Int("count", len(entries)), zap.Error(err))
	}
}

// AuditMiddleware records every state-changing request once its handler returns
func AuditMiddleware(al *AuditLogger) gin.HandlerFunc {
	config := al.config
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}
		if skip[c.Request.URL.Path] {
			return
		}

		var body map[string]interface{}
		if config.CaptureRequestBody {
			body = captureBody(c, config.MaxBodySize, config.SensitiveFields)
		}

		started := time.Now()
		c.Next()

		entry := &AuditEntry{
			ID:           uuid.New().String(),
			Action:       actionFor(c.Request.Method, c.FullPath()),
			ResourceType: resourceFor(c.FullPath()),
			Status:       c.Writer.Status(),
			IPAddress:    clientIP(c),
			UserAgent:    c.GetHeader("User-Agent"),
			RequestID:    c.GetHeader(RequestIDHeader),
			TraceID:      telemetry.TraceID(c.Request.Context()),
			Request:      body,
			CreatedAt:    started,
		}
		if caller, ok := GetCaller(c); ok {
			entry.ActorID = nonEmpty(caller.UserID)
			entry.ActorRole = caller.Role
			entry.TenantID = nonEmpty(caller.TenantID)
		}
		if v, ok := getString(c, ContextKeyAuditTenantID); ok && v != "" {
			entry.TenantID = &v
		}
		if v, ok := getString(c, ContextKeyAuditResourceType); ok {
			entry.ResourceType = v
		}
		if v, ok := getString(c, ContextKeyAuditResourceID); ok {
			entry.ResourceID = nonEmpty(v)
		}

		al.Log(entry)
	}
}

// captureBody reads up to limit bytes, restores them for the handler and
// returns the masked JSON object, or nil when the body is not one
func captureBody(c *gin.Context, limit int, sensitive []string) map[string]interface{} {
	if c.Request.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(limit)))
	if err != nil || len(raw) == 0 {
		return nil
	}
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(raw), c.Request.Body))

	var body map[string]interface{}
	if json.Unmarshal(raw, &body) != nil {
		return nil
	}
	return maskSensitiveFields(body, sensitive)
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func actionFor(method, route string) AuditAction {
	switch {
	case route == "/tenants" && method == http.MethodPost:
		return AuditActionProvision
	case strings.HasSuffix(route, "/signup"):
		return AuditActionSignup
	case method == http.MethodPost:
		return AuditActionCreate
	case method == http.MethodDelete:
		return AuditActionDelete
	}
	return AuditActionUpdate
}

// resourceFor names the resource after the first route segment, singular
func resourceFor(route string) string {
	first, _, _ := strings.Cut(strings.Trim(route, "/"), "/")
	if first == "" {
		return "unknown"
	}
	return strings.TrimSuffix(first, "s")
}

func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := c.GetHeader("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(c.Request.RemoteAddr); err == nil {
		return host
	}
	return c.Request.RemoteAddr
}

// maskSensitiveFields copies data with every value under a key containing
// one of sensitive (case-insensitive) redacted, nested objects included
func maskSensitiveFields(data map[string]interface{}, sensitive []string) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch nested, isObject := v.(map[string]interface{}); {
		case isSensitiveKey(k, sensitive):
			out[k] = "[REDACTED]"
		case isObject:
			out[k] = maskSensitiveFields(nested, sensitive)
		default:
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(key string, sensitive []string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitive {
		if strings.Contains(key, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// SetAuditResource names the resource a handler created
func SetAuditResource(c *gin.Context, resourceType, resourceID string) {
	c.Set(ContextKeyAuditResourceType, resourceType)
	c.Set(ContextKeyAuditResourceID, resourceID)
}

// SetAuditTenant records the tenant a handler acted on
func SetAuditTenant(c *gin.Context, tenantID string) {
	c.Set(ContextKeyAuditTenantID, tenantID)
}
