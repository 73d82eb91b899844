// Package httpapi implements the gateway's external network surface (§6)
// with gin, grounded on the teacher's own Coordinator struct + setupRoutes
// + xxxHandler idiom from cmd/Coordinator/services/coordinator.go. Every
// handler translates a *gatewayerr.Error to the wire format exactly once,
// per §7's propagation policy — no other layer touches gatewayerr.Code.
package httpapi

import (
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cipherrelay/gateway/internal/accountant"
	"github.com/cipherrelay/gateway/internal/codec"
	"github.com/cipherrelay/gateway/internal/cstore"
	"github.com/cipherrelay/gateway/internal/enginepool"
	"github.com/cipherrelay/gateway/internal/gatewayerr"
	"github.com/cipherrelay/gateway/internal/obslog"
	"github.com/cipherrelay/gateway/internal/orchestrator"
	"github.com/cipherrelay/gateway/internal/params"
	"github.com/cipherrelay/gateway/internal/session"
	"github.com/cipherrelay/gateway/internal/upstream"
	"github.com/cipherrelay/gateway/internal/validate"
)

// API binds an Orchestrator to the gin routes of §6, mirroring the
// teacher's Coordinator struct: one receiver, one setupRoutes call, one
// handler method per route.
type API struct {
	orch  *orchestrator.Orchestrator
	pool  *enginepool.Pool
	sess  *session.Manager
	val   *validate.Validator
	acct  *accountant.Accountant
	ps    *params.Set
	log   *slog.Logger
	ready atomic.Bool
}

// New constructs an API over an already-initialized Orchestrator and its
// backing components, and registers every route on router.
func New(router *gin.Engine, orch *orchestrator.Orchestrator, pool *enginepool.Pool, sess *session.Manager, val *validate.Validator, acct *accountant.Accountant, ps *params.Set) *API {
	a := &API{orch: orch, pool: pool, sess: sess, val: val, acct: acct, ps: ps, log: obslog.For("httpapi")}
	a.ready.Store(true)
	a.setupRoutes(router)
	return a
}

func (a *API) setupRoutes(router *gin.Engine) {
	router.POST("/v1/keys", a.generateKeysHandler)
	router.POST("/v1/keys/:client_id/rotate", a.rotateKeysHandler)
	router.DELETE("/v1/keys/:client_id", a.revokeKeyHandler)

	router.POST("/v1/ciphertexts/encrypt", a.encryptHandler)
	router.POST("/v1/ciphertexts/decrypt", a.decryptHandler)
	router.POST("/v1/ciphertexts/concat", a.concatHandler)
	router.GET("/v1/ciphertexts/:id", a.validateCiphertextHandler)

	router.POST("/v1/upstream/submit", a.upstreamSubmitHandler)
	router.GET("/v1/upstream/:id/stream", a.upstreamStreamHandler)

	router.GET("/v1/privacy/:principal", a.privacyInspectHandler)
	router.POST("/v1/admin/privacy/:principal/reset", a.privacyResetHandler)

	router.GET("/healthz", a.healthzHandler)
	router.GET("/readyz", a.readyzHandler)
	router.GET("/metrics", a.metricsHandler)

	router.GET("/v1/admin/status/stream", a.adminStatusStreamHandler)
}

// writeError translates a gatewayerr.Error to the wire format exactly once,
// per §7. Any other error (should not happen past the orchestrator
// boundary) is surfaced as an opaque internal error.
func writeError(c *gin.Context, err error) {
	ge, ok := gatewayerr.As(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": err.Error()}})
		return
	}
	status := ge.Code.HTTPStatus()
	if ge.Code == gatewayerr.CodeExhausted && ge.Message == "noise-exhausted" {
		status = gatewayerr.NoiseExhaustedStatus
	}
	c.JSON(status, gin.H{"error": gin.H{"code": string(ge.Code), "message": ge.Message, "details": ge.Details}})
}

type generateKeysRequest struct {
	Tag string `json:"tag"`
}

func (a *API) generateKeysHandler(c *gin.Context) {
	var req generateKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid-request", "message": err.Error()}})
		return
	}
	clientID, serverID, sessionID, err := a.orch.GenerateKeys(c.Request.Context(), a.ps, req.Tag)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"client_id":  clientID,
		"server_id":  serverID,
		"session_id": sessionID,
	})
}

func (a *API) rotateKeysHandler(c *gin.Context) {
	clientID, err := a.val.ID(c.Param("client_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	newServerID, err := a.orch.RotateKeys(c.Request.Context(), clientID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"server_id": newServerID})
}

func (a *API) revokeKeyHandler(c *gin.Context) {
	clientID, err := a.val.ID(c.Param("client_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := a.orch.RevokeKey(clientID); err != nil {
		writeError(c, err)
		return
	}
	a.log.Info("key revoked", "client_id", clientID)
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

type encryptRequest struct {
	ClientID  string `json:"client_id"`
	Tag       string `json:"tag"`
	Plaintext string `json:"plaintext_base64"`
}

func principalFromRequest(clientID uuid.UUID, tag string) string {
	return accountant.PrincipalID(clientID, tag)
}

func (a *API) encryptHandler(c *gin.Context) {
	var req encryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid-request", "message": err.Error()}})
		return
	}
	clientID, err := a.val.ID(req.ClientID)
	if err != nil {
		writeError(c, err)
		return
	}
	plaintext, err := codec.FromBase64(req.Plaintext)
	if err != nil {
		writeError(c, gatewayerr.Newf(gatewayerr.CodeInvalidRequest, "malformed plaintext encoding: %v", err))
		return
	}
	id, err := a.orch.Encrypt(c.Request.Context(), principalFromRequest(clientID, req.Tag), clientID, plaintext)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ciphertext_id": id})
}

type decryptRequest struct {
	ClientID     string `json:"client_id"`
	Tag          string `json:"tag"`
	CiphertextID string `json:"ciphertext_id"`
}

func (a *API) decryptHandler(c *gin.Context) {
	var req decryptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid-request", "message": err.Error()}})
		return
	}
	clientID, err := a.val.ID(req.ClientID)
	if err != nil {
		writeError(c, err)
		return
	}
	ciphertextID, err := a.val.ID(req.CiphertextID)
	if err != nil {
		writeError(c, err)
		return
	}
	plaintext, err := a.orch.Decrypt(c.Request.Context(), principalFromRequest(clientID, req.Tag), clientID, ciphertextID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plaintext_base64": codec.ToBase64(plaintext)})
}

type concatRequest struct {
	ClientID string `json:"client_id"`
	Tag      string `json:"tag"`
	IDA      string `json:"ciphertext_id_a"`
	IDB      string `json:"ciphertext_id_b"`
}

func (a *API) concatHandler(c *gin.Context) {
	var req concatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid-request", "message": err.Error()}})
		return
	}
	clientID, err := a.val.ID(req.ClientID)
	if err != nil {
		writeError(c, err)
		return
	}
	idA, err := a.val.ID(req.IDA)
	if err != nil {
		writeError(c, err)
		return
	}
	idB, err := a.val.ID(req.IDB)
	if err != nil {
		writeError(c, err)
		return
	}
	newID, err := a.orch.Concat(c.Request.Context(), principalFromRequest(clientID, req.Tag), clientID, idA, idB)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ciphertext_id": newID})
}

func (a *API) validateCiphertextHandler(c *gin.Context) {
	id, err := a.val.ID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	rec, err := a.orch.ValidateCiphertext(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordToJSON(rec))
}

func recordToJSON(rec cstore.Record) gin.H {
	return gin.H{
		"id":           rec.ID,
		"owner":        rec.Owner,
		"params_id":    rec.ParamsID,
		"size_bytes":   rec.SizeBytes,
		"noise_budget": rec.NoiseBudget,
		"created_at":   rec.CreatedAt,
		"expires_at":   rec.ExpiresAt,
		"origin":       rec.Origin,
		"lineage":      rec.Lineage,
		"status":       rec.Status,
	}
}

type upstreamSubmitRequest struct {
	ClientID     string `json:"client_id"`
	Tag          string `json:"tag"`
	CiphertextID string `json:"ciphertext_id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
}

func (a *API) upstreamSubmitHandler(c *gin.Context) {
	var req upstreamSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": "invalid-request", "message": err.Error()}})
		return
	}
	clientID, err := a.val.ID(req.ClientID)
	if err != nil {
		writeError(c, err)
		return
	}
	id, err := a.val.ID(req.CiphertextID)
	if err != nil {
		writeError(c, err)
		return
	}
	newID, err := a.orch.UpstreamSubmit(c.Request.Context(), principalFromRequest(clientID, req.Tag), clientID, id, upstream.SubmitOptions{
		Provider: req.Provider,
		Model:    req.Model,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ciphertext_id": newID})
}

// upstreamStreamHandler is the SSE variant of upstream submission: it emits
// a single "result" event once the (synchronous) submit completes, via
// gin's built-in SSEvent, which is backed by gin-contrib/sse.
func (a *API) upstreamStreamHandler(c *gin.Context) {
	id, err := a.val.ID(c.Param("id"))
	if err != nil {
		c.SSEvent("error", gin.H{"message": err.Error()})
		return
	}
	clientID, err := a.val.ID(c.Query("client_id"))
	if err != nil {
		c.SSEvent("error", gin.H{"message": err.Error()})
		return
	}
	tag := c.Query("tag")

	c.Stream(func(w io.Writer) bool {
		newID, err := a.orch.UpstreamSubmit(c.Request.Context(), principalFromRequest(clientID, tag), clientID, id, upstream.SubmitOptions{
			Provider: c.Query("provider"),
			Model:    c.Query("model"),
			Stream:   true,
		})
		if err != nil {
			c.SSEvent("error", gin.H{"message": err.Error()})
			return false
		}
		c.SSEvent("result", gin.H{"ciphertext_id": newID})
		return false
	})
}

func (a *API) privacyInspectHandler(c *gin.Context) {
	ledger := a.orch.PrivacyInspect(c.Param("principal"))
	c.JSON(http.StatusOK, gin.H{
		"total_epsilon":     ledger.TotalEpsilon,
		"consumed_epsilon":  ledger.ConsumedEpsilon,
		"remaining_epsilon": ledger.RemainingEpsilon(),
		"window_start":      ledger.WindowStart,
	})
}

func (a *API) privacyResetHandler(c *gin.Context) {
	principal := c.Param("principal")
	a.orch.PrivacyReset(principal)
	a.log.Info("privacy budget reset via admin endpoint", "principal", principal)
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (a *API) healthzHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": a.sess.Count()})
}

// SetReady flips the /readyz flag, used by cmd/gatewayd to report
// not-ready during drain before shutdown completes.
func (a *API) SetReady(ready bool) { a.ready.Store(ready) }

func (a *API) readyzHandler(c *gin.Context) {
	if !a.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not-ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// metricsHandler writes a hand-rolled Prometheus text-exposition snapshot
// from a fmt-style format string rather than pulling in a metrics client
// library.
func (a *API) metricsHandler(c *gin.Context) {
	stats := a.pool.StatsFor(a.ps)
	fleet := a.acct.Fleet()
	c.Header("Content-Type", "text/plain; version=0.0.4")
	c.String(http.StatusOK,
		"# TYPE gateway_engine_pool_idle gauge\n"+
			"gateway_engine_pool_idle %d\n"+
			"# TYPE gateway_engine_pool_in_use gauge\n"+
			"gateway_engine_pool_in_use %d\n"+
			"# TYPE gateway_engine_pool_failed_lifetime counter\n"+
			"gateway_engine_pool_failed_lifetime %d\n"+
			"# TYPE gateway_sessions gauge\n"+
			"gateway_sessions %d\n"+
			"# TYPE gateway_privacy_principals gauge\n"+
			"gateway_privacy_principals %d\n"+
			"# TYPE gateway_privacy_mean_consumed_epsilon gauge\n"+
			"gateway_privacy_mean_consumed_epsilon %f\n",
		stats.Idle, stats.InUse, stats.FailedLifetime, a.sess.Count(), fleet.Principals, fleet.MeanConsumedEpsilon,
	)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// adminStatusStreamHandler pushes engine-pool and privacy-fleet counters
// over a websocket every tick, grounded on the teacher's declared but
// unexercised gorilla/websocket dependency (its P2P participant-status
// feed was never actually wired to it) — wired here for real against this
// gateway's own telemetry.
func (a *API) adminStatusStreamHandler(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stats := a.pool.StatsFor(a.ps)
		fleet := a.acct.Fleet()
		if err := conn.WriteJSON(gin.H{
			"engine_pool": gin.H{"idle": stats.Idle, "in_use": stats.InUse, "total": stats.Total, "failed_lifetime": stats.FailedLifetime},
			"privacy":     gin.H{"principals": fleet.Principals, "mean_consumed_epsilon": fleet.MeanConsumedEpsilon},
		}); err != nil {
			return
		}
	}
}
