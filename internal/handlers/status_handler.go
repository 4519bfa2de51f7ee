package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-token-checkout/internal/sessions"
)

// statusLookupTimeout bounds a shared status read, which outlives any single caller.
const statusLookupTimeout = 5 * time.Second

// paymentStatus serves the poller. Concurrent lookups for one session share a single read.
func (a *api) paymentStatus(c *gin.Context) {
	ctx := c.Request.Context()
	id := strings.TrimSpace(c.Param("sessionId"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_session_id"})
		return
	}

	v, err, _ := a.lookup.Do(id, func() (any, error) {
		// callers waiting on this read must not fail because the first one went away
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusLookupTimeout)
		defer cancel()
		return a.cfg.Sessions.Get(lookupCtx, id)
	})
	if err != nil {
		a.cfg.Metrics.StatusLookup("error")
		zerolog.Ctx(ctx).Warn().Err(err).Str("session_id", id).Msg("payment status lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_lookup_failed"})
		return
	}
	sess, _ := v.(*sessions.Session)
	if sess == nil {
		a.cfg.Metrics.StatusLookup("not_found")
		c.JSON(http.StatusNotFound, gin.H{"error": "session_not_found"})
		return
	}

	a.cfg.Metrics.StatusLookup(string(sess.Status))
	c.JSON(http.StatusOK, gin.H{"status": sess.Status})
}

func (a *api) balance(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	bal, err := a.cfg.Sessions.GetBalance(ctx, uid)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int64("user_id", uid).Msg("balance lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": uid, "tokenBalance": bal})
}
