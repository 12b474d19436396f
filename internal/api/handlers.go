package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"triad-trading-bot/internal/ledger"
)

func (s *Server) handleHealth(c *gin.Context) {
	overall := "ok"
	code := http.StatusOK
	checks := gin.H{}
	for _, nc := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := nc.check(ctx)
		cancel()
		if err != nil {
			checks[nc.name] = err.Error()
			overall = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			checks[nc.name] = "ok"
		}
	}

	resp := gin.H{
		"status": overall,
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	if len(checks) > 0 {
		resp["checks"] = checks
	}
	c.JSON(code, resp)
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"active_groups": len(s.ledger.ActiveGroups()),
	}
	if s.bot != nil {
		status["bot"] = s.bot.Status()
	}
	if s.limiter != nil {
		status["rate_limiter"] = s.limiter.GetStatus()
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleGroups(c *gin.Context) {
	groups := s.ledger.ActiveGroups()
	out := make([]gin.H, 0, len(groups))
	for _, g := range groups {
		out = append(out, s.groupView(g))
	}
	c.JSON(http.StatusOK, gin.H{"groups": out, "count": len(out)})
}

func (s *Server) handleGroup(c *gin.Context) {
	id := c.Param("id")
	g, ok := s.ledger.GetGroup(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "group not found", "id": id})
		return
	}
	c.JSON(http.StatusOK, s.groupView(g))
}

func (s *Server) handleStopModifications(c *gin.Context) {
	magic, err := strconv.ParseInt(c.Param("magic"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid magic number"})
		return
	}

	mods, err := s.ledger.StopModifications(c.Request.Context(), magic)
	if err != nil {
		s.logger.Error().Err(err).Int64("magic", magic).Msg("Loading stop modifications failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stop modifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"magic": magic, "modifications": mods, "count": len(mods)})
}

// groupView flattens a group and its positions into one response object.
func (s *Server) groupView(g ledger.Group) gin.H {
	positions := s.ledger.GroupPositions(g.ID)
	ps := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		ps = append(ps, gin.H{
			"magic":           p.Magic,
			"slot":            p.Slot,
			"status":          p.Status,
			"quantity":        p.Quantity,
			"entry_price":     p.EntryPrice,
			"target_price":    p.TargetPrice,
			"stop_price":      p.StopPrice,
			"trailing_active": p.TrailingActive,
			"stop_mod_count":  p.StopModCount,
			"close_price":     p.ClosePrice,
			"close_reason":    p.CloseReason,
		})
	}
	return gin.H{
		"id":               g.ID,
		"symbol":           g.Symbol,
		"side":             g.Side,
		"regime":           g.Regime,
		"counter":          g.Counter,
		"status":           g.Status,
		"entry_price":      g.EntryPrice,
		"first_target_hit": g.FirstTargetHit,
		"extreme_price":    g.ExtremePrice,
		"opened_at":        g.OpenedAt,
		"deadline":         g.Deadline,
		"positions":        ps,
	}
}
