package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"trading_bot/internal/domain"
	"trading_bot/internal/infra"

	"github.com/gin-gonic/gin"
)

type router struct {
	cfg   ServerConfig
	known map[string]bool
}

func newRouter(cfg ServerConfig) *router {
	known := make(map[string]bool, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		known[inst] = true
	}
	return &router{cfg: cfg, known: known}
}

func (r *router) register(g *gin.RouterGroup) {
	g.GET("/metrics", r.metrics)
	g.GET("/connection", r.connection)
	g.GET("/alerts", r.alerts)
	g.GET("/market", r.market)
	g.GET("/positions", r.positions)
	g.GET("/account", r.account)
	g.GET("/instruments/:instrument", r.instrument)
	g.POST("/instruments/:instrument/halt", r.halt)
	g.POST("/instruments/:instrument/resume", r.resume)
	g.GET("/orders", r.orders)
	g.GET("/orders/:id", r.order)
	g.POST("/orders/:id/cancel", r.cancel)
	g.GET("/journal", r.journal)
}

// orderView is the wire shape of an order record.
type orderView struct {
	OrderID      string    `json:"order_id"`
	Instrument   string    `json:"instrument"`
	Side         string    `json:"side"`
	Quantity     string    `json:"quantity"`
	LimitPrice   string    `json:"limit_price,omitempty"`
	Strategy     string    `json:"strategy"`
	State        string    `json:"state"`
	FilledQty    string    `json:"filled_qty"`
	AvgFillPrice string    `json:"avg_fill_price"`
	Reason       string    `json:"reason,omitempty"`
	Ambiguous    bool      `json:"ambiguous"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toOrderView(rec domain.OrderRecord) orderView {
	v := orderView{
		OrderID:      rec.OrderID,
		Instrument:   rec.Intent.Instrument,
		Side:         rec.Intent.Side.String(),
		Quantity:     rec.Intent.Quantity.String(),
		Strategy:     rec.Intent.Strategy,
		State:        string(rec.State),
		FilledQty:    rec.FilledQty.String(),
		AvgFillPrice: rec.AvgFillPrice.String(),
		Reason:       rec.Reason,
		Ambiguous:    rec.Ambiguous,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.LastUpdated,
	}
	if rec.Intent.LimitPrice != nil {
		v.LimitPrice = rec.Intent.LimitPrice.String()
	}
	return v
}

func (r *router) metrics(c *gin.Context) {
	if r.cfg.Metrics == nil {
		c.JSON(http.StatusOK, infra.MetricsSnapshot{Timestamp: time.Now()})
		return
	}
	c.JSON(http.StatusOK, r.cfg.Metrics.Snapshot())
}

func (r *router) connection(c *gin.Context) {
	if r.cfg.Connection == nil {
		c.JSON(http.StatusOK, gin.H{"status": domain.StatusDisconnected.String()})
		return
	}
	st := r.cfg.Connection()
	c.JSON(http.StatusOK, gin.H{
		"status":         st.Status.String(),
		"last_heartbeat": st.LastHeartbeat,
		"instruments":    st.Instruments,
		"attempt":        st.Attempt,
		"sessions":       st.Sessions,
	})
}

func (r *router) alerts(c *gin.Context) {
	if r.cfg.Alerts == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []domain.Alert{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": r.cfg.Alerts.Recent()})
}

func (r *router) market(c *gin.Context) {
	if r.cfg.Market == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "market view disabled"})
		return
	}
	if inst := normalize(c.Query("instrument")); inst != "" {
		view, ok := r.cfg.Market.GetData(inst)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no data for " + inst})
			return
		}
		c.JSON(http.StatusOK, view)
		return
	}
	c.JSON(http.StatusOK, gin.H{"market": r.cfg.Market.GetAllData()})
}

func (r *router) account(c *gin.Context) {
	c.JSON(http.StatusOK, r.cfg.Risk.Account())
}

func (r *router) positions(c *gin.Context) {
	positions, err := r.cfg.Risk.Positions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (r *router) instrument(c *gin.Context) {
	inst, ok := r.knownInstrument(c)
	if !ok {
		return
	}
	snap, err := r.cfg.Risk.Snapshot(c.Request.Context(), inst)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

type haltRequest struct {
	Reason string `json:"reason"`
}

func (r *router) halt(c *gin.Context) {
	inst, ok := r.knownInstrument(c)
	if !ok {
		return
	}
	var req haltRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "halted by operator"
	}
	if err := r.cfg.Risk.Halt(c.Request.Context(), inst, req.Reason); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": inst, "halted": true, "reason": req.Reason})
}

func (r *router) resume(c *gin.Context) {
	inst, ok := r.knownInstrument(c)
	if !ok {
		return
	}
	if err := r.cfg.Risk.Resume(c.Request.Context(), inst); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"instrument": inst, "halted": false})
}

func (r *router) orders(c *gin.Context) {
	openOnly := c.Query("open") == "true"
	recs := r.cfg.Orders.Orders(openOnly)
	out := make([]orderView, len(recs))
	for i, rec := range recs {
		out[i] = toOrderView(rec)
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (r *router) order(c *gin.Context) {
	rec, ok := r.cfg.Orders.Order(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrUnknownOrder.Error()})
		return
	}
	c.JSON(http.StatusOK, toOrderView(rec))
}

func (r *router) cancel(c *gin.Context) {
	rec, err := r.cfg.Orders.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, domain.ErrUnknownOrder):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, toOrderView(rec))
	}
}

func (r *router) journal(c *gin.Context) {
	if r.cfg.Journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := r.cfg.Journal.Orders(c.Request.Context(), c.Query("orphaned") == "true", limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": entries})
}

func (r *router) knownInstrument(c *gin.Context) (string, bool) {
	inst := normalize(c.Param("instrument"))
	if !r.known[inst] {
		c.JSON(http.StatusNotFound, gin.H{"error": domain.ErrInvalidInstrument.Error() + ": " + inst})
		return "", false
	}
	return inst, true
}

func normalize(s string) string {
	return infra.NormalizeInstrument(s)
}
