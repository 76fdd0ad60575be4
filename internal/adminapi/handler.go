// Package adminapi exposes a read-mostly gin HTTP surface over the peer
// directory façade for operator tooling, following the node's own
// admin_p2p.go handler shape: a thin handler struct delegating every
// mutation to the underlying service, never holding business logic itself.
package adminapi

import (
	"net/http"
	"net/netip"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/slopesweb/peerdir/internal/peerdir"
)

// Handler serves introspection and operator-triggered mutation endpoints
// over a *peerdir.Core.
type Handler struct {
	logger *zap.Logger
	core   *peerdir.Core
}

// NewHandler defaults a nil logger to a no-op one, matching the node's own
// admin handler constructor.
func NewHandler(logger *zap.Logger, core *peerdir.Core) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{logger: logger, core: core}
}

// RegisterRoutes mounts every admin endpoint under /api/v1/admin/peers and
// /api/v1/admin/quota.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/api/v1/admin/peers", h.listPeers)
	r.GET("/api/v1/admin/peers/advertisable", h.listAdvertisable)
	r.GET("/api/v1/admin/peers/dial-candidates", h.listDialCandidates)
	r.POST("/api/v1/admin/peers/:ip/ban", h.banPeer)
	r.GET("/api/v1/admin/quota", h.quota)
}

type peerView struct {
	IP                   string `json:"ip"`
	Banned               bool   `json:"banned"`
	Bootstrap            bool   `json:"bootstrap"`
	Advertised           bool   `json:"advertised"`
	ActiveOutAttempts    uint32 `json:"active_out_attempts"`
	ActiveOutConnections uint32 `json:"active_out_connections"`
	ActiveInConnections  uint32 `json:"active_in_connections"`
}

func (h *Handler) listPeers(c *gin.Context) {
	records := h.core.Snapshot()
	out := make([]peerView, 0, len(records))
	for _, r := range records {
		out = append(out, peerView{
			IP: r.IP.String(), Banned: r.Banned, Bootstrap: r.Bootstrap,
			Advertised: r.Advertised, ActiveOutAttempts: r.ActiveOutAttempts,
			ActiveOutConnections: r.ActiveOutConnections, ActiveInConnections: r.ActiveInConnections,
		})
	}
	c.JSON(http.StatusOK, gin.H{"peers": out})
}

func (h *Handler) listAdvertisable(c *gin.Context) {
	ips := h.core.GetAdvertisablePeerIPs()
	c.JSON(http.StatusOK, gin.H{"ips": addrsToStrings(ips)})
}

func (h *Handler) listDialCandidates(c *gin.Context) {
	ips := h.core.GetOutConnectionCandidateIPs()
	c.JSON(http.StatusOK, gin.H{"ips": addrsToStrings(ips)})
}

func (h *Handler) banPeer(c *gin.Context) {
	ip, err := netip.ParseAddr(c.Param("ip"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip"})
		return
	}
	if err := h.core.PeerBanned(ip); err != nil {
		h.logger.Warn("admin ban_peer failed", zap.String("ip", ip.String()), zap.Error(err))
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ip": ip.String(), "banned": true})
}

func (h *Handler) quota(c *gin.Context) {
	q := h.core.Quota()
	c.JSON(http.StatusOK, gin.H{
		"active_out_attempts":    q.ActiveOutAttempts,
		"active_out_connections": q.ActiveOutConnections,
		"active_in_connections":  q.ActiveInConnections,
		"available_out_attempts": q.AvailableOutAttempts,
		"directory_size":         q.DirectorySize,
	})
}

func addrsToStrings(addrs []netip.Addr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}
