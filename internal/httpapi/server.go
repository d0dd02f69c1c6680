// Package httpapi exposes the control-plane HTTP contract (spec.md §6):
// device enumeration, forwarding-rule CRUD, a routing-table diagnostic
// snapshot, and peer status. Grounded on the teacher's APIServer
// (api.go): a dedicated echo.Echo on its own port, HideBanner/HidePort,
// middleware.Recover(), a consistent JSON error body via
// HTTPErrorHandler, and route registration in one place.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"meshnode/internal/peer"
	"meshnode/internal/pool"
	"meshnode/internal/registry"
	"meshnode/internal/route"
	"meshnode/internal/routing"
	"meshnode/internal/wire"
)

// Devices is the minimal registry.Registry surface the control plane needs.
type Devices interface {
	ListAll() []registry.Record
}

// Routes is the minimal route.Manager surface the control plane needs.
type Routes interface {
	List() []route.Rule
	Add(route.NewRuleInput) (route.RuleID, error)
	Update(route.RuleID, route.Update) error
	Delete(route.RuleID) error
	Get(route.RuleID) (route.Rule, bool)
}

// RoutingTable is the minimal routing.Table surface the control plane needs.
type RoutingTable interface {
	Snapshot() []routing.Descriptor
}

// Peers is the minimal pool.Pool surface the control plane needs.
type Peers interface {
	All() []*peer.Connection
}

// queryTimeout bounds how long a single HTTP request waits on a peer
// worker's reply channel before the request gives up on that peer.
const queryTimeout = 200 * time.Millisecond

// Server is the Echo application backing the §6 control-plane contract.
type Server struct {
	echo     *echo.Echo
	devices  Devices
	routes   Routes
	routing  RoutingTable
	peers    Peers
	selfNode wire.NodeID
}

// New constructs an Echo app and registers every §6 route.
func New(self wire.NodeID, devices Devices, routes Routes, routingTable RoutingTable, peers Peers) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{echo: e, devices: devices, routes: routes, routing: routingTable, peers: peers, selfNode: self}
	s.registerRoutes()
	return s
}

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			slog.Info("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

// jsonErrorHandler ensures every error response has a consistent
// {"error": "..."} body, replacing Echo's default handler which varies
// between text and JSON (grounded on the teacher's api.go jsonErrorHandler).
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if c.Response().Committed {
		return
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": msg})
}

// Echo exposes the underlying Echo instance, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/devices", s.handleListDevices)
	s.echo.GET("/routing/rules", s.handleListRules)
	s.echo.POST("/routing/rules", s.handleCreateRule)
	s.echo.PUT("/routing/rules/:id", s.handleUpdateRule)
	s.echo.DELETE("/routing/rules/:id", s.handleDeleteRule)
	s.echo.GET("/routing/table", s.handleRoutingTable)
	s.echo.GET("/peers", s.handleListPeers)
}

// Run starts Echo and blocks until ctx cancellation or startup failure,
// mirroring the teacher's APIServer.Run select-on-errCh-or-ctx.Done shape.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down control-plane http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	NodeID string `json:"nodeId"`
	Peers  int    `json:"peers"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		NodeID: s.selfNode.String(),
		Peers:  len(s.peers.All()),
	})
}

type deviceResponse struct {
	NodeID    string `json:"nodeId"`
	DeviceID  uint16 `json:"deviceId"`
	Name      string `json:"name"`
	Direction string `json:"direction"`
	IsLocal   bool   `json:"isLocal"`
}

func (s *Server) handleListDevices(c echo.Context) error {
	recs := s.devices.ListAll()
	out := make([]deviceResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, deviceResponse{
			NodeID:    r.Node.String(),
			DeviceID:  uint16(r.Device),
			Name:      r.Name,
			Direction: r.Direction.String(),
			IsLocal:   r.IsLocal,
		})
	}
	return c.JSON(http.StatusOK, out)
}

type deviceRef struct {
	NodeID   string `json:"nodeId"`
	DeviceID uint16 `json:"deviceId"`
}

func (d deviceRef) key() (wire.DeviceKey, error) {
	node, err := parseRuleNodeID(d.NodeID)
	if err != nil {
		return wire.DeviceKey{}, err
	}
	return wire.DeviceKey{Node: node, Device: wire.DeviceID(d.DeviceID)}, nil
}

// parseRuleNodeID resolves the control-plane convention that an empty
// string or the literal "local" names this node (spec.md §3 "a reserved
// 'nil' value denotes 'this node' in rule storage").
func parseRuleNodeID(s string) (wire.NodeID, error) {
	if s == "" || s == "local" {
		return wire.NilNodeID, nil
	}
	return wire.ParseNodeID(s)
}

func ruleNodeIDString(n wire.NodeID) string {
	if n.IsLocal() {
		return "local"
	}
	return n.String()
}

type ruleResponse struct {
	RuleID          string    `json:"ruleId"`
	Source          deviceRef `json:"source"`
	Destination     deviceRef `json:"destination"`
	Enabled         bool      `json:"enabled"`
	Priority        int32     `json:"priority"`
	ChannelFilter   *uint8    `json:"channelFilter,omitempty"`
	MessageTypeMask uint16    `json:"messageTypeMask"`
	TTL             uint8     `json:"ttl"`
	Forwarded       uint64    `json:"forwarded"`
	Dropped         uint64    `json:"dropped"`
	LastAt          *string   `json:"lastAt,omitempty"`
}

func toRuleResponse(r route.Rule) ruleResponse {
	resp := ruleResponse{
		RuleID:          r.ID.String(),
		Source:          deviceRef{NodeID: ruleNodeIDString(r.Source.Node), DeviceID: uint16(r.Source.Device)},
		Destination:     deviceRef{NodeID: ruleNodeIDString(r.Destination.Node), DeviceID: uint16(r.Destination.Device)},
		Enabled:         r.Enabled,
		Priority:        r.Priority,
		ChannelFilter:   r.ChannelFilter,
		MessageTypeMask: r.MessageTypeMask,
		TTL:             r.TTL,
		Forwarded:       r.Stats.Forwarded,
		Dropped:         r.Stats.Dropped,
	}
	if !r.Stats.LastAt.IsZero() {
		s := r.Stats.LastAt.Format(time.RFC3339Nano)
		resp.LastAt = &s
	}
	return resp
}

func (s *Server) handleListRules(c echo.Context) error {
	rules := s.routes.List()
	out := make([]ruleResponse, 0, len(rules))
	for _, r := range rules {
		out = append(out, toRuleResponse(r))
	}
	return c.JSON(http.StatusOK, out)
}

type createRuleRequest struct {
	Source          deviceRef `json:"source"`
	Destination     deviceRef `json:"destination"`
	Enabled         bool      `json:"enabled"`
	Priority        int32     `json:"priority"`
	ChannelFilter   *uint8    `json:"channelFilter,omitempty"`
	MessageTypeMask uint16    `json:"messageTypeMask"`
	TTL             uint8     `json:"ttl"`
}

func (s *Server) handleCreateRule(c echo.Context) error {
	var req createRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode request body: %v", err))
	}
	src, err := req.Source.key()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid source: %v", err))
	}
	dst, err := req.Destination.key()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid destination: %v", err))
	}
	// Local devices are registered under this node's real NodeID, so the
	// "local" token is resolved to it before the rule is validated.
	if src.Node.IsLocal() {
		src.Node = s.selfNode
	}
	if dst.Node.IsLocal() {
		dst.Node = s.selfNode
	}

	id, err := s.routes.Add(route.NewRuleInput{
		Source:          src,
		Destination:     dst,
		Enabled:         req.Enabled,
		Priority:        req.Priority,
		ChannelFilter:   req.ChannelFilter,
		MessageTypeMask: req.MessageTypeMask,
		TTL:             req.TTL,
	})
	if err != nil {
		return ruleMutationError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"ruleId": id.String()})
}

// ruleMutationError maps route.Manager errors onto the §6 status code
// contract: 400 for validation failures, 409 for a duplicate rule.
func ruleMutationError(err error) error {
	switch {
	case errors.Is(err, route.ErrDuplicateRule):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, route.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, route.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

type updateRuleRequest struct {
	Enabled         *bool            `json:"enabled,omitempty"`
	Priority        *int32           `json:"priority,omitempty"`
	ChannelFilter   *json.RawMessage `json:"channelFilter,omitempty"`
	MessageTypeMask *uint16          `json:"messageTypeMask,omitempty"`
}

func (s *Server) handleUpdateRule(c echo.Context) error {
	id, err := route.ParseRuleID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid rule id: %v", err))
	}
	var req updateRuleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("decode request body: %v", err))
	}

	upd := route.Update{Enabled: req.Enabled, Priority: req.Priority, MessageTypeMask: req.MessageTypeMask}
	if req.ChannelFilter != nil {
		var v *uint8
		if err := json.Unmarshal(*req.ChannelFilter, &v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid channelFilter: %v", err))
		}
		upd.ChannelFilter = &v
	}

	if err := s.routes.Update(id, upd); err != nil {
		return ruleMutationError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleDeleteRule(c echo.Context) error {
	id, err := route.ParseRuleID(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid rule id: %v", err))
	}
	if err := s.routes.Delete(id); err != nil {
		return ruleMutationError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type routeEntryResponse struct {
	NodeID    string `json:"nodeId"`
	DeviceID  uint16 `json:"deviceId"`
	Direction string `json:"direction"`
	IsLocal   bool   `json:"isLocal"`
}

func (s *Server) handleRoutingTable(c echo.Context) error {
	entries := s.routing.Snapshot()
	out := make([]routeEntryResponse, 0, len(entries))
	for _, d := range entries {
		out = append(out, routeEntryResponse{
			NodeID:    d.Key.Node.String(),
			DeviceID:  uint16(d.Key.Device),
			Direction: d.Direction.String(),
			IsLocal:   d.IsLocal,
		})
	}
	return c.JSON(http.StatusOK, out)
}

type peerResponse struct {
	NodeID                   string `json:"nodeId"`
	Name                     string `json:"name"`
	Address                  string `json:"address"`
	State                    string `json:"state"`
	TimeSinceLastHeartbeatMs int64  `json:"timeSinceLastHeartbeatMs"`
	DevicesKnown             int    `json:"devicesKnown"`
}

func (s *Server) handleListPeers(c echo.Context) error {
	conns := s.peers.All()
	out := make([]peerResponse, 0, len(conns))
	for _, conn := range conns {
		info, err := conn.Info(queryTimeout)
		if err != nil {
			continue
		}
		sinceHB, _ := conn.TimeSinceHeartbeat(queryTimeout)
		devices, _ := conn.RemoteDevices(queryTimeout)
		out = append(out, peerResponse{
			NodeID:                   info.Node.String(),
			Name:                     info.Name,
			Address:                  info.Address,
			State:                    info.State.String(),
			TimeSinceLastHeartbeatMs: sinceHB.Milliseconds(),
			DevicesKnown:             len(devices),
		})
	}
	return c.JSON(http.StatusOK, out)
}
