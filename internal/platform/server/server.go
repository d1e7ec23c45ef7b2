package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/progestock/progestock/internal/audit"
	"github.com/progestock/progestock/internal/auth"
	"github.com/progestock/progestock/internal/company"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/inventory"
	"github.com/progestock/progestock/internal/notify"
	"github.com/progestock/progestock/internal/platform/middleware"
	"github.com/progestock/progestock/internal/platform/telemetry"
)

// Dependencies holds all injected dependencies for the server.
type Dependencies struct {
	Pool               *pgxpool.Pool
	Auth               *auth.TokenService
	AuthHandler        *auth.Handler
	Identities         auth.IdentityLoader
	Guard              *guard.Guard
	CompanyHandler     *company.Handler
	InventoryHandler   *inventory.Handler
	AuditHandler       *audit.Handler
	NotifyHandler      *notify.Handler
	InboxHandler       *notify.InboxHandler
	GuardAuditLogger   guard.AuditLogger
	Metrics            *telemetry.Metrics
	MetricsPath        string
	DevMode            bool
	DevIdentity        *auth.Identity
	Logger             *slog.Logger
	CORSAllowedOrigins []string
	Languages          []string
}

type Server struct {
	httpServer *http.Server
	pool       *pgxpool.Pool
	handler    http.Handler
}

func New(addr string, deps Dependencies) *Server {
	// Protected routes mux, wrapped with auth middleware
	protectedMux := http.NewServeMux()

	var protectedHandler http.Handler = protectedMux
	protectedHandler = middleware.TenantContext(protectedHandler)
	if deps.Auth != nil {
		var authOpts []auth.MiddlewareOption
		if deps.Identities != nil {
			authOpts = append(authOpts, auth.WithIdentityLoader(deps.Identities))
		}
		if deps.DevMode && deps.DevIdentity != nil {
			protectedHandler = auth.MiddlewareWithDevMode(deps.Auth, deps.DevIdentity, authOpts...)(protectedHandler)
		} else {
			protectedHandler = auth.Middleware(deps.Auth, authOpts...)(protectedHandler)
		}
	}

	// Top-level mux: public routes + protected catch-all
	topMux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		pool: deps.Pool,
	}

	public := func(pattern string, h http.HandlerFunc) {
		topMux.Handle(pattern, middleware.RecordRoute(h))
	}

	// Public routes (no auth required)
	public("GET /healthz", s.handleHealth)
	public("GET /readyz", s.handleReadiness)
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		topMux.Handle("GET "+path, deps.Metrics.Handler())
	}
	if deps.AuthHandler != nil {
		public("POST /auth/token/refresh", deps.AuthHandler.HandleRefresh)
		// Dev-only login route
		if deps.DevMode {
			public("POST /auth/dev/login", deps.AuthHandler.HandleDevLogin)
		}
	}
	// The websocket authenticates with a query token since browsers cannot
	// set headers on the upgrade request.
	if deps.NotifyHandler != nil {
		public("GET /api/v1/notifications/ws", deps.NotifyHandler.HandleStream)
	}

	var guardOpts []guard.MiddlewareOption
	if deps.GuardAuditLogger != nil {
		guardOpts = append(guardOpts, guard.WithAuditLogger(deps.GuardAuditLogger))
	}
	require := func(pattern string, op guard.Operation, rt guard.ResourceType, h http.HandlerFunc) {
		protectedMux.Handle(pattern, middleware.RecordRoute(guard.Require(deps.Guard, op, rt, guardOpts...)(h)))
	}

	// Company and team routes
	if deps.CompanyHandler != nil && deps.Guard != nil {
		c := deps.CompanyHandler
		// Onboarding runs before the caller has a tenant, so the handler
		// checks the principal itself.
		protectedMux.Handle("POST /api/v1/company/onboarding", middleware.RecordRoute(http.HandlerFunc(c.HandleOnboard)))
		require("GET /api/v1/company", guard.OpRead, guard.ResourceCompany, c.HandleGet)
		require("PUT /api/v1/company", guard.OpUpdate, guard.ResourceCompany, c.HandleUpdate)
		require("POST /api/v1/company/complete-onboarding", guard.OpUpdate, guard.ResourceCompany, c.HandleCompleteOnboarding)
		require("GET /api/v1/team", guard.OpRead, guard.ResourceUser, c.HandleListTeam)
		require("PUT /api/v1/team/{id}/role", guard.OpUpdate, guard.ResourceUser, c.HandleUpdateRole)
		require("DELETE /api/v1/team/{id}", guard.OpDelete, guard.ResourceUser, c.HandleRemoveMember)
	}

	// Inventory routes
	if deps.InventoryHandler != nil && deps.Guard != nil {
		h := deps.InventoryHandler

		require("GET /api/v1/locations", guard.OpRead, guard.ResourceLocation, h.HandleListLocations)
		require("POST /api/v1/locations", guard.OpCreate, guard.ResourceLocation, h.HandleCreateLocation)
		require("GET /api/v1/locations/{id}", guard.OpRead, guard.ResourceLocation, h.HandleGetLocation)
		require("PUT /api/v1/locations/{id}", guard.OpUpdate, guard.ResourceLocation, h.HandleUpdateLocation)
		require("DELETE /api/v1/locations/{id}", guard.OpDelete, guard.ResourceLocation, h.HandleDeleteLocation)

		require("GET /api/v1/categories", guard.OpRead, guard.ResourceCategory, h.HandleListCategories)
		require("POST /api/v1/categories", guard.OpCreate, guard.ResourceCategory, h.HandleCreateCategory)
		require("GET /api/v1/categories/{id}", guard.OpRead, guard.ResourceCategory, h.HandleGetCategory)
		require("PUT /api/v1/categories/{id}", guard.OpUpdate, guard.ResourceCategory, h.HandleUpdateCategory)
		require("DELETE /api/v1/categories/{id}", guard.OpDelete, guard.ResourceCategory, h.HandleDeleteCategory)

		require("GET /api/v1/products", guard.OpRead, guard.ResourceProduct, h.HandleListProducts)
		require("POST /api/v1/products", guard.OpCreate, guard.ResourceProduct, h.HandleCreateProduct)
		require("POST /api/v1/products/import", guard.OpCreate, guard.ResourceProduct, h.HandleImportProducts)
		require("GET /api/v1/products/{id}", guard.OpRead, guard.ResourceProduct, h.HandleGetProduct)
		require("PUT /api/v1/products/{id}", guard.OpUpdate, guard.ResourceProduct, h.HandleUpdateProduct)
		require("DELETE /api/v1/products/{id}", guard.OpDelete, guard.ResourceProduct, h.HandleDeleteProduct)

		require("GET /api/v1/clients", guard.OpRead, guard.ResourceClient, h.HandleListClients)
		require("POST /api/v1/clients", guard.OpCreate, guard.ResourceClient, h.HandleCreateClient)
		require("GET /api/v1/clients/{id}", guard.OpRead, guard.ResourceClient, h.HandleGetClient)
		require("PUT /api/v1/clients/{id}", guard.OpUpdate, guard.ResourceClient, h.HandleUpdateClient)
		require("DELETE /api/v1/clients/{id}", guard.OpDelete, guard.ResourceClient, h.HandleDeleteClient)

		require("GET /api/v1/stock", guard.OpRead, guard.ResourceStock, h.HandleStockOverview)
		require("PUT /api/v1/stock", guard.OpUpdate, guard.ResourceStock, h.HandleSetStock)
		require("POST /api/v1/stock/adjust", guard.OpUpdate, guard.ResourceStock, h.HandleAdjustStock)
		require("POST /api/v1/stock/transfer", guard.OpUpdate, guard.ResourceStock, h.HandleTransferStock)
		require("GET /api/v1/stock/history", guard.OpRead, guard.ResourceStock, h.HandleStockHistory)

		require("GET /api/v1/dashboard/stats", guard.OpRead, guard.ResourceProduct, h.HandleDashboard)

		require("GET /api/v1/suppliers", guard.OpRead, guard.ResourceSupplier, h.HandleListSuppliers)
		require("POST /api/v1/suppliers", guard.OpCreate, guard.ResourceSupplier, h.HandleCreateSupplier)
		require("GET /api/v1/suppliers/{id}", guard.OpRead, guard.ResourceSupplier, h.HandleGetSupplier)
		require("PUT /api/v1/suppliers/{id}", guard.OpUpdate, guard.ResourceSupplier, h.HandleUpdateSupplier)
		require("DELETE /api/v1/suppliers/{id}", guard.OpDelete, guard.ResourceSupplier, h.HandleDeleteSupplier)

		require("GET /api/v1/purchase-orders", guard.OpRead, guard.ResourcePurchaseOrder, h.HandleListPurchaseOrders)
		require("POST /api/v1/purchase-orders", guard.OpCreate, guard.ResourcePurchaseOrder, h.HandleCreatePurchaseOrder)
		require("GET /api/v1/purchase-orders/statistics", guard.OpRead, guard.ResourcePurchaseOrder, h.HandlePurchaseOrderStatistics)
		require("GET /api/v1/purchase-orders/{id}", guard.OpRead, guard.ResourcePurchaseOrder, h.HandleGetPurchaseOrder)
		require("PUT /api/v1/purchase-orders/{id}", guard.OpUpdate, guard.ResourcePurchaseOrder, h.HandleUpdatePurchaseOrder)
		require("DELETE /api/v1/purchase-orders/{id}", guard.OpDelete, guard.ResourcePurchaseOrder, h.HandleDeletePurchaseOrder)
		require("POST /api/v1/purchase-orders/{id}/receive", guard.OpUpdate, guard.ResourcePurchaseOrder, h.HandleReceiveItems)
		require("POST /api/v1/purchase-orders/{id}/add-to-inventory", guard.OpUpdate, guard.ResourceStock, h.HandleAddToInventory)
		require("POST /api/v1/purchase-orders/{id}/cancel", guard.OpUpdate, guard.ResourcePurchaseOrder, h.HandleCancelPurchaseOrder)

		require("GET /api/v1/quotes", guard.OpRead, guard.ResourceQuote, h.HandleListQuotes)
		require("POST /api/v1/quotes", guard.OpCreate, guard.ResourceQuote, h.HandleCreateQuote)
		require("GET /api/v1/quotes/kpis", guard.OpRead, guard.ResourceQuote, h.HandleQuoteKPIs)
		require("GET /api/v1/quotes/{id}", guard.OpRead, guard.ResourceQuote, h.HandleGetQuote)
		require("PUT /api/v1/quotes/{id}", guard.OpUpdate, guard.ResourceQuote, h.HandleUpdateQuote)
		require("DELETE /api/v1/quotes/{id}", guard.OpDelete, guard.ResourceQuote, h.HandleDeleteQuote)
		require("POST /api/v1/quotes/{id}/status", guard.OpUpdate, guard.ResourceQuote, h.HandleSetQuoteStatus)
		require("POST /api/v1/quotes/{id}/duplicate", guard.OpCreate, guard.ResourceQuote, h.HandleDuplicateQuote)
		require("POST /api/v1/quotes/{id}/convert", guard.OpCreate, guard.ResourceInvoice, h.HandleConvertQuote)

		require("GET /api/v1/invoices", guard.OpRead, guard.ResourceInvoice, h.HandleListInvoices)
		require("POST /api/v1/invoices", guard.OpCreate, guard.ResourceInvoice, h.HandleCreateInvoice)
		require("GET /api/v1/invoices/kpis", guard.OpRead, guard.ResourceInvoice, h.HandleInvoiceKPIs)
		require("GET /api/v1/invoices/{id}", guard.OpRead, guard.ResourceInvoice, h.HandleGetInvoice)
		require("PUT /api/v1/invoices/{id}", guard.OpUpdate, guard.ResourceInvoice, h.HandleUpdateInvoice)
		require("DELETE /api/v1/invoices/{id}", guard.OpDelete, guard.ResourceInvoice, h.HandleDeleteInvoice)
		require("POST /api/v1/invoices/{id}/payments", guard.OpUpdate, guard.ResourceInvoice, h.HandleRecordPayment)

		require("GET /api/v1/reports/inventory-valuation", guard.OpRead, guard.ResourceReport, h.HandleInventoryValuation)
		require("GET /api/v1/reports/sales", guard.OpRead, guard.ResourceReport, h.HandleSalesReport)
		require("GET /api/v1/reports/quote-conversion", guard.OpRead, guard.ResourceReport, h.HandleQuoteConversionReport)
	}

	// Notification inbox routes
	if deps.InboxHandler != nil && deps.Guard != nil {
		n := deps.InboxHandler
		require("GET /api/v1/notifications", guard.OpRead, guard.ResourceNotification, n.HandleList)
		require("GET /api/v1/notifications/unread-count", guard.OpRead, guard.ResourceNotification, n.HandleUnreadCount)
		require("POST /api/v1/notifications/mark-read", guard.OpUpdate, guard.ResourceNotification, n.HandleMarkRead)
		require("POST /api/v1/notifications/mark-all-read", guard.OpUpdate, guard.ResourceNotification, n.HandleMarkAllRead)
		require("POST /api/v1/notifications/{id}/read", guard.OpUpdate, guard.ResourceNotification, n.HandleMarkOneRead)
	}

	// Audit routes
	if deps.AuditHandler != nil && deps.Guard != nil {
		require("GET /api/v1/audit/events", guard.OpRead, guard.ResourceAudit, deps.AuditHandler.HandleListEvents)
	}

	// All other routes go through auth middleware
	topMux.Handle("/", protectedHandler)

	// Outermost first: CORS, request id, metrics, logging, locale.
	var handler http.Handler = topMux
	if len(deps.Languages) > 0 {
		handler = middleware.Locale(deps.Languages)(handler)
	}
	if deps.Logger != nil {
		handler = middleware.Logging(deps.Logger)(handler)
	}
	handler = middleware.Metrics(deps.Metrics)(handler)
	handler = middleware.RequestID(handler)
	if len(deps.CORSAllowedOrigins) > 0 {
		handler = middleware.CORS(deps.CORSAllowedOrigins)(handler)
	}

	s.handler = handler
	s.httpServer.Handler = handler
	return s
}

// Handler returns the full middleware-wrapped handler chain (for testing).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	slog.Info("server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database not connected",
		})
		return
	}

	if err := s.pool.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "database ping failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
