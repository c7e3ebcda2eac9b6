package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"aasanpos/backend/internal/cart"
	"aasanpos/backend/internal/config"
	"aasanpos/backend/internal/connectivity"
	"aasanpos/backend/internal/domain"
	"aasanpos/backend/internal/offline"
	"aasanpos/backend/internal/pricing"
	"aasanpos/backend/internal/service"
	"aasanpos/backend/internal/store"
	"aasanpos/backend/internal/terminal"
)

const maxBodyBytes = 1 << 20

// defaultConfirmWait bounds how long checkout waits for the sale to reach
// the store or the queue before answering with a pending outcome.
const defaultConfirmWait = 3 * time.Second

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	confirmWait   time.Duration
	log           logrus.FieldLogger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log logrus.FieldLogger) *API {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		confirmWait:   defaultConfirmWait,
		log:           log.WithField("module", "httpapi"),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func (a *API) Handler() http.Handler {
	r := gin.New()
	// Client IPs come from the socket so X-Forwarded-For cannot dodge the
	// login limiter.
	_ = r.SetTrustedProxies(nil)

	r.Use(gin.Recovery())
	r.Use(a.withMiddleware())
	r.Use(cors.New(a.corsConfig()))

	r.GET("/healthz", a.handleHealth)

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", a.handleLogin)

	anyRole := v1.Group("", a.requireAuth(domain.RoleCashier, domain.RoleAdmin))
	admin := v1.Group("", a.requireAuth(domain.RoleAdmin))

	anyRole.GET("/products", a.handleListProducts)
	admin.POST("/products", a.handleCreateProduct)
	admin.PUT("/products/:barcode", a.handleUpdateProduct)
	admin.DELETE("/products/:barcode", a.handleDeleteProduct)

	anyRole.GET("/customers", a.handleListCustomers)
	anyRole.POST("/customers", a.handleCreateCustomer)
	anyRole.PUT("/customers/:id", a.handleUpdateCustomer)
	admin.DELETE("/customers/:id", a.handleDeleteCustomer)
	admin.POST("/customers/:id/payments", a.handleReceivePayment)

	anyRole.GET("/cart", a.handleGetCart)
	anyRole.DELETE("/cart", a.handleClearCart)
	anyRole.POST("/cart/items", a.handleAddToCart)
	anyRole.POST("/cart/items/:barcode/increment", a.handleIncrementItem)
	anyRole.POST("/cart/items/:barcode/decrement", a.handleDecrementItem)
	anyRole.PATCH("/cart/items/:barcode", a.handleEditItem)
	anyRole.DELETE("/cart/items/:barcode", a.handleRemoveItem)
	anyRole.POST("/cart/quote", a.handleQuote)
	anyRole.POST("/checkout", a.handleCheckout)

	anyRole.GET("/offline/queue", a.handleQueueStatus)
	anyRole.POST("/offline/drain", a.handleDrain)
	anyRole.GET("/connectivity", a.handleConnectivity)
	anyRole.POST("/connectivity", a.handleReportConnectivity)
	anyRole.GET("/notices", a.handleNotices)

	anyRole.GET("/sales", a.handleListSales)
	admin.GET("/sales/export", a.handleExportSales)
	admin.DELETE("/sales/:id", a.handleDeleteSale)
	admin.POST("/sales/delete", a.handleDeleteSales)
	admin.GET("/dashboard", a.handleDashboard)

	admin.GET("/users/cashiers", a.handleListCashiers)
	admin.POST("/users/cashiers", a.handleCreateCashier)

	return r
}

func (a *API) corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	origins := splitAndTrim(a.allowedOrigin)
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	cfg.AddAllowHeaders("Authorization")
	cfg.AddExposeHeaders("Content-Disposition")
	return cfg
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (a *API) withMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Cross-Origin-Opener-Policy", "same-origin")

		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
		}

		startedAt := time.Now()
		c.Next()
		a.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(startedAt).String(),
		}).Debug("request handled")
	}
}

func (a *API) requireAuth(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorization := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(c, http.StatusUnauthorized, errors.New("missing bearer token"))
			c.Abort()
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(c, http.StatusUnauthorized, err)
			c.Abort()
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(c, http.StatusForbidden, errors.New("forbidden role"))
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(service.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	// The agent keeps selling while the store is down, so health stays 200
	// and reports the store separately.
	storeOK := a.service.Ping(ctx) == nil
	c.JSON(http.StatusOK, gin.H{
		"ok":    true,
		"store": storeOK,
		"at":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(c *gin.Context) {
	if !a.loginLimiter.Allow(c.ClientIP()) {
		a.writeError(c, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(c.Request.Context(), req)
	if err != nil {
		a.writeError(c, http.StatusUnauthorized, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) handleListCashiers(c *gin.Context) {
	actor, _ := service.ActorFromContext(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"cashiers": a.auth.ListCashiers(c.Request.Context(), actor.ShopID)})
}

func (a *API) handleCreateCashier(c *gin.Context) {
	var req domain.CashierCreateRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	actor, _ := service.ActorFromContext(c.Request.Context())
	user, err := a.auth.CreateCashier(c.Request.Context(), actor.ShopID, req)
	if err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (a *API) handleListProducts(c *gin.Context) {
	products, err := a.service.ListProducts(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (a *API) handleCreateProduct(c *gin.Context) {
	var req domain.ProductRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.CreateProduct(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func (a *API) handleUpdateProduct(c *gin.Context) {
	var req domain.ProductRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.UpdateProduct(c.Request.Context(), c.Param("barcode"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func (a *API) handleDeleteProduct(c *gin.Context) {
	if err := a.service.DeleteProduct(c.Request.Context(), c.Param("barcode")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleListCustomers(c *gin.Context) {
	customers, err := a.service.ListCustomers(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": customers})
}

func (a *API) handleCreateCustomer(c *gin.Context) {
	var req domain.CustomerRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.CreateCustomer(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, customer)
}

func (a *API) handleUpdateCustomer(c *gin.Context) {
	var req domain.CustomerRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.UpdateCustomer(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (a *API) handleDeleteCustomer(c *gin.Context) {
	if err := a.service.DeleteCustomer(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleReceivePayment(c *gin.Context) {
	var req domain.PaymentRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.ReceivePayment(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (a *API) handleGetCart(c *gin.Context) {
	view, err := a.service.Cart(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (a *API) handleClearCart(c *gin.Context) {
	if err := a.service.ClearCart(c.Request.Context()); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type addItemRequest struct {
	Barcode string `json:"barcode"`
}

func (a *API) handleAddToCart(c *gin.Context) {
	var req addItemRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	line, err := a.service.AddToCart(c.Request.Context(), req.Barcode)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

func (a *API) handleIncrementItem(c *gin.Context) {
	line, err := a.service.IncrementCartItem(c.Request.Context(), c.Param("barcode"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

func (a *API) handleDecrementItem(c *gin.Context) {
	line, removed, err := a.service.DecrementCartItem(c.Request.Context(), c.Param("barcode"))
	if err != nil {
		a.fail(c, err)
		return
	}
	if removed {
		c.JSON(http.StatusOK, gin.H{"removed": true})
		return
	}
	c.JSON(http.StatusOK, line)
}

func (a *API) handleEditItem(c *gin.Context) {
	var edit cart.Edit
	if err := decodeJSON(c, &edit); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	line, err := a.service.EditCartItem(c.Request.Context(), c.Param("barcode"), edit)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

func (a *API) handleRemoveItem(c *gin.Context) {
	if err := a.service.RemoveCartItem(c.Request.Context(), c.Param("barcode")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleQuote(c *gin.Context) {
	var req domain.CheckoutRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	summary, err := a.service.Quote(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type checkoutResponse struct {
	Receipt terminal.Receipt `json:"receipt"`
	Outcome outcomeView      `json:"outcome"`
}

type outcomeView struct {
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// handleCheckout answers once the sale is final locally. It waits a short
// while for the confirmation so most responses carry the committed or
// queued outcome; a slow store yields "pending".
func (a *API) handleCheckout(c *gin.Context) {
	var req domain.CheckoutRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	receipt, conf, err := a.service.Checkout(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}

	resp := checkoutResponse{Receipt: receipt, Outcome: outcomeView{Status: "pending"}}
	waitCtx, cancel := context.WithTimeout(c.Request.Context(), a.confirmWait)
	defer cancel()
	if outcome, err := conf.Wait(waitCtx); err == nil {
		resp.Outcome = outcomeView{Status: string(outcome.Status), Warnings: outcome.Warnings}
		if outcome.Err != nil {
			resp.Outcome.Error = "sale could not be saved for sync"
		}
	}
	c.JSON(http.StatusCreated, resp)
}

func (a *API) handleQueueStatus(c *gin.Context) {
	status, err := a.service.QueueStatus(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (a *API) handleDrain(c *gin.Context) {
	report, err := a.service.DrainQueue(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleConnectivity(c *gin.Context) {
	state, err := a.service.Connectivity(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

type connectivityRequest struct {
	Status string `json:"status"`
}

func (a *API) handleReportConnectivity(c *gin.Context) {
	var req connectivityRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	status, err := connectivity.ParseStatus(req.Status)
	if err != nil {
		a.fail(c, err)
		return
	}
	state, err := a.service.ReportConnectivity(c.Request.Context(), status)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, state)
}

func (a *API) handleNotices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notices": a.service.Notices(c.Request.Context())})
}

func (a *API) handleListSales(c *gin.Context) {
	period, err := service.ParsePeriod(c.Query("period"))
	if err != nil {
		a.fail(c, err)
		return
	}
	report, err := a.service.ListSales(c.Request.Context(), period, c.Query("q"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) handleDeleteSale(c *gin.Context) {
	if err := a.service.DeleteSale(c.Request.Context(), c.Param("id")); err != nil {
		a.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) handleDeleteSales(c *gin.Context) {
	var req domain.DeleteSalesRequest
	if err := decodeJSON(c, &req); err != nil {
		a.writeError(c, http.StatusBadRequest, err)
		return
	}
	deleted, err := a.service.DeleteSales(c.Request.Context(), req)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (a *API) handleDashboard(c *gin.Context) {
	dashboard, err := a.service.Dashboard(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dashboard)
}

func decodeJSON(c *gin.Context, dest any) error {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, cart.ErrProductNotFound),
		errors.Is(err, cart.ErrNotInCart),
		errors.Is(err, terminal.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, service.ErrDuplicateBarcode),
		errors.Is(err, offline.ErrDrainInProgress):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, connectivity.ErrUnknownStatus),
		errors.Is(err, pricing.ErrNegativeDiscount),
		errors.Is(err, pricing.ErrNegativeAmount):
		return http.StatusBadRequest
	case errors.Is(err, cart.ErrInvalidEdit),
		errors.Is(err, cart.ErrOutOfStock),
		errors.Is(err, cart.ErrInsufficientStock),
		errors.Is(err, pricing.ErrEmptyCart),
		errors.Is(err, pricing.ErrUnderpaid),
		errors.Is(err, pricing.ErrOverpaid),
		errors.Is(err, pricing.ErrDiscountExceedsTotal),
		errors.Is(err, service.ErrPaymentExceedsDue):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *API) fail(c *gin.Context, err error) {
	var invalid *cart.ValidationError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  cart.ErrInvalidEdit.Error(),
			"fields": invalid.Fields,
		})
		return
	}
	a.writeError(c, statusFor(err), err)
}

func (a *API) writeError(c *gin.Context, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		config.LogError(a.log, "httpapi", "writeError", c.Request.Method+" "+c.Request.URL.Path, gin.H{"status": status}, err)
		msg = "internal server error"
		if status == http.StatusServiceUnavailable {
			msg = "store unavailable"
		}
	}
	c.JSON(status, gin.H{
		"error": msg,
	})
}
