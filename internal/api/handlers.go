package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"storefront-orders/internal/checkout"
	"storefront-orders/internal/data"
	"storefront-orders/internal/lifecycle"
	"storefront-orders/internal/payment"
)

const maxWebhookSize = 1 << 20 // 1MB

type cartItem struct {
	ID          string          `json:"id" binding:"required,max=64"`
	Name        string          `json:"name" binding:"required,max=255"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity" binding:"required,min=1,max=1000"`
	Description string          `json:"description" binding:"max=1024"`
	Image       string          `json:"image" binding:"omitempty,url,max=2048"`
}

type checkoutRequest struct {
	Items         []cartItem `json:"items" binding:"required,min=1,max=100,dive"`
	CustomerEmail string     `json:"customerEmail" binding:"omitempty,email,max=255"`
	CustomerName  string     `json:"customerName" binding:"max=255"`
	CustomerPhone string     `json:"customerPhone" binding:"max=32"`
	Locale        string     `json:"locale" binding:"max=16"`
}

func (r checkoutRequest) toCheckout() checkout.Request {
	items := make([]data.Item, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, data.Item{
			ID:          it.ID,
			Name:        it.Name,
			Price:       it.Price,
			Quantity:    it.Quantity,
			Description: it.Description,
			Image:       it.Image,
		})
	}
	return checkout.Request{
		Items: items,
		Customer: lifecycle.Customer{
			Email: strings.TrimSpace(r.CustomerEmail),
			Name:  strings.TrimSpace(r.CustomerName),
			Phone: strings.TrimSpace(r.CustomerPhone),
		},
		Locale: r.Locale,
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Ping != nil {
		if err := s.deps.Ping(c.Request.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleCreateCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid checkout request", "detail": err.Error()})
		return
	}

	res, err := s.deps.Checkout.CreateCheckout(c.Request.Context(), req.toCheckout())
	if err != nil {
		s.fail(c, err, "checkout failed")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, err := s.deps.Checkout.Session(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		s.fail(c, err, "could not load checkout session")
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.deps.Orders.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		s.fail(c, err, "could not load order")
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleListOrders(c *gin.Context) {
	email := strings.TrimSpace(c.Query("email"))
	if email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email query parameter required"})
		return
	}

	orders, err := s.deps.Orders.ListByEmail(c.Request.Context(), email)
	if err != nil {
		s.fail(c, err, "could not list orders")
		return
	}
	if orders == nil {
		orders = []data.Order{}
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) handleWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read webhook body"})
		return
	}

	if err := s.deps.Webhooks.HandleEvent(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		if errors.Is(err, payment.ErrSignatureInvalid) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		s.logger.Error("webhook handling failed", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// fail maps err onto a status code. Server errors carry msg, plus the
// underlying error outside production.
func (s *Server) fail(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, data.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, data.ErrNotFound), errors.Is(err, payment.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	s.logger.Error(msg, "path", c.Request.URL.Path, "error", err)
	body := gin.H{"error": msg}
	if !s.deps.Production {
		body["detail"] = err.Error()
	}
	c.JSON(http.StatusInternalServerError, body)
}
