// Package gin adapts the payment middleware to gin. Verification and
// settlement are delegated to middleware.Middleware; this package only
// translates between gin.Context and net/http.
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nova402/x402/middleware"
)

// PaymentKey is the gin context key holding the *middleware.Payment.
const PaymentKey = "x402_payment"

// New returns a gin handler gating the chain behind m. Unlike the net/http
// handler, settlement completes before the downstream handlers run.
func New(m *middleware.Middleware) gin.HandlerFunc {
	cfg := m.Config()

	return func(c *gin.Context) {
		p, ok := m.Authorize(c.Writer, c.Request)
		if !ok {
			c.Abort()
			return
		}
		c.Set(PaymentKey, p)
		c.Request = c.Request.WithContext(middleware.WithPayment(c.Request.Context(), p))

		switch {
		case cfg.VerifyOnly:
			c.Next()

		case cfg.OptimisticGrant:
			c.Next()
			if c.Writer.Status() < http.StatusBadRequest {
				m.SettleAsync(c.Request.Context(), p)
			}

		default:
			if !m.Settle(c.Writer, c.Request, p) {
				c.Abort()
				return
			}
			c.Next()
		}
	}
}

// Payment returns the payment the request was granted on, or nil.
func Payment(c *gin.Context) *middleware.Payment {
	v, ok := c.Get(PaymentKey)
	if !ok {
		return nil
	}
	p, _ := v.(*middleware.Payment)
	return p
}
