package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"traderelay/internal/bybit"
	"traderelay/logger"
	"traderelay/models"
)

// requiredFields is the fixed order in which missing fields are reported.
var requiredFields = []string{"secret", "category", "symbol", "side", "order_type", "qty"}

// optionalRiskFields maps inbound names to intent attachment slots.
var optionalRiskFields = []string{"stop_loss", "take_profit", "trailing_stop"}

// parseIntent validates an inbound signal payload and normalizes it into an
// OrderIntent. The validation order is part of the contract: body shape,
// required-field presence, secret, quantity, then enumerations.
func parseIntent(payload map[string]interface{}, webhookSecret string) (*models.OrderIntent, error) {
	for _, name := range requiredFields {
		if _, ok := fieldValue(payload, name); !ok {
			return nil, &ValidationError{Field: name, Reason: "missing field: " + name}
		}
	}

	secret, _ := fieldValue(payload, "secret")
	if asString(secret) != webhookSecret {
		return nil, &AuthError{}
	}

	qtyRaw, _ := fieldValue(payload, "qty")
	qty, err := decimal.NewFromString(asString(qtyRaw))
	if err != nil || !qty.IsPositive() {
		return nil, &ValidationError{Field: "qty", Reason: "invalid quantity"}
	}

	categoryRaw, _ := fieldValue(payload, "category")
	category, err := models.ParseCategory(asString(categoryRaw))
	if err != nil {
		return nil, &ValidationError{Field: "category", Reason: err.Error()}
	}

	sideRaw, _ := fieldValue(payload, "side")
	side, err := models.ParseSide(asString(sideRaw))
	if err != nil {
		return nil, &ValidationError{Field: "side", Reason: err.Error()}
	}

	typeRaw, _ := fieldValue(payload, "order_type")
	orderType, err := models.ParseOrderType(asString(typeRaw))
	if err != nil {
		return nil, &ValidationError{Field: "order_type", Reason: err.Error()}
	}

	// A price is consumed only when the order type requires one; a price
	// sent with a market order is ignored, not rejected.
	var price *decimal.Decimal
	if orderType.RequiresPrice() {
		priceRaw, ok := fieldValue(payload, "price")
		if !ok {
			return nil, &ValidationError{Field: "price", Reason: fmt.Sprintf("price required for %s orders", orderType)}
		}
		p, err := decimal.NewFromString(asString(priceRaw))
		if err != nil || !p.IsPositive() {
			return nil, &ValidationError{Field: "price", Reason: "invalid price"}
		}
		price = &p
	}

	symbolRaw, _ := fieldValue(payload, "symbol")
	intent, err := models.NewOrderIntent(category, asString(symbolRaw), side, orderType, qty, price)
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	for _, name := range optionalRiskFields {
		raw, ok := fieldValue(payload, name)
		if !ok {
			continue
		}
		value, err := decimal.NewFromString(asString(raw))
		if err != nil || !value.IsPositive() {
			return nil, &ValidationError{Field: name, Reason: "invalid " + name}
		}
		switch name {
		case "stop_loss":
			intent.StopLoss = &value
		case "take_profit":
			intent.TakeProfit = &value
		case "trailing_stop":
			intent.TrailingStop = &value
		}
	}

	return intent, nil
}

// fieldValue looks a field up by its snake_case name, accepting the
// camelCase alias some alerting platforms emit. Explicit nulls count as
// absent.
func fieldValue(payload map[string]interface{}, name string) (interface{}, bool) {
	if v, ok := payload[name]; ok && v != nil {
		return v, true
	}
	alias := map[string]string{
		"order_type":    "orderType",
		"stop_loss":     "stopLoss",
		"take_profit":   "takeProfit",
		"trailing_stop": "trailingStop",
	}[name]
	if alias != "" {
		if v, ok := payload[alias]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func asString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// handleTrade is the ingress for both /trade and /webhook.
func (s *Server) handleTrade(c *gin.Context) {
	if !s.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"detail": "rate limit exceeded"})
		return
	}

	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "malformed body"})
		return
	}

	intent, err := parseIntent(payload, s.cfg.Secrets.WebhookSecret)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			c.JSON(http.StatusForbidden, gin.H{"detail": "unauthorized"})
			return
		}
		var valErr *ValidationError
		if errors.As(err, &valErr) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": valErr.Reason})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	if !s.state.Enabled() {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "bot is stopped"})
		return
	}

	result, err := s.exchange.PlaceOrder(c.Request.Context(), intent)
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"symbol": intent.Symbol}).Error("order submission failed")
		var rejected *bybit.OrderRejected
		if errors.As(err, &rejected) {
			c.JSON(http.StatusBadRequest, gin.H{"detail": rejected.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	logger.GetLogger().LogMetric("trade_ingress", "orders_submitted", 1, "counter", logger.Fields{"symbol": intent.Symbol})
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": result.Result})
}
