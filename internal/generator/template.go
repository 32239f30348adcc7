package generator

import (
	"fmt"
	"strings"
)

// Message copy. Placeholders are {name}, {total}, {products}, {product}, {variant} and {shop}.
const (
	recoveryTemplate  = "Hi {name}! Your order of {total} at {shop} is still waiting for you. Reply here if you need any help finishing it."
	winback15Template = "Hi {name}, how are you enjoying your {products}? New arrivals just landed at {shop} and we think you'll like them."
	winback30Template = "Hi {name}, it's been a month since you picked up {products}. Come back to {shop} and get 10% off your next order."
	winback45Template = "Hi {name}, we miss you at {shop}! To go with your {products}, your next order ships free."
	restockTemplate   = "Hi {name}! Good news: {product} ({variant}) is back in stock at {shop}. Quantities are limited."
	restockAnonymous  = "Good news: {product} ({variant}) is back in stock at {shop}. Quantities are limited."
)

func winbackTemplate(days int) string {
	switch days {
	case 15:
		return winback15Template
	case 30:
		return winback30Template
	default:
		return winback45Template
	}
}

// Render substitutes {key} placeholders with values from data.
func Render(template string, data map[string]string) string {
	pairs := make([]string, 0, len(data)*2)
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// FormatMoney renders an amount in cents as "<symbol>12.34".
func FormatMoney(symbol string, cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%s%d.%02d", sign, symbol, cents/100, cents%100)
}

// firstName returns the first word of a full name.
func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// joinProducts renders "A", "A and B" or "A, B and C".
func joinProducts(names []string) string {
	switch len(names) {
	case 0:
		return "last order"
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}
