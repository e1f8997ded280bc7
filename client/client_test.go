package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBook() map[string]interface{} {
	return map[string]interface{}{
		"symbol":    "AKBNK",
		"best_bid":  "101",
		"best_ask":  "102",
		"spread":    "1",
		"mid_price": "101.5",
		"crossed":   false,
		"bids": []interface{}{
			map[string]interface{}{"price": "101", "quantity": "3"},
			map[string]interface{}{"price": "100", "quantity": "5"},
		},
		"asks": []interface{}{
			map[string]interface{}{"price": "102", "quantity": "4"},
			map[string]interface{}{"price": "103", "quantity": "1"},
		},
	}
}

func TestPrinter_BookTable(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, "table").Book(sampleBook())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], "bid 101 | ask 102 | spread 1 | mid 101.5")
	assert.NotContains(t, lines[0], "crossed")
	// asks print highest first so the inside of the book meets in the middle
	assert.Contains(t, lines[1], "103")
	assert.Contains(t, lines[2], "102")
	assert.Contains(t, lines[3], "101")
	assert.Contains(t, lines[4], "100")
}

func TestPrinter_EmptyBook(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, "table").Book(map[string]interface{}{"symbol": "AKBNK", "spread": "0"})
	assert.Contains(t, buf.String(), "bid - | ask - | spread 0 | mid -")
}

func TestPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, "JSON").Statistics(map[string]interface{}{"symbol": "AKBNK", "total_trades": 3.0})

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "AKBNK", got["symbol"])
	assert.Equal(t, 3.0, got["total_trades"])
}

func TestPrinter_Connection(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, "table").Connection(map[string]interface{}{
		"url":         "ws://feed.test",
		"status":      "reconnecting",
		"retry_count": 2.0,
		"error":       "dial refused",
		"subscriptions": []interface{}{
			map[string]interface{}{"topic": "AKBNK", "active": false},
		},
	})

	out := buf.String()
	assert.Contains(t, out, "🔴 ws://feed.test | reconnecting | retries 2 | topics AKBNK(pending)")
	assert.Contains(t, out, "last error: dial refused")
}
