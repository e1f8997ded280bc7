package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Printer renders feed responses in either table or json format
type Printer struct {
	out    io.Writer
	format string
}

// NewPrinter creates a printer; unknown formats fall back to table
func NewPrinter(out io.Writer, format string) *Printer {
	return &Printer{out: out, format: strings.ToLower(format)}
}

// Book prints an order book snapshot
func (p *Printer) Book(book map[string]interface{}) {
	if p.format == "json" {
		p.json(book)
		return
	}

	fmt.Fprintf(p.out, "📘 %s | bid %s | ask %s | spread %s | mid %s",
		book["symbol"], field(book, "best_bid"), field(book, "best_ask"), field(book, "spread"), field(book, "mid_price"))
	if crossed, _ := book["crossed"].(bool); crossed {
		fmt.Fprint(p.out, " | ⚠️ crossed")
	}
	fmt.Fprintln(p.out)

	asks := rows(book["asks"])
	for i := len(asks) - 1; i >= 0; i-- {
		fmt.Fprintf(p.out, "    %14s %14s  🔴\n", asks[i]["price"], asks[i]["quantity"])
	}
	for _, bid := range rows(book["bids"]) {
		fmt.Fprintf(p.out, "    %14s %14s  🟢\n", bid["price"], bid["quantity"])
	}
}

// Statistics prints the trade window statistics
func (p *Printer) Statistics(stats map[string]interface{}) {
	if p.format == "json" {
		p.json(stats)
		return
	}
	fmt.Fprintf(p.out, "📊 %s | trades %v | last %s | avg %s | H:%s L:%s | chg %s (%s%%) | vol %s\n",
		stats["symbol"], stats["total_trades"], field(stats, "last_price"), field(stats, "average_price"),
		field(stats, "high_price"), field(stats, "low_price"),
		field(stats, "price_change"), field(stats, "price_change_percent"), field(stats, "total_volume"))
}

// Connection prints the upstream connection state
func (p *Printer) Connection(conn map[string]interface{}) {
	if p.format == "json" {
		p.json(conn)
		return
	}
	emoji := "🔴"
	if conn["status"] == "connected" {
		emoji = "🟢"
	}
	var topics []string
	for _, sub := range rows(conn["subscriptions"]) {
		topic := fmt.Sprint(sub["topic"])
		if active, _ := sub["active"].(bool); !active {
			topic += "(pending)"
		}
		topics = append(topics, topic)
	}
	fmt.Fprintf(p.out, "%s %s | %s | retries %v | topics %s\n",
		emoji, conn["url"], conn["status"], conn["retry_count"], strings.Join(topics, ","))
	if msg, ok := conn["error"]; ok {
		fmt.Fprintf(p.out, "   last error: %v\n", msg)
	}
}

func (p *Printer) json(v interface{}) {
	enc := json.NewEncoder(p.out)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(p.out, "error encoding response: %v\n", err)
	}
}

func field(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprint(v)
	}
	return "-"
}

func rows(v interface{}) []map[string]interface{} {
	list, _ := v.([]interface{})
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}
