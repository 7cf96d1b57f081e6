package reader

import (
	"strings"
)

// PortInfo describes one serial port as reported by the OS.
// Any descriptive field may be empty.
type PortInfo struct {
	Path         string
	IsUSB        bool
	VendorID     string
	ProductID    string
	SerialNumber string
	Manufacturer string
	Product      string
	Description  string
}

// Locator selects the reader's port from an enumeration.
type Locator struct {
	device    string
	vendorID  string
	productID string
	tokens    []string
}

// NewLocator creates a Locator from the identification part of cfg.
func NewLocator(cfg Config) *Locator {
	l := &Locator{
		device:    strings.TrimSpace(cfg.Device),
		vendorID:  strings.TrimSpace(cfg.Match.VendorID),
		productID: strings.TrimSpace(cfg.Match.ProductID),
	}
	for _, tok := range cfg.Match.Tokens {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok != "" {
			l.tokens = append(l.tokens, tok)
		}
	}
	return l
}

// Locate returns the first port matching, in priority order: the explicit
// device path, the vendor/product id, then any identifying token.
func (l *Locator) Locate(ports []PortInfo) (PortInfo, bool) {
	if l.device != "" {
		for _, p := range ports {
			if p.Path == l.device {
				return p, true
			}
		}
	}

	if l.vendorID != "" {
		for _, p := range ports {
			if l.matchID(p) {
				return p, true
			}
		}
	}

	if len(l.tokens) > 0 {
		for _, p := range ports {
			if l.matchTokens(p) {
				return p, true
			}
		}
	}

	return PortInfo{}, false
}

func (l *Locator) matchID(p PortInfo) bool {
	if !strings.EqualFold(strings.TrimSpace(p.VendorID), l.vendorID) {
		return false
	}
	if l.productID == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(p.ProductID), l.productID)
}

func (l *Locator) matchTokens(p PortInfo) bool {
	fields := []string{p.Manufacturer, p.Product, p.Description}
	for _, f := range fields {
		if f == "" {
			continue
		}
		f = strings.ToLower(f)
		for _, tok := range l.tokens {
			if strings.Contains(f, tok) {
				return true
			}
		}
	}
	return false
}

func containsPath(ports []PortInfo, path string) bool {
	for _, p := range ports {
		if p.Path == path {
			return true
		}
	}
	return false
}
