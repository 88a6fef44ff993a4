package models

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Exchange identifies a supported venue. The set is fixed at compile time.
type Exchange string

const (
	ExchangeBinance Exchange = "binance"
	ExchangeBybit   Exchange = "bybit"
)

// AllExchanges lists every venue the harvester knows how to talk to.
var AllExchanges = []Exchange{ExchangeBinance, ExchangeBybit}

var titleCaser = cases.Title(language.English)

// String returns the canonical lowercase identifier.
func (e Exchange) String() string {
	return string(e)
}

// DisplayName returns a human-readable name for summaries and logs.
func (e Exchange) DisplayName() string {
	return titleCaser.String(string(e))
}

// Valid reports whether the exchange is one of the supported venues.
func (e Exchange) Valid() bool {
	for _, known := range AllExchanges {
		if e == known {
			return true
		}
	}
	return false
}
