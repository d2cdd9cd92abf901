package venue

import "strings"

var quoteSuffixes = []string{"USDT", "USDC", "USD", "PERP"}

// CanonicalSymbol converts a venue symbol into the base asset used across
// the core: uppercase, no separators, BTC instead of XBT and without the
// 1000x multiplier prefixes some venues use.
func CanonicalSymbol(venue, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	switch strings.ToLower(venue) {
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
	case "kucoin":
		sym = strings.TrimSuffix(sym, "M")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
	}
	sym = strings.ReplaceAll(sym, "-", "")
	sym = strings.ReplaceAll(sym, "_", "")

	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + sym[3:]
	}
	for _, suffix := range quoteSuffixes {
		if len(sym) > len(suffix) && strings.HasSuffix(sym, suffix) {
			sym = strings.TrimSuffix(sym, suffix)
			break
		}
	}
	switch {
	case strings.HasPrefix(sym, "1000") && len(sym) > 4:
		sym = sym[4:]
	case strings.HasPrefix(sym, "K") && len(sym) > 1 && strings.EqualFold(venue, "hyperliquid") && isMultiplied(sym[1:]):
		sym = sym[1:]
	case strings.HasSuffix(sym, "1000") && len(sym) > 4:
		sym = strings.TrimSuffix(sym, "1000")
	}
	return sym
}

// VenueSymbol is the inverse of CanonicalSymbol for the venues with a known
// format.
func VenueSymbol(venue, canonical string) string {
	canonical = strings.ToUpper(canonical)
	switch strings.ToLower(venue) {
	case "binance", "bybit":
		return canonical + "USDT"
	case "okx":
		return canonical + "-USDT-SWAP"
	case "kucoin":
		if canonical == "BTC" {
			canonical = "XBT"
		}
		return canonical + "USDTM"
	default:
		return canonical
	}
}

// hyperliquid lists a few low-priced assets in thousands ("kPEPE").
func isMultiplied(base string) bool {
	switch base {
	case "PEPE", "SHIB", "BONK", "FLOKI", "LUNC", "DOGS", "NEIRO":
		return true
	}
	return false
}
