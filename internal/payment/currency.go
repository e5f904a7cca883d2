package payment

// Supported settlement currencies.
const (
	CurrencyBTC = "BTC"
	CurrencyCHF = "CHF"
	CurrencyEUR = "EUR"
	CurrencyUSD = "USD"
)

var currencies = map[string]struct{}{
	CurrencyBTC: {},
	CurrencyCHF: {},
	CurrencyEUR: {},
	CurrencyUSD: {},
}

func ValidCurrency(code string) bool {
	_, ok := currencies[code]
	return ok
}
