package credits

import "github.com/shopspring/decimal"

// Option is a purchasable bundle of credits.
type Option struct {
	ID      string          `json:"id"`
	Label   string          `json:"label"`
	Credits int64           `json:"credits"`
	Minutes int64           `json:"minutes"`
	Price   decimal.Decimal `json:"price"`
}

var purchaseOptions = []Option{
	{ID: "30min", Label: "30 minutes", Credits: 5, Price: decimal.RequireFromString("0.99")},
	{ID: "1hour", Label: "1 hour", Credits: 10, Price: decimal.RequireFromString("1.99")},
	{ID: "24hour", Label: "24 hours", Credits: 240, Price: decimal.RequireFromString("3.99")},
}

func init() {
	for i := range purchaseOptions {
		purchaseOptions[i].Minutes = ToMinutes(purchaseOptions[i].Credits)
	}
}

// Options returns a copy of the purchase catalogue.
func Options() []Option {
	out := make([]Option, len(purchaseOptions))
	copy(out, purchaseOptions)
	return out
}

func LookupOption(id string) (Option, bool) {
	for _, o := range purchaseOptions {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}
