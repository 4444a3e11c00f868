package notify

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/units"
)

// Formatter renders events as human-readable text using the pair's symbols
// and decimals.
type Formatter struct {
	Underlying units.Asset
	Strike     units.Asset
}

var titles = map[domain.EventType]string{
	domain.EventOrderCreated:    "Order created",
	domain.EventOrderFilled:     "Order filled",
	domain.EventOrderCanceled:   "Order canceled",
	domain.EventOptionExercised: "Option exercised",
	domain.EventOptionExpired:   "Option expired",
	domain.EventOptionClosed:    "Option closed",
}

// Render returns the title and body for evt.
func (f Formatter) Render(evt domain.Event) (string, string) {
	title, ok := titles[evt.Type]
	if !ok {
		title = string(evt.Type)
	}
	title = fmt.Sprintf("%s #%d", title, evt.OptionID)

	var b strings.Builder
	if evt.OrderType != "" {
		fmt.Fprintf(&b, "Side: %s\n", evt.OrderType)
	}
	fmt.Fprintf(&b, "Actor: %s\n", evt.Actor.Hex())

	names := make([]string, 0, len(evt.Amounts))
	for k := range evt.Amounts {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, "%s: %s\n", k, f.amount(k, evt.Amounts[k]))
	}
	if !evt.At.IsZero() {
		fmt.Fprintf(&b, "At: %s", evt.At.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return title, strings.TrimRight(b.String(), "\n")
}

// amount picks the asset by name: "underlying" amounts are in the
// underlying asset, everything else is settled in the strike asset.
func (f Formatter) amount(name string, v *big.Int) string {
	if name == "underlying" {
		return f.Underlying.FormatWithSymbol(v)
	}
	return f.Strike.FormatWithSymbol(v)
}
