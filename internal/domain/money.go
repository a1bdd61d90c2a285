package domain

import (
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Money is an amount in whole Korean won. KRW has no minor unit, so all
// billing arithmetic stays in integers.
type Money int64

// Currency is the only settlement currency.
var Currency = currency.KRW

var printer = message.NewPrinter(language.Korean)

// String formats the amount with digit grouping, e.g. "₩60,000".
func (m Money) String() string {
	return printer.Sprintf("₩%d", int64(m))
}

// MulDiv returns m*num/den rounded half up. den must be positive.
func (m Money) MulDiv(num, den int64) Money {
	if den <= 0 {
		return 0
	}
	p := int64(m) * num
	if p >= 0 {
		return Money((p + den/2) / den)
	}
	return -Money((-p + den/2) / den)
}
