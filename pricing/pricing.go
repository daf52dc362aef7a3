package pricing

import (
	"math/big"
	"time"
)

// InvalidReason enumerates why a coupon failed validation.
type InvalidReason string

const (
	ReasonNotFound      InvalidReason = "NotFound"
	ReasonExpired       InvalidReason = "Expired"
	ReasonExhausted     InvalidReason = "Exhausted"
	ReasonNotApplicable InvalidReason = "NotApplicableToProduct"
)

// Validation is the outcome of checking a coupon against a product.
type Validation struct {
	Valid           bool
	DiscountPercent uint32
	Reason          InvalidReason
}

// ValidateCoupon checks a coupon against a product at the supplied instant.
// It is a pure function over the coupon data: usage counters are not touched
// here, they are incremented as a separate step once a purchase settles.
func ValidateCoupon(coupon *Coupon, productID uint64, now time.Time) Validation {
	if coupon == nil {
		return Validation{Reason: ReasonNotFound}
	}
	if coupon.ExpiresAt != 0 && now.Unix() >= coupon.ExpiresAt {
		return Validation{Reason: ReasonExpired}
	}
	if coupon.MaxUses != 0 && coupon.UsesSoFar >= coupon.MaxUses {
		return Validation{Reason: ReasonExhausted}
	}
	if !coupon.AppliesTo(productID) {
		return Validation{Reason: ReasonNotApplicable}
	}
	return Validation{Valid: true, DiscountPercent: coupon.DiscountPercent}
}

// FinalPrice computes the amount owed for a product after the optional coupon
// and incentive discounts. Discounts compose multiplicatively: the incentive
// percentage applies to the already coupon-discounted amount, so stacked
// discounts can never exceed the base price. The result is never negative.
func FinalPrice(base *big.Int, couponPercent uint32, incentiveOptIn bool, incentivePercent uint32) *big.Int {
	price := big.NewInt(0)
	if base != nil && base.Sign() > 0 {
		price.Set(base)
	}
	price = applyDiscount(price, couponPercent)
	if incentiveOptIn {
		price = applyDiscount(price, incentivePercent)
	}
	if price.Sign() < 0 {
		price.SetInt64(0)
	}
	return price
}

// IsFree reports whether a computed price grants the product at no charge.
func IsFree(price *big.Int) bool {
	return price == nil || price.Sign() <= 0
}

func applyDiscount(price *big.Int, percent uint32) *big.Int {
	if percent == 0 || price.Sign() <= 0 {
		return price
	}
	if percent >= 100 {
		return price.SetInt64(0)
	}
	cut := new(big.Int).Mul(price, big.NewInt(int64(percent)))
	cut.Div(cut, big.NewInt(100))
	return price.Sub(price, cut)
}
