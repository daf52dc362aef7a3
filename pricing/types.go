package pricing

// Coupon is an externally authored discount code. A zero MaxUses means the
// coupon has no usage ceiling; a zero ExpiresAt means it never expires.
type Coupon struct {
	Code            string   `json:"code"`
	DiscountPercent uint32   `json:"discountPercent"`
	AppliesToAll    bool     `json:"appliesToAll"`
	ProductIDs      []uint64 `json:"productIds,omitempty"`
	ExpiresAt       int64    `json:"expiresAt,omitempty"`
	MaxUses         uint32   `json:"maxUses,omitempty"`
	UsesSoFar       uint32   `json:"usesSoFar"`
}

// AppliesTo reports whether the coupon covers the supplied product.
func (c *Coupon) AppliesTo(productID uint64) bool {
	if c == nil {
		return false
	}
	if c.AppliesToAll {
		return true
	}
	for _, id := range c.ProductIDs {
		if id == productID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the coupon.
func (c *Coupon) Clone() *Coupon {
	if c == nil {
		return nil
	}
	clone := *c
	if c.ProductIDs != nil {
		clone.ProductIDs = append([]uint64(nil), c.ProductIDs...)
	}
	return &clone
}

// IncentiveOffer is a testimonial incentive attached to a product's metadata
// document rather than the ledger. A zero MaxRedemptions means unlimited.
type IncentiveOffer struct {
	DiscountPercent uint32 `json:"discountPercent"`
	MaxRedemptions  uint32 `json:"maxRedemptions,omitempty"`
}
