package catalog

import "math/big"

// Origin identifies which data source owns a product record at read time.
type Origin uint8

const (
	OriginLedger Origin = iota + 1
	OriginDemo
	OriginDraft
)

func (o Origin) String() string {
	switch o {
	case OriginLedger:
		return "ledger"
	case OriginDemo:
		return "demo"
	case OriginDraft:
		return "draft"
	default:
		return "unknown"
	}
}

// ProductRecord is the catalog view of a sellable product. Prices are minor
// units with a six-decimal scale. A zero MaxSupply means unlimited supply.
type ProductRecord struct {
	ID                uint64   `json:"id"`
	PriceMinor        *big.Int `json:"priceMinor"`
	MetadataRef       string   `json:"metadataRef,omitempty"`
	MaxSupply         uint64   `json:"maxSupply"`
	Sold              uint64   `json:"sold"`
	Active            bool     `json:"active"`
	CommissionPercent uint32   `json:"commissionPercent,omitempty"`
	Origin            Origin   `json:"origin"`
}

// SoldOut reports whether a bounded supply has been exhausted.
func (p *ProductRecord) SoldOut() bool {
	if p == nil {
		return true
	}
	return p.MaxSupply != 0 && p.Sold >= p.MaxSupply
}

// Clone returns a deep copy of the record.
func (p *ProductRecord) Clone() *ProductRecord {
	if p == nil {
		return nil
	}
	clone := *p
	if p.PriceMinor != nil {
		clone.PriceMinor = new(big.Int).Set(p.PriceMinor)
	}
	return &clone
}
