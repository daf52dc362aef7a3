package catalog

import "math/big"

// Demo ids live in a reserved range well above organically assigned ids so
// they never shadow a committed product.
const demoIDBase = 9000

// DefaultDemoCatalog returns the built-in demo fixture. Demo products are
// always active, unlimited, and purchasable without chain interaction.
func DefaultDemoCatalog() []ProductRecord {
	return []ProductRecord{
		{
			ID:          demoIDBase + 1,
			PriceMinor:  big.NewInt(9_990000),
			MetadataRef: "demo-starter-pack",
			Active:      true,
			Origin:      OriginDemo,
		},
		{
			ID:                demoIDBase + 2,
			PriceMinor:        big.NewInt(49_990000),
			MetadataRef:       "demo-pro-toolkit",
			Active:            true,
			CommissionPercent: 10,
			Origin:            OriginDemo,
		},
		{
			ID:          demoIDBase + 3,
			PriceMinor:  big.NewInt(0),
			MetadataRef: "demo-free-sample",
			Active:      true,
			Origin:      OriginDemo,
		},
	}
}

// DemoIDs lists the ids of the built-in demo fixture.
func DemoIDs() []uint64 {
	records := DefaultDemoCatalog()
	ids := make([]uint64, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	return ids
}
