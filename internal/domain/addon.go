package domain

import "fmt"

// Dimension is a capacity axis that can be extended with add-ons.
type Dimension string

const (
	DimensionUsers   Dimension = "users"
	DimensionStorage Dimension = "storage"
)

// Dimensions returns every add-on dimension.
func Dimensions() []Dimension {
	return []Dimension{DimensionUsers, DimensionStorage}
}

// AddOnIncrement is how a tier sells extra capacity on one dimension.
type AddOnIncrement struct {
	Purchasable bool  `json:"purchasable"`
	UnitSize    int   `json:"unitSize"`
	UnitPrice   Money `json:"unitPrice"`
}

var notPurchasable = AddOnIncrement{}

// Higher tiers sell larger blocks at a lower per-unit cost.
var increments = map[PlanTier]map[Dimension]AddOnIncrement{
	TierFree: {
		DimensionUsers:   notPurchasable,
		DimensionStorage: notPurchasable,
	},
	TierBasic: {
		DimensionUsers:   {Purchasable: true, UnitSize: 5, UnitPrice: 10_000},
		DimensionStorage: {Purchasable: true, UnitSize: 5, UnitPrice: 5_000},
	},
	TierPro: {
		DimensionUsers:   {Purchasable: true, UnitSize: 10, UnitPrice: 15_000},
		DimensionStorage: {Purchasable: true, UnitSize: 20, UnitPrice: 15_000},
	},
	TierEnterprise: {
		DimensionUsers:   notPurchasable,
		DimensionStorage: notPurchasable,
	},
}

// IncrementFor returns the add-on increment for a tier and dimension.
// Unknown tiers and dimensions are configuration errors. Callers must check
// Purchasable before offering the add-on.
func IncrementFor(tier PlanTier, dim Dimension) (AddOnIncrement, error) {
	byDim, ok := increments[tier]
	if !ok {
		return AddOnIncrement{}, &ConfigurationError{
			Subject: "tier",
			Detail:  fmt.Sprintf("%q has no add-on configuration", tier),
			Err:     ErrUnknownTier,
		}
	}
	inc, ok := byDim[dim]
	if !ok {
		return AddOnIncrement{}, &ConfigurationError{
			Subject: "dimension",
			Detail:  fmt.Sprintf("%q is not an add-on dimension", dim),
		}
	}
	return inc, nil
}

// IncrementsFor returns every add-on increment a tier defines.
func IncrementsFor(tier PlanTier) (map[Dimension]AddOnIncrement, error) {
	out := make(map[Dimension]AddOnIncrement, len(Dimensions()))
	for _, dim := range Dimensions() {
		inc, err := IncrementFor(tier, dim)
		if err != nil {
			return nil, err
		}
		out[dim] = inc
	}
	return out, nil
}

// SellsAddOns returns true if the tier offers add-ons on any dimension.
func SellsAddOns(tier PlanTier) bool {
	for _, dim := range Dimensions() {
		if inc, err := IncrementFor(tier, dim); err == nil && inc.Purchasable {
			return true
		}
	}
	return false
}

// AddOnState is the capacity purchased on top of the base plan.
type AddOnState struct {
	AdditionalStudents  int   `json:"students"`
	AdditionalTeachers  int   `json:"teachers"`
	AdditionalStorageGB int   `json:"storageGb"`
	Cost                Money `json:"cost"`
}

// AdditionalUsers is the combined student and teacher add-on quantity.
func (s AddOnState) AdditionalUsers() int {
	return s.AdditionalStudents + s.AdditionalTeachers
}

// IsEmpty returns true if nothing is purchased.
func (s AddOnState) IsEmpty() bool {
	return s.AdditionalStudents == 0 && s.AdditionalTeachers == 0 && s.AdditionalStorageGB == 0
}

// AddOnDelta is a requested change to the add-on quantities. Negative
// values are reductions.
type AddOnDelta struct {
	Students  int `json:"additionalStudents"`
	Teachers  int `json:"additionalTeachers"`
	StorageGB int `json:"additionalStorageGb"`
}

// Users is the combined user change.
func (d AddOnDelta) Users() int {
	return d.Students + d.Teachers
}

// IsZero returns true if the delta changes nothing.
func (d AddOnDelta) IsZero() bool {
	return d.Students == 0 && d.Teachers == 0 && d.StorageGB == 0
}

// Add returns the sum of two deltas.
func (d AddOnDelta) Add(o AddOnDelta) AddOnDelta {
	return AddOnDelta{
		Students:  d.Students + o.Students,
		Teachers:  d.Teachers + o.Teachers,
		StorageGB: d.StorageGB + o.StorageGB,
	}
}

// CancelAll returns the delta that removes every purchased add-on.
func CancelAll(s AddOnState) AddOnDelta {
	return AddOnDelta{
		Students:  -s.AdditionalStudents,
		Teachers:  -s.AdditionalTeachers,
		StorageGB: -s.AdditionalStorageGB,
	}
}
