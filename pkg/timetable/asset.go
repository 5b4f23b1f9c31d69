package timetable

// AssetCondition is a boolean expression over upstream assets. Leaves
// reference concrete assets or unresolved aliases; All and Any combine them.
type AssetCondition interface {
	// Evaluate reports whether the pending asset ids satisfy the condition.
	Evaluate(queued map[int64]bool) bool
	// AssetIDs lists the concrete asset ids referenced, in definition order,
	// without duplicates.
	AssetIDs() []int64
}

// AssetRef is a leaf condition on one concrete asset.
type AssetRef struct {
	ID  int64
	URI string
}

func (a AssetRef) Evaluate(queued map[int64]bool) bool { return queued[a.ID] }

func (a AssetRef) AssetIDs() []int64 { return []int64{a.ID} }

// AssetAlias is a leaf that never got resolved to concrete assets. It can
// never be satisfied and contributes no assets.
type AssetAlias struct {
	Name string
}

func (AssetAlias) Evaluate(map[int64]bool) bool { return false }

func (AssetAlias) AssetIDs() []int64 { return nil }

// AllAssets is satisfied when every child condition is.
type AllAssets struct {
	Conditions []AssetCondition
}

func (a AllAssets) Evaluate(queued map[int64]bool) bool {
	for _, c := range a.Conditions {
		if !c.Evaluate(queued) {
			return false
		}
	}
	return true
}

func (a AllAssets) AssetIDs() []int64 { return collectAssetIDs(a.Conditions) }

// AnyAssets is satisfied when at least one child condition is.
type AnyAssets struct {
	Conditions []AssetCondition
}

func (a AnyAssets) Evaluate(queued map[int64]bool) bool {
	for _, c := range a.Conditions {
		if c.Evaluate(queued) {
			return true
		}
	}
	return false
}

func (a AnyAssets) AssetIDs() []int64 { return collectAssetIDs(a.Conditions) }

func collectAssetIDs(conds []AssetCondition) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, c := range conds {
		for _, id := range c.AssetIDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// AssetTriggered runs a workflow when upstream asset events satisfy its
// condition. It never proposes time-based runs.
type AssetTriggered struct {
	Condition AssetCondition
}

func (a *AssetTriggered) NextRun(*DataInterval, TimeRestriction) (*RunInfo, error) {
	return nil, nil
}

func (a *AssetTriggered) Summary() string { return "asset" }

func (a *AssetTriggered) CanBeScheduled() bool { return false }
