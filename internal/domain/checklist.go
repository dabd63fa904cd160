package domain

// Task instance statuses.
const (
	StatusNotStarted      = "not_started"
	StatusPending         = "pending"
	StatusInProgress      = "in_progress"
	StatusPendingApproval = "pending_approval"
	StatusCompleted       = "completed"
	StatusRejected        = "rejected"
)

// Instance statuses.
const (
	InstanceActive    = "active"
	InstanceCompleted = "completed"
	InstanceArchived  = "archived"
)

// MergeChecklistValues folds incoming answers into an existing sparse list.
// An incoming value replaces any prior value with the same checklist item ID;
// unseen item IDs are appended. Insertion order of existing entries is kept
// for display.
func MergeChecklistValues(existing, incoming []ChecklistValue) []ChecklistValue {
	merged := make([]ChecklistValue, len(existing))
	copy(merged, existing)
	for _, in := range incoming {
		replaced := false
		for i, cur := range merged {
			if cur.ChecklistItemID == in.ChecklistItemID {
				merged[i] = in
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, in)
		}
	}
	return merged
}

// MissingRequiredChecklist returns the IDs of required checklist items that
// have no checked=true answer in values.
func MissingRequiredChecklist(def []ChecklistItem, values []ChecklistValue) []string {
	checked := make(map[string]bool, len(values))
	for _, v := range values {
		if v.Checked {
			checked[v.ChecklistItemID] = true
		}
	}
	var missing []string
	for _, item := range def {
		if item.Required && !checked[item.ID] {
			missing = append(missing, item.ID)
		}
	}
	return missing
}
