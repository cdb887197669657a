package homeassistant

import (
	"time"

	"github.com/njoerd114/taskmirror/internal/model"
)

// HA todo service constants.
const (
	domainTodo        = "todo"
	serviceGetItems   = "get_items"
	serviceAddItem    = "add_item"
	serviceUpdateItem = "update_item"
	serviceRemoveItem = "remove_item"

	statusNeedsAction = "needs_action"
	statusCompleted   = "completed"

	dateLayout = "2006-01-02"
)

// haTodoItem is the JSON structure for a single item returned by the HA
// todo.get_items service.
type haTodoItem struct {
	UID         string `json:"uid"`
	Summary     string `json:"summary"`
	Status      string `json:"status"` // "needs_action" or "completed"
	Description string `json:"description,omitempty"`
	Due         string `json:"due,omitempty"` // "YYYY-MM-DD" or RFC 3339
}

// haItemsResponse wraps the items array inside the service response for a
// single entity.
type haItemsResponse struct {
	Items []haTodoItem `json:"items"`
}

// haItemToModelItem converts an HA todo item to the fields of a [model.Item]
// HA can hold. The priority prefix (e.g. "[High] ") is stripped from the
// description and decoded into the Priority field.
func haItemToModelItem(h haTodoItem) model.Item {
	priority, description := model.DecodePriorityPrefix(h.Description)

	item := model.Item{
		Kind:        model.KindTask,
		Name:        h.Summary,
		Description: description,
		Priority:    priority,
		Completed:   h.Status == statusCompleted,
	}

	if h.Due != "" {
		if t, err := parseDue(h.Due); err == nil {
			item.Due = &t
		}
	}

	return item
}

// haView reduces an item to what survives a round trip through HA: the due
// time is truncated to its date and the priority collapses to a canonical
// level. Two items with equal views need no update in HA.
func haView(item *model.Item) model.Item {
	v := model.Item{
		Kind:        model.KindTask,
		Name:        item.Name,
		Description: item.Description,
		Priority:    model.NormalizePriority(int(item.Priority)),
		Completed:   item.Completed,
	}
	if item.Due != nil {
		d, _ := parseDue(formatDue(item.Due)) //nolint:errcheck // formatDue always yields dateLayout
		v.Due = &d
	}
	return v
}

// sameInHA reports whether two items are indistinguishable once stored in HA.
func sameInHA(a, b *model.Item) bool {
	va, vb := haView(a), haView(b)
	return va.ContentHash() == vb.ContentHash()
}

// buildAddItemData returns the service-call payload for todo.add_item.
func buildAddItemData(entityID string, item *model.Item) map[string]any {
	data := map[string]any{
		"entity_id": entityID,
		"item":      item.Name,
	}

	desc := model.EncodePriorityPrefix(item.Priority, item.Description)
	if desc != "" {
		data["description"] = desc
	}

	if item.Due != nil {
		data["due_date"] = formatDue(item.Due)
	}

	return data
}

// buildUpdateItemData returns the service-call payload for todo.update_item.
// The item is addressed by its HA UID, so renames need no lookup by title.
func buildUpdateItemData(entityID, uid string, item *model.Item) map[string]any {
	data := map[string]any{
		"entity_id":   entityID,
		"item":        uid,
		"rename":      item.Name,
		"description": model.EncodePriorityPrefix(item.Priority, item.Description),
	}

	if item.Due != nil {
		data["due_date"] = formatDue(item.Due)
	}

	if item.Completed {
		data["status"] = statusCompleted
	} else {
		data["status"] = statusNeedsAction
	}

	return data
}

// buildRemoveItemData returns the service-call payload for todo.remove_item.
func buildRemoveItemData(entityID, uid string) map[string]any {
	return map[string]any{
		"entity_id": entityID,
		"item":      uid,
	}
}

// buildGetItemsData returns the service-call payload for todo.get_items.
func buildGetItemsData(entityID string) map[string]any {
	return map[string]any{
		"entity_id": entityID,
	}
}

// parseDue parses an HA due-date string. It tries date-only format first
// ("2006-01-02"), then falls back to RFC 3339.
func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// formatDue formats a time value as a date-only string for HA.
func formatDue(t *time.Time) string {
	return t.Format(dateLayout)
}
