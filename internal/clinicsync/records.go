package clinicsync

import (
	"sort"
	"time"
)

// Kind identifies one synchronized entity collection. The value doubles as
// the remote table name.
type Kind string

const (
	KindDailyReport   Kind = "daily_reports"
	KindConsultLog    Kind = "consult_logs"
	KindGiftLog       Kind = "gift_logs"
	KindGiftInventory Kind = "gift_inventory"
	KindInventoryLog  Kind = "inventory_logs"
)

// Kinds returns every synchronized kind in batch order.
func Kinds() []Kind {
	return []Kind{KindDailyReport, KindConsultLog, KindGiftLog, KindGiftInventory, KindInventoryLog}
}

// InventoryKinds returns the two kinds covered by the narrow inventory refetch.
func InventoryKinds() []Kind {
	return []Kind{KindGiftInventory, KindInventoryLog}
}

func validKind(k Kind) bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Record is one tenant-scoped row from the remote store. TenantID may be
// empty on legacy rows; the normalizer repairs those before exposure.
// OccurredAt orders reports and logs, Name orders inventory.
type Record struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenant_id"`
	Name       string            `json:"name,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Snapshot is one full working set, replaced wholesale on every cycle.
type Snapshot struct {
	Reports       []Record `json:"reports"`
	ConsultLogs   []Record `json:"consultLogs"`
	GiftLogs      []Record `json:"giftLogs"`
	GiftInventory []Record `json:"giftInventory"`
	InventoryLogs []Record `json:"inventoryLogs"`
}

func (s *Snapshot) collection(kind Kind) []Record {
	switch kind {
	case KindDailyReport:
		return s.Reports
	case KindConsultLog:
		return s.ConsultLogs
	case KindGiftLog:
		return s.GiftLogs
	case KindGiftInventory:
		return s.GiftInventory
	case KindInventoryLog:
		return s.InventoryLogs
	}
	return nil
}

func (s *Snapshot) setCollection(kind Kind, records []Record) {
	switch kind {
	case KindDailyReport:
		s.Reports = records
	case KindConsultLog:
		s.ConsultLogs = records
	case KindGiftLog:
		s.GiftLogs = records
	case KindGiftInventory:
		s.GiftInventory = records
	case KindInventoryLog:
		s.InventoryLogs = records
	}
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{}
	for _, kind := range Kinds() {
		src := s.collection(kind)
		if src == nil {
			out.setCollection(kind, []Record{})
			continue
		}
		out.setCollection(kind, append([]Record(nil), src...))
	}
	return out
}

// Count returns the number of records held for one kind.
func (s Snapshot) Count(kind Kind) int {
	return len(s.collection(kind))
}

// sortRecords orders a collection in place: inventory by name ascending,
// everything else by occurred-at descending. Ties break on id so repeated
// cycles over the same data commit identical snapshots.
func sortRecords(kind Kind, records []Record) {
	if kind == KindGiftInventory {
		sort.Slice(records, func(i, j int) bool {
			if records[i].Name != records[j].Name {
				return records[i].Name < records[j].Name
			}
			return records[i].ID < records[j].ID
		})
		return
	}
	sort.Slice(records, func(i, j int) bool {
		if !records[i].OccurredAt.Equal(records[j].OccurredAt) {
			return records[i].OccurredAt.After(records[j].OccurredAt)
		}
		return records[i].ID < records[j].ID
	})
}
