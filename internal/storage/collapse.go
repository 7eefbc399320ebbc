package storage

import (
	"sort"

	"stocksim/internal/models"
)

// CollapseExecutions de-duplicates a batch of execution rows sharing the
// same idempotency key before the upsert. A key can legitimately appear
// twice in one tick - a broker stop exit followed by a bar advancement -
// and applying both rows in one statement would make the storage engine
// reject the batch. The most informative row survives:
//
//  1. higher status severity wins (error > sell > buy > completed > skipped)
//  2. non-empty details beats empty details
//  3. later execution_time wins
//  4. otherwise the later row in the batch wins
func CollapseExecutions(rows []models.RunnerExecution) []models.RunnerExecution {
	if len(rows) <= 1 {
		return rows
	}
	type slot struct {
		row   models.RunnerExecution
		order int
	}
	byKey := make(map[models.ExecutionKey]slot, len(rows))
	for i, row := range rows {
		if row.TimeframeMin == 0 {
			row.TimeframeMin = 5
		}
		key := row.Key()
		existing, ok := byKey[key]
		if !ok || wins(row, i, existing.row, existing.order) {
			byKey[key] = slot{row: row, order: i}
		}
	}
	out := make([]models.RunnerExecution, 0, len(byKey))
	slots := make([]slot, 0, len(byKey))
	for _, s := range byKey {
		slots = append(slots, s)
	}
	// Keep batch order stable for deterministic writes.
	sort.Slice(slots, func(i, j int) bool { return slots[i].order < slots[j].order })
	for _, s := range slots {
		out = append(out, s.row)
	}
	return out
}

func wins(a models.RunnerExecution, aOrder int, b models.RunnerExecution, bOrder int) bool {
	sa, sb := models.Severity(a.Status), models.Severity(b.Status)
	if sa != sb {
		return sa > sb
	}
	if (a.Details != "") != (b.Details != "") {
		return a.Details != ""
	}
	if !a.ExecutionTime.Equal(b.ExecutionTime) {
		return a.ExecutionTime.After(b.ExecutionTime)
	}
	return aOrder > bOrder
}
