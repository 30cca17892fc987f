package ledger

import "fieldbook/internal/models"

// Price charges pricePerHour for the grid steps between start and end,
// rounded half-up to the minor unit.
func Price(pricePerHour models.Money, grid models.SlotGrid, start, end models.TimeMark) (models.Money, error) {
	steps := grid.Steps(start, end)
	if steps <= 0 {
		return 0, invalid("end", "duration must be positive")
	}
	if pricePerHour < 0 {
		return 0, invalid("pricePerHour", "must not be negative")
	}

	minutes := int64(steps * grid.Step)
	return models.Money((int64(pricePerHour)*minutes + 30) / 60), nil
}
