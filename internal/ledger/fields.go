package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"fieldbook/internal/models"
)

// RegisterField stores a new field. An empty ID is generated.
func (l *Ledger) RegisterField(ctx context.Context, field *models.Field) error {
	if field == nil {
		return invalid("field", "is required")
	}
	field.Name = strings.TrimSpace(field.Name)
	if field.HostID == "" {
		return invalid("hostId", "is required")
	}
	if field.Name == "" {
		return invalid("name", "is required")
	}
	if err := l.validatePrice(field.PricePerHour); err != nil {
		return err
	}
	if field.ID == "" {
		field.ID = l.ids.NewID()
	}
	if strings.ContainsAny(field.ID, "/|") {
		return invalid("fieldId", "must not contain '/' or '|'")
	}

	now := l.clock.Now()
	field.CreatedAt = now
	field.UpdatedAt = now
	field.DeletedAt = nil

	// индексы пишутся первыми: ссылка без документа пропускается при чтении
	if err := l.indexField(ctx, models.CollectionFieldIndex, models.FieldCatalogKey, field.ID, true); err != nil {
		return err
	}
	if err := l.indexField(ctx, models.CollectionHostFields, field.HostID, field.ID, true); err != nil {
		return err
	}

	_, err := mutate(ctx, l, models.CollectionFields, field.ID, func(doc *models.Field, exists bool) (bool, error) {
		if exists {
			return false, invalid("fieldId", "%s is already registered", field.ID)
		}
		*doc = *field
		return true, nil
	})
	if err != nil {
		return err
	}

	l.logger.Info().Str("field_id", field.ID).Str("host_id", field.HostID).Msg("field registered")
	return nil
}

func (l *Ledger) GetField(ctx context.Context, fieldID string) (*models.Field, error) {
	if fieldID == "" {
		return nil, invalid("fieldId", "is required")
	}
	var field models.Field
	_, found, err := l.load(ctx, models.CollectionFields, fieldID, &field)
	if err != nil {
		return nil, err
	}
	if !found || field.Deleted() {
		return nil, fmt.Errorf("field %s: %w", fieldID, ErrNotFound)
	}
	return &field, nil
}

// UpdateFieldPrice changes the hourly price; only the host may do it.
// Committed reservations keep the price they were booked at.
func (l *Ledger) UpdateFieldPrice(ctx context.Context, fieldID, hostID string, price models.Money) (*models.Field, error) {
	if fieldID == "" {
		return nil, invalid("fieldId", "is required")
	}
	if err := l.validatePrice(price); err != nil {
		return nil, err
	}

	field, err := mutate(ctx, l, models.CollectionFields, fieldID, func(doc *models.Field, exists bool) (bool, error) {
		if !exists || doc.Deleted() {
			return false, fmt.Errorf("field %s: %w", fieldID, ErrNotFound)
		}
		if doc.HostID != hostID {
			return false, fmt.Errorf("field %s belongs to another host: %w", fieldID, ErrForbidden)
		}
		if doc.PricePerHour == price {
			return false, nil
		}
		doc.PricePerHour = price
		doc.UpdatedAt = l.clock.Now()
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return field, nil
}

// DeleteField retires a field of hostID. It is refused while the field has
// reservations that have not elapsed yet.
func (l *Ledger) DeleteField(ctx context.Context, fieldID, hostID string) error {
	field, err := l.GetField(ctx, fieldID)
	if err != nil {
		return err
	}
	if field.HostID != hostID {
		return fmt.Errorf("field %s belongs to another host: %w", fieldID, ErrForbidden)
	}

	upcoming, err := l.upcomingReservations(ctx, fieldID)
	if err != nil {
		return err
	}
	if upcoming > 0 {
		return invalid("fieldId", "%s has %d upcoming reservations", fieldID, upcoming)
	}

	_, err = mutate(ctx, l, models.CollectionFields, fieldID, func(doc *models.Field, exists bool) (bool, error) {
		if !exists || doc.Deleted() {
			return false, fmt.Errorf("field %s: %w", fieldID, ErrNotFound)
		}
		now := l.clock.Now()
		doc.DeletedAt = &now
		doc.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return err
	}

	l.logger.Info().Str("field_id", fieldID).Str("host_id", hostID).Msg("field deleted")

	// the tombstone is authoritative; stale index entries are skipped on read
	if err := l.indexField(ctx, models.CollectionFieldIndex, models.FieldCatalogKey, fieldID, false); err != nil {
		l.logger.Error().Err(err).Str("field_id", fieldID).Msg("field catalog update failed")
	}
	if err := l.indexField(ctx, models.CollectionHostFields, hostID, fieldID, false); err != nil {
		l.logger.Error().Err(err).Str("field_id", fieldID).Msg("host field index update failed")
	}
	return nil
}

// ListFields returns the live fields matching filter, ordered by name.
func (l *Ledger) ListFields(ctx context.Context, filter models.FieldFilter) ([]models.Field, error) {
	if filter.MaxPrice != nil && *filter.MaxPrice < 0 {
		return nil, invalid("maxPrice", "must not be negative")
	}
	fields, err := l.resolveFields(ctx, models.CollectionFieldIndex, models.FieldCatalogKey)
	if err != nil {
		return nil, err
	}
	out := fields[:0]
	for i := range fields {
		if filter.Match(&fields[i]) {
			out = append(out, fields[i])
		}
	}
	return out, nil
}

// ListHostFields returns the live fields owned by hostID, ordered by name.
func (l *Ledger) ListHostFields(ctx context.Context, hostID string) ([]models.Field, error) {
	if hostID == "" {
		return nil, invalid("hostId", "is required")
	}
	fields, err := l.resolveFields(ctx, models.CollectionHostFields, hostID)
	if err != nil {
		return nil, err
	}
	out := fields[:0]
	for _, f := range fields {
		if f.HostID == hostID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (l *Ledger) resolveFields(ctx context.Context, collection, key string) ([]models.Field, error) {
	var idx models.FieldIndex
	if _, _, err := l.load(ctx, collection, key, &idx); err != nil {
		return nil, err
	}

	fields := make([]models.Field, 0, len(idx.FieldIDs))
	for _, id := range idx.FieldIDs {
		var f models.Field
		_, found, err := l.load(ctx, models.CollectionFields, id, &f)
		if err != nil {
			return nil, err
		}
		if !found || f.Deleted() {
			continue
		}
		fields = append(fields, f)
	}

	sort.Slice(fields, func(i, j int) bool {
		if fields[i].Name != fields[j].Name {
			return fields[i].Name < fields[j].Name
		}
		return fields[i].ID < fields[j].ID
	})
	return fields, nil
}

func (l *Ledger) indexField(ctx context.Context, collection, key, fieldID string, add bool) error {
	_, err := mutate(ctx, l, collection, key, func(idx *models.FieldIndex, exists bool) (bool, error) {
		idx.Owner = key
		if add {
			return idx.Add(fieldID) || !exists, nil
		}
		return idx.Remove(fieldID), nil
	})
	return err
}

func (l *Ledger) upcomingReservations(ctx context.Context, fieldID string) (int, error) {
	var idx models.CalendarIndex
	if _, _, err := l.load(ctx, models.CollectionCalendars, fieldID, &idx); err != nil {
		return 0, err
	}

	now := l.clock.Now()
	today := now.In(l.loc).Format(models.DateLayout)
	count := 0
	for _, date := range idx.Dates {
		if date < today {
			continue
		}
		day, err := l.loadDay(ctx, fieldID, date)
		if err != nil {
			return 0, err
		}
		for _, r := range day.Reservations {
			if r.StateAt(now, l.loc) != models.StateElapsed {
				count++
			}
		}
	}
	return count, nil
}

// validatePrice keeps every grid step worth at least one minor unit, so longer
// bookings always cost more.
func (l *Ledger) validatePrice(price models.Money) error {
	if price < 0 {
		return invalid("pricePerHour", "must not be negative")
	}
	if price > 0 && int64(price)*int64(l.grid.Step) < 60 {
		return invalid("pricePerHour", "must be 0 or at least %d per hour for a %d-minute slot", minPositivePrice(l.grid.Step), l.grid.Step)
	}
	return nil
}

func minPositivePrice(step int) int64 {
	return int64((60 + step - 1) / step)
}
