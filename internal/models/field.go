package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Money is an amount in minor currency units (cents).
type Money int64

func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

type Field struct {
	ID           string     `json:"fieldId" yaml:"id"`
	HostID       string     `json:"hostId" yaml:"host_id"`
	Name         string     `json:"name" yaml:"name"`
	Location     string     `json:"location,omitempty" yaml:"location"`
	PricePerHour Money      `json:"pricePerHour" yaml:"price_per_hour"`
	CreatedAt    time.Time  `json:"createdAt" yaml:"-"`
	UpdatedAt    time.Time  `json:"updatedAt" yaml:"-"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty" yaml:"-"`
}

func (f *Field) Deleted() bool {
	return f.DeletedAt != nil
}

// FieldFilter narrows field listings. Zero values match everything.
type FieldFilter struct {
	Location string
	MaxPrice *Money
}

// Match reports whether the field passes the filter; location is a case-insensitive substring.
func (ff FieldFilter) Match(f *Field) bool {
	if ff.Location != "" && !strings.Contains(strings.ToLower(f.Location), strings.ToLower(strings.TrimSpace(ff.Location))) {
		return false
	}
	if ff.MaxPrice != nil && f.PricePerHour > *ff.MaxPrice {
		return false
	}
	return true
}

// FieldIndex lists field ids: the global catalog or the fields of one host.
type FieldIndex struct {
	Owner    string   `json:"owner"`
	FieldIDs []string `json:"fieldIds"`
}

// Add reports whether id was not listed yet.
func (x *FieldIndex) Add(id string) bool {
	if slices.Contains(x.FieldIDs, id) {
		return false
	}
	x.FieldIDs = append(x.FieldIDs, id)
	return true
}

// Remove reports whether id was listed.
func (x *FieldIndex) Remove(id string) bool {
	i := slices.Index(x.FieldIDs, id)
	if i < 0 {
		return false
	}
	x.FieldIDs = slices.Delete(x.FieldIDs, i, i+1)
	return true
}
