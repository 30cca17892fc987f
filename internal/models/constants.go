package models

// DateLayout is the ISO calendar date used as the key of every per-date map.
const DateLayout = "2006-01-02"

const (
	// DefaultSlotStepMinutes шаг сетки бронирования
	DefaultSlotStepMinutes = 30

	// DefaultFirstMarkMinutes первая отметка дня (06:00)
	DefaultFirstMarkMinutes = 6 * 60

	// DefaultLastMarkMinutes последняя отметка дня (23:30)
	DefaultLastMarkMinutes = 23*60 + 30

	// DefaultMaxBookingDays горизонт бронирования
	DefaultMaxBookingDays = 365

	// DefaultMaxAttempts попытки оптимистичной записи до отказа
	DefaultMaxAttempts = 5

	// DefaultRateLimitRequests запросов на бронирование в окне
	DefaultRateLimitRequests = 20

	// DefaultRateLimitWindow окно ограничения частоты (секунды)
	DefaultRateLimitWindow = 60
)

// Collections of the document store.
const (
	CollectionFields       = "fields"
	CollectionCalendars    = "fieldAvailability"
	CollectionDays         = "fieldDays"
	CollectionUserBookings = "userBookings"
	CollectionFieldIndex   = "fieldIndex"
	CollectionHostFields   = "hostFields"
)

// FieldCatalogKey is the key of the catalog document inside CollectionFieldIndex.
const FieldCatalogKey = "all"

type ReservationState string

const (
	StateRequested ReservationState = "requested"
	StateConfirmed ReservationState = "confirmed"
	StateCancelled ReservationState = "cancelled"
	StateElapsed   ReservationState = "elapsed"
)
