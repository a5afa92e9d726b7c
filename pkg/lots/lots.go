// Package lots records uploaded image batches per lot and date and answers
// the view, delete, correct and share queries.
package lots

import (
	"context"
	"strings"
	"time"

	"lotbot/pkg/fault"
)

const dateLayout = time.DateOnly

// Lot is a named group of images.
type Lot struct {
	ID        int64
	Number    string
	CreatedAt time.Time
}

// Image is one stored image of a lot on a given date.
type Image struct {
	ID          int64
	LotID       int64
	LotNumber   string
	Date        time.Time
	Filename    string
	StorageKey  string
	Seq         int
	SizeBytes   int64
	ContentHash string
	UploadedBy  string
	CreatedAt   time.Time
}

// DateKey returns the image date as YYYY-MM-DD.
func (i Image) DateKey() string {
	return FormatDate(i.Date)
}

// Repository persists lots and image records.
type Repository interface {
	ResolveOrCreateLot(ctx context.Context, number string) (Lot, error)
	FindLot(ctx context.Context, number string) (Lot, error)
	AddImage(ctx context.Context, img Image) (Image, error)
	UpdateImage(ctx context.Context, img Image) error
	GetImage(ctx context.Context, id int64) (Image, error)
	DeleteImage(ctx context.Context, id int64) error
	// ReserveSeq reserves n consecutive sequence numbers for a lot and date
	// and returns the first. Numbers are never handed out twice, even after
	// the images holding them are deleted.
	ReserveSeq(ctx context.Context, lotID int64, date time.Time, n int) (int, error)
	ListDates(ctx context.Context, lotID int64) ([]time.Time, error)
	ListImages(ctx context.Context, lotID int64, date time.Time) ([]Image, error)
}

// NormalizeNumber trims, collapses inner whitespace and upper-cases a lot
// number. It returns a validation error for blank input.
func NormalizeNumber(raw string) (string, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", fault.Validationf("lot number must not be empty")
	}

	number := strings.ToUpper(strings.Join(fields, " "))
	if len([]rune(number)) > 64 {
		return "", fault.Validationf("lot number is too long")
	}
	return number, nil
}

// DateOnly truncates t to its calendar date in t's location, expressed as
// UTC midnight.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate renders a date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

// ParseDate parses YYYY-MM-DD input.
func ParseDate(raw string) (time.Time, error) {
	parsed, err := time.Parse(dateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fault.Validationf("date must look like 2006-01-02")
	}
	return parsed, nil
}
