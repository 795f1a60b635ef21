package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type ReviewPeriod string

const (
	PeriodMonth   ReviewPeriod = "month"
	PeriodQuarter ReviewPeriod = "quarter"
	PeriodYear    ReviewPeriod = "year"
)

func ParsePeriod(s string) (ReviewPeriod, error) {
	switch p := ReviewPeriod(strings.ToLower(strings.TrimSpace(s))); p {
	case PeriodMonth, PeriodQuarter, PeriodYear:
		return p, nil
	default:
		return "", fmt.Errorf("unknown review period %q", s)
	}
}

// Review is a generated report for one time bucket. Its ID is always the
// bucket key, so saving twice for the same bucket overwrites.
type Review struct {
	ID          string       `json:"id"`
	Period      ReviewPeriod `json:"period"`
	Year        int          `json:"year"`
	Month       *int         `json:"month,omitempty"`
	Quarter     *int         `json:"quarter,omitempty"`
	Content     string       `json:"content"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Goals       []Goal       `json:"goals"`
}

// Bucket identifies the time range a review covers. Month is 1-12 and only
// meaningful for month reviews; Quarter is 1-4 and only meaningful for
// quarter reviews.
type Bucket struct {
	Period  ReviewPeriod
	Year    int
	Month   int
	Quarter int
}

// ReviewKey maps a bucket to its stable identifier:
//
//	month   -> "month-2024-03"
//	quarter -> "quarter-2024-Q2"
//	year    -> "year-2024"
//
// Fields that do not apply to the period are ignored.
func ReviewKey(period ReviewPeriod, year, month, quarter int) string {
	switch period {
	case PeriodMonth:
		return fmt.Sprintf("month-%04d-%02d", year, month)
	case PeriodQuarter:
		return fmt.Sprintf("quarter-%04d-Q%d", year, quarter)
	case PeriodYear:
		return fmt.Sprintf("year-%04d", year)
	default:
		return fmt.Sprintf("%s-%04d", period, year)
	}
}

func (b Bucket) Key() string {
	return ReviewKey(b.Period, b.Year, b.Month, b.Quarter)
}

func (b Bucket) Validate() error {
	return ValidateBucket(b.Period, b.Year, b.Month, b.Quarter)
}

func ValidateBucket(period ReviewPeriod, year, month, quarter int) error {
	if year < 1 || year > 9999 {
		return fmt.Errorf("year %d out of range", year)
	}
	switch period {
	case PeriodMonth:
		if month < 1 || month > 12 {
			return fmt.Errorf("month %d out of range 1-12", month)
		}
	case PeriodQuarter:
		if quarter < 1 || quarter > 4 {
			return fmt.Errorf("quarter %d out of range 1-4", quarter)
		}
	case PeriodYear:
	default:
		return fmt.Errorf("unknown review period %q", period)
	}
	return nil
}

// BucketFor returns the bucket of the given period that contains t.
func BucketFor(period ReviewPeriod, t time.Time) Bucket {
	b := Bucket{Period: period, Year: t.Year()}
	switch period {
	case PeriodMonth:
		b.Month = int(t.Month())
	case PeriodQuarter:
		b.Quarter = (int(t.Month())-1)/3 + 1
	}
	return b
}

// Range returns the half-open interval [start, end) covered by the bucket,
// in the location of loc.
func (b Bucket) Range(loc *time.Location) (time.Time, time.Time) {
	switch b.Period {
	case PeriodMonth:
		start := time.Date(b.Year, time.Month(b.Month), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0)
	case PeriodQuarter:
		start := time.Date(b.Year, time.Month((b.Quarter-1)*3+1), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 3, 0)
	default:
		start := time.Date(b.Year, time.January, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(1, 0, 0)
	}
}

// Bucket returns the review's bucket.
func (r *Review) Bucket() Bucket {
	b := Bucket{Period: r.Period, Year: r.Year}
	if r.Month != nil {
		b.Month = *r.Month
	}
	if r.Quarter != nil {
		b.Quarter = *r.Quarter
	}
	return b
}

// Normalize recomputes the ID from the bucket, clears the month/quarter
// fields that do not apply to the period and converts dates to UTC.
func (r *Review) Normalize() {
	b := r.Bucket()
	switch r.Period {
	case PeriodMonth:
		r.Quarter = nil
	case PeriodQuarter:
		r.Month = nil
	case PeriodYear:
		r.Month = nil
		r.Quarter = nil
	}
	r.ID = b.Key()
	r.GeneratedAt = r.GeneratedAt.UTC()
	if r.Goals == nil {
		r.Goals = []Goal{}
	}
	for i := range r.Goals {
		r.Goals[i].Normalize()
	}
}

func (r *Review) Validate() error {
	if err := r.Bucket().Validate(); err != nil {
		return fmt.Errorf("review: %w", err)
	}
	if r.GeneratedAt.IsZero() {
		return errors.New("review: generatedAt is required")
	}
	return nil
}

// NewReview builds a review for a bucket.
func NewReview(b Bucket, content string, generatedAt time.Time, goals []Goal) Review {
	r := Review{
		Period:      b.Period,
		Year:        b.Year,
		Content:     content,
		GeneratedAt: generatedAt,
		Goals:       goals,
	}
	switch b.Period {
	case PeriodMonth:
		m := b.Month
		r.Month = &m
	case PeriodQuarter:
		q := b.Quarter
		r.Quarter = &q
	}
	r.Normalize()
	return r
}
