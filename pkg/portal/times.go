package portal

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

// All portals bill in Uzbekistan time.
var uzLocation = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Tashkent")
	if err != nil {
		panic(fmt.Errorf("failed to load tashkent location: %w", err))
	}
	return loc
}()

// previousMonth returns the year and month before t.
func previousMonth(t time.Time) (int, time.Month) {
	year, month := t.Year(), t.Month()-1
	if month == 0 {
		month = time.December
		year--
	}
	return year, month
}

// isoPeriod formats a year and month as "YYYY-MM".
func isoPeriod(year int, month time.Month) string {
	return fmt.Sprintf("%d-%02d", year, int(month))
}
