// Package calendar builds the Monday-first month grid shown next to the chat.
package calendar

import "time"

// Day is one cell of a month grid. Blank cells pad the first week.
type Day struct {
	Blank   bool
	Date    time.Time
	Day     int
	IsToday bool
}

// MonthGrid returns the cells of month in year, Monday first. Leading blanks
// align day 1 with its weekday; the grid is not padded at the end.
func MonthGrid(year int, month time.Month, today time.Time) []Day {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	days := DaysIn(year, month)

	// Sunday is the last column.
	lead := (int(first.Weekday()) + 6) % 7

	ty, tm, td := today.Date()

	grid := make([]Day, 0, lead+days)
	for range lead {
		grid = append(grid, Day{Blank: true})
	}
	for d := 1; d <= days; d++ {
		grid = append(grid, Day{
			Date:    time.Date(year, month, d, 0, 0, 0, 0, time.UTC),
			Day:     d,
			IsToday: ty == year && tm == month && td == d,
		})
	}
	return grid
}

// DaysIn returns the number of days of month in year.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Weeks splits a grid into rows of seven.
func Weeks(grid []Day) [][]Day {
	var out [][]Day
	for len(grid) > 0 {
		n := min(7, len(grid))
		out = append(out, grid[:n])
		grid = grid[n:]
	}
	return out
}
