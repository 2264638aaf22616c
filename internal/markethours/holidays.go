package markethours

import "time"

type holiday struct {
	year  int
	month time.Month
	day   int
}

// nseHolidays lists NSE trading holidays (entries marked tentative follow
// the provisional exchange circular).
var nseHolidays = []holiday{
	{2025, time.February, 26}, // Mahashivratri
	{2025, time.March, 14},    // Holi
	{2025, time.March, 31},    // Id-ul-Fitr
	{2025, time.April, 10},    // Mahavir Jayanti
	{2025, time.April, 14},    // Dr. Ambedkar Jayanti
	{2025, time.April, 18},    // Good Friday
	{2025, time.May, 1},       // Maharashtra Day
	{2025, time.August, 15},   // Independence Day
	{2025, time.August, 27},   // Ganesh Chaturthi
	{2025, time.October, 2},   // Mahatma Gandhi Jayanti
	{2025, time.October, 21},  // Diwali Laxmi Pujan
	{2025, time.October, 22},  // Diwali Balipratipada
	{2025, time.November, 5},  // Guru Nanak Jayanti
	{2025, time.December, 25}, // Christmas

	{2026, time.January, 26},  // Republic Day
	{2026, time.February, 17}, // Mahashivratri (tentative)
	{2026, time.March, 14},    // Holi
	{2026, time.March, 31},    // Id-ul-Fitr (tentative)
	{2026, time.April, 2},     // Ram Navami (tentative)
	{2026, time.April, 6},     // Mahavir Jayanti
	{2026, time.April, 10},    // Good Friday
	{2026, time.April, 14},    // Dr. Ambedkar Jayanti
	{2026, time.May, 1},       // Maharashtra Day
	{2026, time.June, 7},      // Bakrid (tentative)
	{2026, time.July, 6},      // Muharram (tentative)
	{2026, time.August, 15},   // Independence Day
	{2026, time.August, 16},   // Janmashtami (tentative)
	{2026, time.September, 5}, // Milad-un-Nabi (tentative)
	{2026, time.October, 2},   // Mahatma Gandhi Jayanti
	{2026, time.October, 20},  // Dussehra
	{2026, time.October, 21},  // Dussehra (tentative)
	{2026, time.November, 5},  // Diwali (tentative)
	{2026, time.November, 6},  // Diwali Balipratipada (tentative)
	{2026, time.November, 7},  // Bhai Dooj (tentative)
	{2026, time.November, 19}, // Guru Nanak Jayanti
	{2026, time.December, 25}, // Christmas
}

func defaultHolidays() map[string]bool {
	set := make(map[string]bool, len(nseHolidays))
	for _, h := range nseHolidays {
		set[dateKey(h.year, h.month, h.day)] = true
	}
	return set
}

func dateKey(year int, month time.Month, day int) string {
	return time.Date(year, month, day, 0, 0, 0, 0, IST).Format("2006-01-02")
}
