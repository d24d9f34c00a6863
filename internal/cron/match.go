package cron

import (
	"math/bits"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Set is a bitmask of the values a crontab field allows.
type Set uint64

// starBit marks a full day-of-month or day-of-week field in a
// robfig.SpecSchedule, which switches its day matching from OR to AND.
const starBit = 1 << 63

func (s Set) Has(n int) bool { return n >= 0 && n < 63 && s&(1<<uint(n)) != 0 }

func (s Set) Len() int { return bits.OnesCount64(uint64(s)) }

// Values lists the members in ascending order.
func (s Set) Values() []int {
	out := make([]int, 0, s.Len())
	for n := 0; n < 63; n++ {
		if s.Has(n) {
			out = append(out, n)
		}
	}
	return out
}

func rangeSet(lo, hi int) Set {
	var s Set
	for n := lo; n <= hi; n++ {
		s |= 1 << uint(n)
	}
	return s
}

var (
	allDates = rangeSet(1, 31)
	allDows  = rangeSet(0, 6)
)

// Digest is a UTC timestamp broken into the fields a crontab matches on.
type Digest struct {
	Minute int
	Hour   int
	Date   int
	Month  int
	Dow    int
}

func DigestOf(t time.Time) Digest {
	t = t.UTC()
	return Digest{
		Minute: t.Minute(),
		Hour:   t.Hour(),
		Date:   t.Day(),
		Month:  int(t.Month()),
		Dow:    int(t.Weekday()),
	}
}

// Matches applies cron semantics: minute, hour and month must all match.
// When both date and day of week are restricted either may match;
// otherwise the restricted one decides.
func (it *Item) Matches(d Digest) bool {
	if !it.Minutes.Has(d.Minute) || !it.Hours.Has(d.Hour) || !it.Months.Has(d.Month) {
		return false
	}
	dateRestricted := it.Dates != allDates
	dowRestricted := it.Dows != allDows
	switch {
	case dateRestricted && dowRestricted:
		return it.Dates.Has(d.Date) || it.Dows.Has(d.Dow)
	case dateRestricted:
		return it.Dates.Has(d.Date)
	case dowRestricted:
		return it.Dows.Has(d.Dow)
	}
	return true
}

// Schedule expresses the item as a robfig schedule in UTC, for computing
// upcoming runs.
func (it *Item) Schedule() robfig.Schedule {
	dom, dow := uint64(it.Dates), uint64(it.Dows)
	if it.Dates == allDates {
		dom |= starBit
	}
	if it.Dows == allDows {
		dow |= starBit
	}
	return &robfig.SpecSchedule{
		Second:   1,
		Minute:   uint64(it.Minutes),
		Hour:     uint64(it.Hours),
		Dom:      dom,
		Month:    uint64(it.Months),
		Dow:      dow,
		Location: time.UTC,
	}
}
