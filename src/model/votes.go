package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// VoteSlice - votes for one publisher against one surveyor, keyed by
// (SurveyorID, Publisher, Cohort). Probi and Fees are owned by the mixer.
type VoteSlice struct {
	SurveyorID  string
	Publisher   string
	Cohort      string
	Counts      int64
	Altcurrency string
	Probi       decimal.NullDecimal
	Fees        decimal.NullDecimal
	Exclude     bool
	Timestamp   time.Time
}

func (vs *VoteSlice) CohortOrDefault() string {
	if vs.Cohort == "" {
		return DefaultCohort
	}
	return vs.Cohort
}

// PublisherVote - per surveyor detail carried in a PublisherTotal
type PublisherVote struct {
	SurveyorID  string
	Timestamp   time.Time
	Counts      int64
	Altcurrency string
	Probi       decimal.Decimal
	Fees        decimal.Decimal
	Cohort      string
}

// PublisherTotal - what a publisher is owed across all surveyors in one mix
type PublisherTotal struct {
	Altcurrency string
	Probi       decimal.Decimal
	Fees        decimal.Decimal
	Votes       []PublisherVote
}

type PublisherTotals map[string]*PublisherTotal
