package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type SurveyorType string

const ( // needs to match `surveyor_type` in pg
	SurveyorTypeContribution SurveyorType = "contribution"
	SurveyorTypeVoting       SurveyorType = "voting"
)

const DefaultCohort = "control"

// Surveyor - an aggregation bucket for one contribution round. Counts, Inputs,
// Fee and Quantum are written only by the aggregator and are absent until its
// first pass over the surveyor.
type Surveyor struct {
	SurveyorID   string
	SurveyorType SurveyorType
	Active       bool

	// contribution surveyors only
	AdFree  *AdFree
	Cohorts map[string][]string
	// pre-cohort surveyors carry one flat voting list instead
	LegacySurveyorIDs []string

	Counts  *int64
	Inputs  decimal.NullDecimal
	Fee     decimal.NullDecimal
	Quantum decimal.NullDecimal

	Created  time.Time
	Modified time.Time
}

// AdFree - sizing parameters used to turn a contribution amount into a vote count
type AdFree struct {
	Currency    string
	Fee         decimal.Decimal
	Probi       decimal.Decimal
	Votes       int64
	Altcurrency string
}

// SurveyorQuantum - the freshly computed aggregate for one surveyor
type SurveyorQuantum struct {
	SurveyorID string
	Probi      decimal.Decimal
	Fee        decimal.Decimal
	Inputs     decimal.Decimal
	Votes      int64
	Quantum    decimal.Decimal
	Counts     int64
	Created    time.Time
	Modified   time.Time
}

// ContributionSum - contributions grouped by surveyor
type ContributionSum struct {
	SurveyorID string
	Probi      decimal.Decimal
	Fee        decimal.Decimal
	Votes      int64
}

// Contribution - a single funded contribution, the raw input of aggregation
type Contribution struct {
	ViewingID   string
	PaymentID   string
	SurveyorID  string
	Altcurrency string
	Probi       decimal.Decimal
	Fee         decimal.Decimal
	Votes       int64
	Cohort      string
	Created     time.Time
}

// Viewing - the voting surveyors handed out for a contribution
type Viewing struct {
	ViewingID   string
	UserID      string
	SurveyorID  string
	SurveyorIDs []string
	Altcurrency string
	Probi       decimal.Decimal
	Count       int64
}
