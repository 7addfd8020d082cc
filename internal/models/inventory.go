package models

import (
	"time"

	"github.com/example/bloodlink/internal/bloodtype"
)

type UnitStatus string

const (
	UnitTesting    UnitStatus = "testing"
	UnitQuarantine UnitStatus = "quarantine"
	UnitAvailable  UnitStatus = "available"
	UnitReserved   UnitStatus = "reserved"
	UnitUsed       UnitStatus = "used"
	UnitExpired    UnitStatus = "expired"
)

type TestResult string

const (
	TestNegative TestResult = "negative"
	TestPositive TestResult = "positive"
	TestPending  TestResult = "pending"
)

// TestPanel is the pathogen screen run on every collected unit.
type TestPanel struct {
	HIV        TestResult `json:"hiv"`
	HepatitisB TestResult `json:"hepatitis_b"`
	HepatitisC TestResult `json:"hepatitis_c"`
	Syphilis   TestResult `json:"syphilis"`
	Malaria    TestResult `json:"malaria"`
}

func (p TestPanel) results() []TestResult {
	return []TestResult{p.HIV, p.HepatitisB, p.HepatitisC, p.Syphilis, p.Malaria}
}

// AnyPositive reports whether at least one screen came back positive.
func (p TestPanel) AnyPositive() bool {
	for _, r := range p.results() {
		if r == TestPositive {
			return true
		}
	}
	return false
}

// AllNegative reports whether every screen is complete and negative.
func (p TestPanel) AllNegative() bool {
	for _, r := range p.results() {
		if r != TestNegative {
			return false
		}
	}
	return true
}

// PendingPanel is the panel assigned to a freshly collected unit.
func PendingPanel() TestPanel {
	return TestPanel{HIV: TestPending, HepatitisB: TestPending, HepatitisC: TestPending, Syphilis: TestPending, Malaria: TestPending}
}

type BloodUnit struct {
	ID                 string         `json:"id"`
	DonorID            string         `json:"donor_id,omitempty"`
	InstitutionID      string         `json:"institution_id,omitempty"`
	BloodType          bloodtype.Type `json:"blood_type"`
	VolumeML           int            `json:"volume_ml"`
	CollectionDate     time.Time      `json:"collection_date"`
	ExpiryDate         time.Time      `json:"expiry_date"`
	Status             UnitStatus     `json:"status"`
	QualityScore       int            `json:"quality_score"`
	TestResults        TestPanel      `json:"test_results"`
	ReservedForRequest *string        `json:"reserved_for_request,omitempty"`
	ReservedAt         *time.Time     `json:"reserved_at,omitempty"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Reservable reports whether u can be reserved at now.
func (u BloodUnit) Reservable(now time.Time) bool {
	return u.Status == UnitAvailable && u.ExpiryDate.After(now)
}

type ExpiryPreference string

const (
	OldestFirst ExpiryPreference = "oldest_first"
	NewestFirst ExpiryPreference = "newest_first"
)
