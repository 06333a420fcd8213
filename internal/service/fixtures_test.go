package service

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"payout-security-api/internal/config"
	"payout-security-api/internal/models"
)

// 10:00 in Kuala Lumpur.
var testNow = time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC)

func testRegulatoryConfig() config.RegulatoryConfig {
	return config.RegulatoryConfig{
		Currency:                "MYR",
		Timezone:                "Asia/Kuala_Lumpur",
		MinWithdrawal:           "10.00",
		MaxSingleWithdrawal:     "5000.00",
		DailyLimit:              "10000.00",
		WeeklyLimit:             "30000.00",
		DailyWarningRatio:       0.8,
		AMLThreshold:            "3000.00",
		AMLWeeklyLimit:          "25000.00",
		StructuringCount:        2,
		StructuringRatio:        0.9,
		ValidBankCodes:          []string{"MBB", "CIMB", "PBB", "RHB"},
		EWalletProviders:        []string{"TNG", "GRABPAY", "BOOST", "SHOPEEPAY", "MAE"},
		AccountNumberMinLength:  8,
		AccountNumberMaxLength:  20,
		UnknownBankCodeSeverity: "medium",
		HighRiskCountries:       []string{"KP", "IR", "MM"},
	}
}

func testLimits(t *testing.T) *config.RegulatoryLimits {
	t.Helper()
	limits, err := testRegulatoryConfig().Limits()
	require.NoError(t, err)
	return limits
}

func testFraudConfig() config.FraudConfig {
	return config.FraudConfig{
		HighAmountThreshold: "2000.00",
		VelocityThreshold:   "8000.00",
		AttemptThreshold:    3,
		BurstThreshold:      5,
		AttemptWindow:       time.Hour,
		NormalHoursStart:    6,
		NormalHoursEnd:      23,
		HighRiskScore:       70,
		MediumRiskScore:     40,
		Weights: config.FraudWeights{
			HighAmount:         25,
			FrequentAttempts:   30,
			BurstAttempts:      15,
			OffHours:           15,
			SuspiciousIP:       35,
			UnrecognizedDevice: 20,
			Velocity:           25,
		},
	}
}

func newTestRequest() *models.WithdrawalRequest {
	return &models.WithdrawalRequest{
		ID:       "wr-1",
		DriverID: "drv-1",
		Amount:   decimal.RequireFromString("100.00"),
		Currency: "MYR",
		Method:   models.MethodBankTransfer,
		BankDetails: &models.BankDetails{
			AccountNumber:     "1234567890",
			BankCode:          "MBB",
			BankName:          "Maybank",
			AccountHolderName: "Ahmad bin Ali",
		},
		Network: models.NetworkContext{
			IPAddress: "203.0.113.10",
			Device: models.DeviceInfo{
				DeviceID: "dev-1",
				Platform: "android",
			},
		},
		SubmittedAt: testNow,
	}
}

func cleanSnapshot() *Snapshot {
	return &Snapshot{
		History: &models.WithdrawalHistory{
			DriverID:        "drv-1",
			SameDayTotal:    decimal.Zero,
			Rolling24hTotal: decimal.Zero,
			WeekTotal:       decimal.Zero,
			RecentAttempts:  []time.Time{},
			KnownDeviceIDs:  map[string]struct{}{"dev-1": {}},
			LoadedAt:        testNow,
		},
		IP:  &models.IPReputation{IPAddress: "203.0.113.10", CountryCode: "MY"},
		Now: testNow,
	}
}

func withdrawalRecord(id, amount string, status models.WithdrawalStatus, at time.Time) *models.WithdrawalRecord {
	return &models.WithdrawalRecord{
		ID:        id,
		DriverID:  "drv-1",
		Amount:    decimal.RequireFromString(amount),
		Currency:  "MYR",
		Method:    models.MethodBankTransfer,
		Status:    status,
		DeviceID:  "dev-1",
		CreatedAt: at,
	}
}

type stubIntel struct {
	rep *models.IPReputation
	err error
}

func (s stubIntel) Lookup(_ context.Context, ip string) (*models.IPReputation, error) {
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.rep
	cp.IPAddress = ip
	return &cp, nil
}
