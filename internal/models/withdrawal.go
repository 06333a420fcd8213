package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type WithdrawalMethod string

const (
	MethodBankTransfer WithdrawalMethod = "bank_transfer"
	MethodEWallet      WithdrawalMethod = "e_wallet"
	MethodCash         WithdrawalMethod = "cash"
)

// RequiresPayoutDestination reports whether the method carries bank or wallet
// details that must be encrypted.
func (m WithdrawalMethod) RequiresPayoutDestination() bool {
	return m == MethodBankTransfer || m == MethodEWallet
}

// WithdrawalRequest is a driver's request to cash out earnings. It is treated
// as immutable once submitted and never persisted in plaintext. ID and
// SubmittedAt are assigned by the pipeline and never read from a request body.
type WithdrawalRequest struct {
	ID          string           `json:"-"`
	DriverID    string           `json:"driver_id" validate:"required,max=64"`
	Amount      decimal.Decimal  `json:"amount"`
	Currency    string           `json:"currency" validate:"required,len=3,alpha"`
	Method      WithdrawalMethod `json:"method" validate:"required,oneof=bank_transfer e_wallet cash"`
	BankDetails *BankDetails     `json:"bank_details,omitempty"`
	Network     NetworkContext   `json:"network"`
	SubmittedAt time.Time        `json:"-"`
}

// BankDetails is the payout destination. For e-wallets BankCode holds the
// provider code and AccountNumber the wallet identifier.
type BankDetails struct {
	AccountNumber     string `json:"account_number"`
	BankCode          string `json:"bank_code"`
	BankName          string `json:"bank_name"`
	AccountHolderName string `json:"account_holder_name"`
}

type NetworkContext struct {
	IPAddress     string     `json:"ip_address" validate:"omitempty,ip"`
	Device        DeviceInfo `json:"device"`
	VPNDetected   bool       `json:"vpn_detected"`
	ProxyDetected bool       `json:"proxy_detected"`
}

type DeviceInfo struct {
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	Model      string `json:"model"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`
	IsEmulator bool   `json:"is_emulator"`
	IsRooted   bool   `json:"is_rooted"`
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalApproved   WithdrawalStatus = "approved"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalRejected   WithdrawalStatus = "rejected"
	WithdrawalFailed     WithdrawalStatus = "failed"
)

// CommittedStatuses are the statuses that count toward withdrawal limits.
var CommittedStatuses = []WithdrawalStatus{
	WithdrawalPending,
	WithdrawalProcessing,
	WithdrawalApproved,
	WithdrawalCompleted,
}

func (s WithdrawalStatus) Committed() bool {
	for _, c := range CommittedStatuses {
		if c == s {
			return true
		}
	}
	return false
}

// WithdrawalRecord is the persisted row for a processed request. Only the
// encrypted payload and a masked account number are stored.
type WithdrawalRecord struct {
	ID                  string            `json:"id" bson:"_id"`
	DriverID            string            `json:"driver_id" bson:"driver_id"`
	Amount              decimal.Decimal   `json:"amount" bson:"-"`
	Currency            string            `json:"currency" bson:"currency"`
	Method              WithdrawalMethod  `json:"method" bson:"method"`
	Status              WithdrawalStatus  `json:"status" bson:"status"`
	DeviceID            string            `json:"device_id,omitempty" bson:"device_id,omitempty"`
	IPAddress           string            `json:"ip_address,omitempty" bson:"ip_address,omitempty"`
	MaskedAccountNumber string            `json:"masked_account_number,omitempty" bson:"masked_account_number,omitempty"`
	EncryptedPayload    *EncryptedPayload `json:"encrypted_payload,omitempty" bson:"encrypted_payload,omitempty"`
	CreatedAt           time.Time         `json:"created_at" bson:"created_at"`
}

// WithdrawalHistory is the aggregate view of a driver's prior withdrawals used
// by compliance and fraud evaluation.
type WithdrawalHistory struct {
	DriverID         string              `json:"driver_id"`
	SameDayTotal     decimal.Decimal     `json:"same_day_total"`
	Rolling24hTotal  decimal.Decimal     `json:"rolling_24h_total"`
	WeekTotal        decimal.Decimal     `json:"week_total"`
	RecentAttempts   []time.Time         `json:"recent_attempts"` // any status, last hour
	NearThreshold24h int                 `json:"near_threshold_24h"`
	KnownDeviceIDs   map[string]struct{} `json:"-"`
	LoadedAt         time.Time           `json:"loaded_at"`
}

func (h *WithdrawalHistory) KnowsDevice(deviceID string) bool {
	if h == nil || deviceID == "" {
		return false
	}
	_, ok := h.KnownDeviceIDs[deviceID]
	return ok
}

// WithdrawalResult is returned to the caller once a request completes the pipeline.
type WithdrawalResult struct {
	WithdrawalRequestID string              `json:"withdrawal_request_id"`
	Decision            *ComplianceDecision `json:"decision"`
	EncryptedPayload    *EncryptedPayload   `json:"-"`
	AuditDegraded       bool                `json:"audit_degraded,omitempty"`
	Timestamp           time.Time           `json:"timestamp"`
}
