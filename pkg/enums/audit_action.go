package enums

import "fmt"

// AuditAction identifies which ledger mutation an audit entry documents.
type AuditAction string

const (
	AuditActionAdd     AuditAction = "add"
	AuditActionDeduct  AuditAction = "deduct"
	AuditActionReserve AuditAction = "reserve"
	AuditActionConfirm AuditAction = "confirm"
	AuditActionRelease AuditAction = "release"
	// AuditActionExpire marks a release performed by the sweeper rather than a caller.
	AuditActionExpire AuditAction = "expire"
)

var validAuditActions = []AuditAction{
	AuditActionAdd,
	AuditActionDeduct,
	AuditActionReserve,
	AuditActionConfirm,
	AuditActionRelease,
	AuditActionExpire,
}

// IsValid reports whether the value is known.
func (a AuditAction) IsValid() bool {
	for _, candidate := range validAuditActions {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAuditAction converts raw input into an AuditAction.
func ParseAuditAction(value string) (AuditAction, error) {
	for _, candidate := range validAuditActions {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid audit action %q", value)
}
