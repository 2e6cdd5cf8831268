package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSplitIntegrity     = errors.New("split_integrity_violation")
	ErrNoLineItems        = errors.New("no_line_items")
	ErrInvalidLineItem    = errors.New("invalid_line_item")
	ErrUnknownVendor      = errors.New("unknown_vendor")
	ErrInvalidCharge      = errors.New("invalid_charge")
	ErrTotalMismatch      = errors.New("total_mismatch")
	ErrInvalidCurrency    = errors.New("invalid_currency")
	ErrInvalidExternalRef = errors.New("invalid_external_ref")
	ErrInvalidTransition  = errors.New("invalid_status_transition")
	ErrOrderNotFound      = errors.New("order_not_found")
	ErrSubOrderNotFound   = errors.New("sub_order_not_found")
	ErrOrderConflict      = errors.New("order_external_ref_conflict")
	ErrStaleStatus        = errors.New("stale_sub_order_status")
)

// SplitIntegrityError reports a split whose parts do not reconcile with the
// parent. It indicates a defect, never bad input, and matches ErrSplitIntegrity.
type SplitIntegrityError struct {
	ParentRef string
	Reason    string
}

func (e *SplitIntegrityError) Error() string {
	return fmt.Sprintf("split integrity violation for order %q: %s", e.ParentRef, e.Reason)
}

func (e *SplitIntegrityError) Unwrap() error { return ErrSplitIntegrity }
