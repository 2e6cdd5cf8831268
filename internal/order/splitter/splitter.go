// Package splitter partitions a multi-vendor order into one sub-order per vendor.
package splitter

import (
	"fmt"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/revshare/internal/order/domain"
)

// VendorOf resolves the vendor selling a line item.
type VendorOf func(item domain.LineItem) (snowflake.ID, bool)

// ByItemVendor resolves vendors from the VendorID already set on each item.
func ByItemVendor(item domain.LineItem) (snowflake.ID, bool) {
	return item.VendorID, item.VendorID != 0
}

// Split groups items by vendor in order of first appearance and allocates
// shipping, platform fee and tax across the groups in proportion to their
// line subtotals. Shares are floored; the remainder of each charge goes to
// the group with the largest subtotal, the earliest one on ties. When the
// line subtotal is zero each charge goes entirely to the first group.
//
// The returned sub-orders reconcile exactly with parent.Total or an error is
// returned; a *domain.SplitIntegrityError means the split itself is wrong and
// nothing from it may be persisted.
func Split(parent domain.ParentOrder, items []domain.LineItem, vendorOf VendorOf) ([]domain.SubOrder, error) {
	if len(items) == 0 {
		return nil, domain.ErrNoLineItems
	}
	if vendorOf == nil {
		vendorOf = ByItemVendor
	}
	if parent.Shipping < 0 || parent.PlatformFee < 0 || parent.Tax < 0 {
		return nil, domain.ErrInvalidCharge
	}

	var (
		groups   []*domain.SubOrder
		byVendor = map[snowflake.ID]*domain.SubOrder{}
		subtotal int64
	)
	for i, item := range items {
		amount, err := lineAmount(item)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
		vendorID, ok := vendorOf(item)
		if !ok || vendorID == 0 {
			return nil, fmt.Errorf("line %d (%s): %w", i, item.SKU, domain.ErrUnknownVendor)
		}
		if subtotal > math.MaxInt64-amount {
			return nil, fmt.Errorf("line %d: %w", i, domain.ErrInvalidLineItem)
		}
		subtotal += amount

		item.VendorID = vendorID
		item.Amount = amount
		item.Position = i

		sub, ok := byVendor[vendorID]
		if !ok {
			sub = &domain.SubOrder{
				ParentOrderID: parent.ID,
				VendorID:      vendorID,
				Sequence:      len(groups) + 1,
				Currency:      strings.ToUpper(parent.Currency),
				Status:        domain.StatusPending,
			}
			byVendor[vendorID] = sub
			groups = append(groups, sub)
		}
		sub.Items = append(sub.Items, item)
		sub.Subtotal += amount
	}

	if parent.Subtotal != 0 && parent.Subtotal != subtotal {
		return nil, fmt.Errorf("declared subtotal %d, line items sum to %d: %w", parent.Subtotal, subtotal, domain.ErrTotalMismatch)
	}
	expected, ok := sumCharges(subtotal, parent.Shipping, parent.PlatformFee, parent.Tax)
	if !ok {
		return nil, fmt.Errorf("order charges overflow: %w", domain.ErrInvalidCharge)
	}
	if parent.Total != expected {
		return nil, fmt.Errorf("declared total %d, expected %d: %w", parent.Total, expected, domain.ErrTotalMismatch)
	}

	subtotals := make([]int64, len(groups))
	for i, g := range groups {
		subtotals[i] = g.Subtotal
	}
	shipping := allocate(parent.Shipping, subtotals, subtotal)
	fees := allocate(parent.PlatformFee, subtotals, subtotal)
	taxes := allocate(parent.Tax, subtotals, subtotal)

	out := make([]domain.SubOrder, len(groups))
	for i, g := range groups {
		g.Shipping = shipping[i]
		g.PlatformFee = fees[i]
		g.Tax = taxes[i]
		total, ok := sumCharges(g.Subtotal, g.Shipping, g.PlatformFee, g.Tax)
		if !ok {
			return nil, fmt.Errorf("sub-order %d charges overflow: %w", g.Sequence, domain.ErrInvalidCharge)
		}
		g.Total = total
		out[i] = *g
	}

	if err := verify(parent, len(items), out); err != nil {
		return nil, err
	}
	return out, nil
}

// sumCharges adds non-negative amounts, reporting false on int64 overflow.
func sumCharges(amounts ...int64) (int64, bool) {
	var sum int64
	for _, a := range amounts {
		if sum > math.MaxInt64-a {
			return 0, false
		}
		sum += a
	}
	return sum, true
}

func lineAmount(item domain.LineItem) (int64, error) {
	if item.Quantity < 0 || item.UnitAmount < 0 || item.Amount < 0 {
		return 0, domain.ErrInvalidLineItem
	}
	if item.UnitAmount == 0 {
		return item.Amount, nil
	}
	if item.Quantity > math.MaxInt64/item.UnitAmount {
		return 0, domain.ErrInvalidLineItem
	}
	amount := item.Quantity * item.UnitAmount
	if item.Amount != 0 && item.Amount != amount {
		return 0, domain.ErrInvalidLineItem
	}
	return amount, nil
}

// allocate splits charge across subtotals by floor of the proportional share.
// The remainder goes to the largest subtotal.
func allocate(charge int64, subtotals []int64, total int64) []int64 {
	shares := make([]int64, len(subtotals))
	if charge == 0 || len(subtotals) == 0 {
		return shares
	}
	if total == 0 {
		shares[0] = charge
		return shares
	}

	c := decimal.NewFromInt(charge)
	t := decimal.NewFromInt(total)
	var assigned int64
	largest := 0
	for i, sub := range subtotals {
		q, _ := c.Mul(decimal.NewFromInt(sub)).QuoRem(t, 0)
		shares[i] = q.IntPart()
		assigned += shares[i]
		if sub > subtotals[largest] {
			largest = i
		}
	}
	shares[largest] += charge - assigned
	return shares
}

func verify(parent domain.ParentOrder, itemCount int, subs []domain.SubOrder) error {
	fail := func(format string, args ...any) error {
		return &domain.SplitIntegrityError{ParentRef: parent.ExternalRef, Reason: fmt.Sprintf(format, args...)}
	}

	var total, shipping, fees, taxes int64
	items := 0
	seen := make(map[snowflake.ID]struct{}, len(subs))
	for _, sub := range subs {
		if _, dup := seen[sub.VendorID]; dup {
			return fail("vendor %s appears in two sub-orders", sub.VendorID)
		}
		seen[sub.VendorID] = struct{}{}

		var lines int64
		for _, item := range sub.Items {
			if item.VendorID != sub.VendorID {
				return fail("sub-order %d mixes vendors %s and %s", sub.Sequence, sub.VendorID, item.VendorID)
			}
			lines += item.Amount
		}
		if lines != sub.Subtotal {
			return fail("sub-order %d subtotal %d does not match its lines %d", sub.Sequence, sub.Subtotal, lines)
		}
		if sub.Shipping < 0 || sub.PlatformFee < 0 || sub.Tax < 0 {
			return fail("sub-order %d received a negative charge", sub.Sequence)
		}
		if sub.Total != sub.Subtotal+sub.Shipping+sub.PlatformFee+sub.Tax {
			return fail("sub-order %d total does not add up", sub.Sequence)
		}
		items += len(sub.Items)
		total += sub.Total
		shipping += sub.Shipping
		fees += sub.PlatformFee
		taxes += sub.Tax
	}

	switch {
	case items != itemCount:
		return fail("%d of %d line items assigned", items, itemCount)
	case shipping != parent.Shipping, fees != parent.PlatformFee, taxes != parent.Tax:
		return fail("allocated charges do not match the parent")
	case total != parent.Total:
		return fail("sub-order totals sum to %d, parent total is %d", total, parent.Total)
	}
	return nil
}
