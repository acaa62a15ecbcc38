package workflow

import (
	"fmt"

	"github.com/pesio-ai/be-ap-purchase-orders/internal/errors"
)

// Line receipt statuses.
const (
	LinePending  = "PENDING"
	LinePartial  = "PARTIAL"
	LineReceived = "RECEIVED"
)

// LineProgress is the cumulative receipt position of one order line.
type LineProgress struct {
	Ordered  int
	Received int
	Damaged  int
}

// Status derives the line status from its cumulative quantities.
func (p LineProgress) Status() string {
	switch {
	case p.Received >= p.Ordered:
		return LineReceived
	case p.Received+p.Damaged > 0:
		return LinePartial
	default:
		return LinePending
	}
}

// Outstanding is how many units can still be booked against the line.
func (p LineProgress) Outstanding() int {
	return p.Ordered - p.Received - p.Damaged
}

// Apply books a receipt against the line. Received plus damaged units may
// never exceed the ordered quantity.
func (p LineProgress) Apply(received, damaged int) (LineProgress, error) {
	if received < 0 || damaged < 0 {
		return p, errors.InvalidInput("quantity", "received and damaged quantities cannot be negative")
	}
	if received == 0 && damaged == 0 {
		return p, errors.InvalidInput("quantity", "nothing to receive")
	}
	if received+damaged > p.Outstanding() {
		return p, errors.InvalidInput("quantity",
			fmt.Sprintf("receipt of %d exceeds outstanding quantity %d", received+damaged, p.Outstanding()))
	}
	p.Received += received
	p.Damaged += damaged
	return p, nil
}

// FullyReceived reports whether every line has received at least its ordered
// quantity. An order with no lines is never fully received. Damaged units do
// not count, so a line with damage whose cap is used up leaves the order
// PARTIAL.
func FullyReceived(lines []LineProgress) bool {
	if len(lines) == 0 {
		return false
	}
	for _, l := range lines {
		if l.Received < l.Ordered {
			return false
		}
	}
	return true
}

// CompletionState is the state an order moves to when a receiving session closes.
func CompletionState(lines []LineProgress) OrderState {
	if FullyReceived(lines) {
		return StateReceived
	}
	return StatePartial
}
