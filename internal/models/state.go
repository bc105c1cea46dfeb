package models

import "fmt"

// validPairs enumerates every (status, paymentStatus) combination a booking
// may be stored in. Anything absent is rejected before a write.
var validPairs = map[string]map[PaymentStatus]bool{
	BookingStatusPendingPayment: {
		PaymentStatusNone:    true,
		PaymentStatusPending: true,
		PaymentStatusFailed:  true,
	},
	BookingStatusConfirmed: {
		PaymentStatusPaid:            true,
		PaymentStatusProviderPending: true,
	},
	BookingStatusCancelled: {
		PaymentStatusNone:     true,
		PaymentStatusPending:  true,
		PaymentStatusFailed:   true,
		PaymentStatusPaid:     true,
		PaymentStatusRefunded: true,
	},
	BookingStatusRefunded: {
		PaymentStatusRefunded: true,
	},
}

// ValidStatusPair reports whether status and paymentStatus may coexist
func ValidStatusPair(status string, paymentStatus PaymentStatus) bool {
	return validPairs[status][paymentStatus]
}

// StatePair is a (status, paymentStatus) combination
type StatePair struct {
	Status        string
	PaymentStatus PaymentStatus
}

func (p StatePair) String() string {
	ps := string(p.PaymentStatus)
	if ps == "" {
		ps = "null"
	}
	return fmt.Sprintf("%s/%s", p.Status, ps)
}

// Key is the flat form used in SQL guards
func (p StatePair) Key() string {
	return p.Status + "/" + string(p.PaymentStatus)
}

// Keys returns the guard keys of the transition's source pairs
func (t Transition) Keys() []string {
	keys := make([]string, len(t.From))
	for i, f := range t.From {
		keys[i] = f.Key()
	}
	return keys
}

// Pair returns the booking's current state pair
func (b *Booking) Pair() StatePair {
	return StatePair{Status: b.Status, PaymentStatus: b.PaymentStatus}
}

// CheckInvariants validates the joint state rules beyond the pair table
func (b *Booking) CheckInvariants() error {
	if !ValidStatusPair(b.Status, b.PaymentStatus) {
		return fmt.Errorf("invalid state pair %s", b.Pair())
	}
	if b.Finalized() {
		paidConfirmed := b.Status == BookingStatusConfirmed && b.PaymentStatus == PaymentStatusPaid
		if !paidConfirmed && b.Status != BookingStatusRefunded {
			return fmt.Errorf("provider reference set in state %s", b.Pair())
		}
	}
	if b.Status == BookingStatusCancelled && b.PaymentStatus == PaymentStatusPaid && !b.RequiresAdminReview {
		return fmt.Errorf("paid cancelled booking %s must be flagged for review", b.ID)
	}
	return nil
}

// Transition is a conditional write: From lists the pairs the row may be in,
// To is the pair it ends in.
type Transition struct {
	Name string
	From []StatePair
	To   StatePair
}

// Allows reports whether the transition may start from p
func (t Transition) Allows(p StatePair) bool {
	for _, f := range t.From {
		if f == p {
			return true
		}
	}
	return false
}

var (
	TransitionSessionOpened = Transition{
		Name: "session_opened",
		From: []StatePair{
			{BookingStatusPendingPayment, PaymentStatusNone},
			{BookingStatusPendingPayment, PaymentStatusPending},
			{BookingStatusPendingPayment, PaymentStatusFailed},
		},
		To: StatePair{BookingStatusPendingPayment, PaymentStatusPending},
	}

	TransitionPaymentSucceeded = Transition{
		Name: "payment_succeeded",
		From: []StatePair{
			{BookingStatusPendingPayment, PaymentStatusNone},
			{BookingStatusPendingPayment, PaymentStatusPending},
			{BookingStatusPendingPayment, PaymentStatusFailed},
		},
		To: StatePair{BookingStatusConfirmed, PaymentStatusPaid},
	}

	TransitionLatePayment = Transition{
		Name: "late_payment",
		From: []StatePair{
			{BookingStatusPendingPayment, PaymentStatusNone},
			{BookingStatusPendingPayment, PaymentStatusPending},
			{BookingStatusPendingPayment, PaymentStatusFailed},
			{BookingStatusCancelled, PaymentStatusNone},
			{BookingStatusCancelled, PaymentStatusPending},
			{BookingStatusCancelled, PaymentStatusFailed},
		},
		To: StatePair{BookingStatusCancelled, PaymentStatusPaid},
	}

	TransitionPaymentFailed = Transition{
		Name: "payment_failed",
		From: []StatePair{
			{BookingStatusPendingPayment, PaymentStatusNone},
			{BookingStatusPendingPayment, PaymentStatusPending},
		},
		To: StatePair{BookingStatusPendingPayment, PaymentStatusFailed},
	}

	TransitionFinalized = Transition{
		Name: "finalized",
		From: []StatePair{
			{BookingStatusConfirmed, PaymentStatusPaid},
			{BookingStatusConfirmed, PaymentStatusProviderPending},
		},
		To: StatePair{BookingStatusConfirmed, PaymentStatusPaid},
	}

	TransitionProviderPending = Transition{
		Name: "provider_pending",
		From: []StatePair{
			{BookingStatusConfirmed, PaymentStatusPaid},
		},
		To: StatePair{BookingStatusConfirmed, PaymentStatusProviderPending},
	}
)

// Transitions lists the fixed transitions
var Transitions = []Transition{
	TransitionSessionOpened, TransitionPaymentSucceeded, TransitionLatePayment,
	TransitionPaymentFailed, TransitionFinalized, TransitionProviderPending,
}

// ExpireTransition cancels an abandoned hold, keeping its payment status
func ExpireTransition(ps PaymentStatus) Transition {
	return Transition{
		Name: "hold_expired",
		From: []StatePair{{BookingStatusPendingPayment, ps}},
		To:   StatePair{BookingStatusCancelled, ps},
	}
}

// StayTransition rewrites bookkeeping columns without leaving pair p
func StayTransition(name string, p StatePair) Transition {
	return Transition{Name: name, From: []StatePair{p}, To: p}
}
