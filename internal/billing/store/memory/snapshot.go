package memory

import (
	"sort"

	"github.com/smallbiznis/daycare/internal/billing/domain"
)

// Snapshot is a deep copy of the store contents in a stable order.
type Snapshot struct {
	Runs         []domain.BillingRun
	Reservations []domain.Reservation
	Users        []domain.User
	Invoices     []domain.Invoice
}

// Snapshot copies the current contents of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Runs:         make([]domain.BillingRun, 0, len(s.runs)),
		Reservations: make([]domain.Reservation, 0, len(s.reservations)),
		Users:        make([]domain.User, 0, len(s.users)),
		Invoices:     make([]domain.Invoice, 0, len(s.invoices)),
	}
	for _, run := range s.runs {
		snap.Runs = append(snap.Runs, copyRun(run))
	}
	for _, r := range s.reservations {
		snap.Reservations = append(snap.Reservations, copyReservation(r))
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, u)
	}
	for _, inv := range s.invoices {
		snap.Invoices = append(snap.Invoices, inv.Clone())
	}

	sort.Slice(snap.Runs, func(i, j int) bool { return snap.Runs[i].ID < snap.Runs[j].ID })
	sort.Slice(snap.Reservations, func(i, j int) bool { return snap.Reservations[i].ID < snap.Reservations[j].ID })
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	sort.Slice(snap.Invoices, func(i, j int) bool { return snap.Invoices[i].ID < snap.Invoices[j].ID })
	return snap
}
