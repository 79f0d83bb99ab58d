package monitor

import "github.com/couchcryptid/profile-geofix/internal/domain"

type multi []domain.Monitor

// Multi fans signals out to every non-nil monitor, in argument order.
func Multi(monitors ...domain.Monitor) domain.Monitor {
	out := make(multi, 0, len(monitors))
	for _, m := range monitors {
		if m != nil {
			out = append(out, m)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

func (m multi) ReportElementStarted(id string) {
	for _, mon := range m {
		mon.ReportElementStarted(id)
	}
}

func (m multi) ReportElementEnded(id string) {
	for _, mon := range m {
		mon.ReportElementEnded(id)
	}
}

func (m multi) ReportCompleted() {
	for _, mon := range m {
		mon.ReportCompleted()
	}
}

func (m multi) ReportErrored() {
	for _, mon := range m {
		mon.ReportErrored()
	}
}
