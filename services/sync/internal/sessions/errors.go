package sessions

import "errors"

var (
	ErrInvalidTransition       = errors.New("invalid ticket status transition")
	ErrTicketNotFound          = errors.New("ticket not found")
	ErrSessionNotFound         = errors.New("session not found")
	ErrTableAlreadyClosing     = errors.New("session is closed, start a new one")
	ErrSessionHasActiveTickets = errors.New("session has active tickets")
	ErrSessionClosed           = errors.New("session already closed")
	ErrInvalidTicket           = errors.New("invalid ticket")
)

// IsDomainError reports whether err is a rejection of the request itself
// rather than a failure of the service. Retrying a domain error is pointless.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrInvalidTransition,
		ErrTicketNotFound,
		ErrSessionNotFound,
		ErrTableAlreadyClosing,
		ErrSessionHasActiveTickets,
		ErrSessionClosed,
		ErrInvalidTicket,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
