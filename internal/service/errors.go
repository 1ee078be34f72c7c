package service

import "errors"

var (
	ErrUnauthorized       = errors.New("section is not available to this user")
	ErrAlreadySubscribed  = errors.New("already subscribed")
	ErrNotSubscribed      = errors.New("not subscribed")
	ErrNoCapacity         = errors.New("section is full")
	ErrRegistrationClosed = errors.New("registration is closed for this section")
	ErrSectionNotFound    = errors.New("section not found")
	ErrEventNotFound      = errors.New("event not found")
	ErrUserDisabled       = errors.New("user is disabled")
	ErrNothingToPay       = errors.New("nothing to pay")
	ErrHandlerFailure     = errors.New("webhook handler failed")
	ErrWebhookNotFound    = errors.New("webhook event not found")
	ErrInvalidCapacity    = errors.New("invalid capacity")
)

// Notice returns the short message shown to a user for err.
func Notice(err error) string {
	switch {
	case err == nil:
		return "Done."
	case errors.Is(err, ErrAlreadySubscribed):
		return "You are already registered for this section."
	case errors.Is(err, ErrNotSubscribed):
		return "You are not registered for this section."
	case errors.Is(err, ErrNoCapacity):
		return "Sorry, this section is full."
	case errors.Is(err, ErrRegistrationClosed):
		return "Registration for this section is not open."
	case errors.Is(err, ErrUnauthorized):
		return "You cannot register for this section."
	case errors.Is(err, ErrSectionNotFound), errors.Is(err, ErrEventNotFound):
		return "This event or section does not exist."
	case errors.Is(err, ErrUserDisabled):
		return "Your account is disabled."
	case errors.Is(err, ErrNothingToPay):
		return "There is nothing pending payment."
	default:
		return "Something went wrong, please try again."
	}
}
