package domain

import "fmt"

func errInvalidStatus(s SessionStatus) error {
	return fmt.Errorf("session status %q is neither active nor terminal", s)
}

var (
	errMissingContainerID    = fmt.Errorf("container runtime session missing container id")
	errUnexpectedContainerID = fmt.Errorf("local runtime session must not carry a container id")
)
