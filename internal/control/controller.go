// Package control exposes the rotation scheduler to operators: a
// Controller with the query and force operations, and a line-oriented
// console on top of it.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"QuicRotor/internal/rotation"
)

// defaultHistoryLimit is the number of events returned by History when the
// caller asks for none.
const defaultHistoryLimit = 10

var (
	// ErrNoHistory is returned when no event index is configured.
	ErrNoHistory = errors.New("event history not available")

	// ErrAmbiguous is returned when an id prefix matches several connections.
	ErrAmbiguous = errors.New("connection id prefix is ambiguous")
)

// Rotator is the scheduler surface the controller drives.
type Rotator interface {
	Status() (rotation.StatusCounts, error)
	Connections() ([]rotation.ConnectionInfo, error)
	Force(id string) (bool, error)
	ForceAll() (int, error)
	Shutdown(ctx context.Context) error
}

// HistorySource returns recent events of one connection.
type HistorySource interface {
	Recent(conn string, n int) ([]rotation.Event, error)
}

// Controller serves status queries and forced rotations.
type Controller struct {
	rot     Rotator
	history HistorySource
}

// New creates a controller. history may be nil.
func New(rot Rotator, history HistorySource) *Controller {
	return &Controller{rot: rot, history: history}
}

// Status returns counts by state and lifetime totals.
func (c *Controller) Status() (rotation.StatusCounts, error) {
	return c.rot.Status()
}

// Connections lists every registered connection.
func (c *Controller) Connections() ([]rotation.ConnectionInfo, error) {
	return c.rot.Connections()
}

// RotateAll forces rotation on every active connection and returns how
// many were triggered.
func (c *Controller) RotateAll() (int, error) {
	return c.rot.ForceAll()
}

// Rotate forces rotation on the connection matching id or a unique prefix
// of it. It returns the resolved id and whether an attempt was triggered.
func (c *Controller) Rotate(id string) (string, bool, error) {
	full, err := c.Resolve(id)
	if err != nil {
		return "", false, err
	}

	triggered, err := c.rot.Force(full)

	return full, triggered, err
}

// History returns up to n recent events of the connection matching id.
// Events of connections that already closed stay queryable by full id.
func (c *Controller) History(id string, n int) ([]rotation.Event, error) {
	if c.history == nil {
		return nil, ErrNoHistory
	}

	if n <= 0 {
		n = defaultHistoryLimit
	}

	full, err := c.Resolve(id)
	if errors.Is(err, rotation.ErrUnknownConnection) {
		full = id
	} else if err != nil {
		return nil, err
	}

	return c.history.Recent(full, n)
}

// Shutdown stops the scheduler.
func (c *Controller) Shutdown(ctx context.Context) error {
	return c.rot.Shutdown(ctx)
}

// Resolve maps an id or unique id prefix to a registered connection id.
func (c *Controller) Resolve(id string) (string, error) {
	if id == "" {
		return "", rotation.ErrUnknownConnection
	}

	conns, err := c.rot.Connections()
	if err != nil {
		return "", err
	}

	upper := strings.ToUpper(id)

	var matches []string

	for _, info := range conns {
		if info.ID == id {
			return id, nil
		}

		if strings.HasPrefix(info.ID, id) || strings.HasPrefix(info.ID, upper) {
			matches = append(matches, info.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", rotation.ErrUnknownConnection
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d connections", ErrAmbiguous, id, len(matches))
	}
}
