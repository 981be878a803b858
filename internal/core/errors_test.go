package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/multierr"
)

func TestTransportErrorMatching(t *testing.T) {
	cause := errors.New("nope")
	err := &TransportError{Op: "group_discard", Group: "b", Member: "c1", Err: cause}

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "group_discard b/c1: nope", err.Error())
}

func TestTransportErrorAggregatesAsOne(t *testing.T) {
	var errs error
	errs = multierr.Append(errs, nil)
	errs = multierr.Append(errs, &TransportError{Op: "group_discard", Group: "b", Member: "c1", Err: errors.New("nope")})
	errs = multierr.Append(errs, nil)

	all := multierr.Errors(errs)
	assert.Len(t, all, 1)
	var terr *TransportError
	assert.ErrorAs(t, all[0], &terr)
	assert.ErrorIs(t, errs, ErrTransport)
}
