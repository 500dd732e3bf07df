package usbperm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuthority struct {
	has      bool
	requests int
	answer   func(dev Device, reply func(Event))
}

func (f *fakeAuthority) HasPermission(Device) bool { return f.has }

func (f *fakeAuthority) RequestPermission(dev Device, reply func(Event)) {
	f.requests++
	if f.answer != nil {
		f.answer(dev, reply)
	}
}

var printerDev = Device{Bus: 1, Address: 4, VendorID: 0x0416, ProductID: 0x5011}

func TestAwait_AlreadyGranted(t *testing.T) {
	auth := &fakeAuthority{has: true}
	g := NewGate(auth)

	require.NoError(t, g.Await(context.Background(), printerDev))
	assert.Equal(t, Granted, g.State())
	assert.Zero(t, auth.requests)
}

func TestAwait_GrantedEvent(t *testing.T) {
	auth := &fakeAuthority{answer: func(dev Device, reply func(Event)) {
		go reply(Event{Device: &dev, Granted: true})
	}}
	g := NewGate(auth)

	require.NoError(t, g.Await(context.Background(), printerDev))
	assert.Equal(t, Granted, g.State())
	assert.Equal(t, 1, auth.requests)
}

func TestAwait_Denied(t *testing.T) {
	cause := errors.New("user declined")
	auth := &fakeAuthority{answer: func(dev Device, reply func(Event)) {
		reply(Event{Device: &dev, Granted: false, Err: cause})
	}}
	g := NewGate(auth)

	err := g.Await(context.Background(), printerDev)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Contains(t, err.Error(), "user declined")
	assert.Equal(t, Denied, g.State())
}

func TestAwait_EventWithoutDevice(t *testing.T) {
	auth := &fakeAuthority{answer: func(_ Device, reply func(Event)) {
		reply(Event{Granted: true})
	}}
	g := NewGate(auth)

	assert.ErrorIs(t, g.Await(context.Background(), printerDev), ErrDenied)
	assert.Equal(t, Denied, g.State())
}

func TestAwait_GrantForOtherDevice(t *testing.T) {
	other := Device{Bus: 2, Address: 9}
	auth := &fakeAuthority{answer: func(_ Device, reply func(Event)) {
		reply(Event{Device: &other, Granted: true})
	}}

	assert.ErrorIs(t, NewGate(auth).Await(context.Background(), printerDev), ErrDenied)
}

func TestAwait_OnlyFirstEventCounts(t *testing.T) {
	auth := &fakeAuthority{answer: func(dev Device, reply func(Event)) {
		reply(Event{Device: &dev, Granted: true})
		reply(Event{Device: &dev, Granted: false})
		reply(Event{Device: &dev, Granted: false})
	}}
	g := NewGate(auth)

	require.NoError(t, g.Await(context.Background(), printerDev))
	assert.Equal(t, Granted, g.State())
}

func TestAwait_ContextCancelled(t *testing.T) {
	auth := &fakeAuthority{}
	g := NewGate(auth)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := g.Await(ctx, printerDev)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Unchecked, g.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unchecked", Unchecked.String())
	assert.Equal(t, "granted", Granted.String())
	assert.Equal(t, "denied", Denied.String())
}
