package backend

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/framecore/internal/gputest"
)

type closingDevice struct {
	*gputest.Device
	closed bool
}

func (d *closingDevice) Close() error {
	d.closed = true
	return nil
}

func TestRegisterAndOpen(t *testing.T) {
	Register("test-ok", func() (Device, error) {
		return &closingDevice{Device: gputest.New()}, nil
	})
	defer Unregister("test-ok")

	if !slices.Contains(Available(), "test-ok") {
		t.Fatalf("Available() = %v, want test-ok", Available())
	}
	dev, err := Open("test-ok")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if !dev.(*closingDevice).closed {
		t.Error("Close() did not reach the device")
	}
}

func TestOpenUnknown(t *testing.T) {
	if _, err := Open("no-such-backend"); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("Open() error = %v, want ErrNotAvailable", err)
	}
}

func TestDefaultSkipsFailingBackends(t *testing.T) {
	errBroken := errors.New("broken")
	saved := priority
	priority = []string{"test-broken", "test-good"}
	defer func() { priority = saved }()

	Register("test-broken", func() (Device, error) { return nil, errBroken })
	Register("test-good", func() (Device, error) {
		return &closingDevice{Device: gputest.New()}, nil
	})
	defer Unregister("test-broken")
	defer Unregister("test-good")

	dev, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if _, ok := dev.(*closingDevice); !ok {
		t.Errorf("Default() = %T, want the working backend", dev)
	}

	Unregister("test-good")
	if _, err := Default(); !errors.Is(err, ErrNotAvailable) && !errors.Is(err, errBroken) {
		t.Errorf("Default() error = %v", err)
	}
}
