// Package mmio classifies memory-mapped devices and hands out the address
// windows and interrupt lines they attach to.
package mmio

import (
	"errors"
	"fmt"
	"hash/fnv"
)

var (
	ErrResourceExhausted    = errors.New("mmio resources exhausted")
	ErrUnknownDeviceVariant = errors.New("unknown device variant")
	ErrDeviceNotSupported   = errors.New("device not supported on this architecture")
	ErrDuplicateDevice      = errors.New("device already attached")
	ErrMalformedDeviceType  = errors.New("malformed device type encoding")
	ErrBindingMismatch      = errors.New("restored binding does not match allocation")
)

// Kind is the device class of a DeviceType.
type Kind uint16

const (
	// KindUnrecognized marks a device decoded from a newer registry revision.
	KindUnrecognized Kind = iota
	KindVirtio
	KindSerial
	KindRtc
	KindBootTimer
)

func (k Kind) String() string {
	switch k {
	case KindVirtio:
		return "virtio"
	case KindSerial:
		return "serial"
	case KindRtc:
		return "rtc"
	case KindBootTimer:
		return "boot-timer"
	default:
		return "unrecognized"
	}
}

// DeviceType identifies a device for resource bindings. It is comparable and
// can be used as a map key.
//
// For KindVirtio, ID holds the virtio device id. For KindUnrecognized, ID holds
// the raw wire tag that could not be interpreted.
type DeviceType struct {
	Kind Kind
	ID   uint32
}

// Virtio returns the device type of a virtio-mmio transport carrying the
// given virtio device id.
func Virtio(id uint32) DeviceType { return DeviceType{Kind: KindVirtio, ID: id} }

var (
	Serial    = DeviceType{Kind: KindSerial}
	Rtc       = DeviceType{Kind: KindRtc}
	BootTimer = DeviceType{Kind: KindBootTimer}
)

// Recognized reports whether d is a variant this build understands.
func (d DeviceType) Recognized() bool {
	switch d.Kind {
	case KindVirtio, KindSerial, KindRtc, KindBootTimer:
		return true
	}
	return false
}

func (d DeviceType) String() string {
	switch d.Kind {
	case KindVirtio:
		return fmt.Sprintf("Virtio(%d)", d.ID)
	case KindSerial:
		return "Serial"
	case KindRtc:
		return "Rtc"
	case KindBootTimer:
		return "BootTimer"
	default:
		return fmt.Sprintf("Unrecognized(tag=%d)", d.ID)
	}
}

// Hash returns a stable 64-bit digest of the canonical encoding of d.
func (d DeviceType) Hash() uint64 {
	h := fnv.New64a()
	buf, err := DefaultRegistry.Encode(d)
	if err != nil {
		// Unrecognized values have no canonical encoding; hash their tag.
		buf = []byte{0xff, 0xff, byte(d.ID), byte(d.ID >> 8)}
	}
	h.Write(buf)
	return h.Sum64()
}

// irqDemand is the number of interrupt lines a device class consumes.
func (d DeviceType) irqDemand() int {
	switch d.Kind {
	case KindVirtio, KindSerial, KindRtc:
		return 1
	default:
		return 0
	}
}

// singleton reports whether at most one instance may be attached per VM.
func (d DeviceType) singleton() bool {
	switch d.Kind {
	case KindSerial, KindRtc, KindBootTimer:
		return true
	}
	return false
}
