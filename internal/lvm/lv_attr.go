package lvm

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSnapshot                       = errors.New("logical volume is an invalid snapshot, its copy-on-write area overflowed and no I/O is permitted")
	ErrSnapshotMergeFailed                   = errors.New("snapshot merge failed, no I/O is permitted")
	ErrLogicalVolumeSuspended                = errors.New("logical volume is in a suspended state, no I/O is permitted")
	ErrMappedDevicePresentWithoutTables      = errors.New("mapped device present without tables, no I/O is permitted")
	ErrMappedDevicePresentWithInactiveTables = errors.New("mapped device present with inactive tables, no I/O is permitted")
	ErrUnknownVolumeState                    = errors.New("unknown volume state, verification on the host system is required")
)

// VolumeType is the first character of lv_attr.
type VolumeType rune

const (
	VolumeTypeOrigin                    VolumeType = 'o'
	VolumeTypeOriginWithMergingSnapshot VolumeType = 'O'
	VolumeTypeSnapshot                  VolumeType = 's'
	VolumeTypeMergingSnapshot           VolumeType = 'S'
	VolumeTypeThinVolume                VolumeType = 'V'
	VolumeTypeDefault                   VolumeType = '-'
)

// State is the fifth character of lv_attr.
type State rune

const (
	StateActive                                State = 'a'
	StateSuspended                             State = 's'
	StateInvalidSnapshot                       State = 'I'
	StateSuspendedSnapshot                     State = 'S'
	StateSnapshotMergeFailed                   State = 'm'
	StateSuspendedSnapshotMergeFailed          State = 'M'
	StateMappedDevicePresentWithoutTables      State = 'd'
	StateMappedDevicePresentWithInactiveTables State = 'i'
	StateNone                                  State = '-'
	StateUnknown                               State = 'X'
)

// LVAttr is a parsed lv_attr field. Only the characters snapback acts on are kept.
type LVAttr struct {
	VolumeType
	State
}

// ParsedLVAttr parses an lv_attr string such as "swi-a-s---".
func ParsedLVAttr(raw string) (LVAttr, error) {
	if len(raw) < 5 {
		return LVAttr{}, fmt.Errorf("%s is an invalid length lv_attr", raw)
	}
	return LVAttr{
		VolumeType: VolumeType(raw[0]),
		State:      State(raw[4]),
	}, nil
}

// VerifyHealth checks the state bits of the lv_attr field.
func (l LVAttr) VerifyHealth() error {
	switch l.State {
	case StateInvalidSnapshot, StateSuspendedSnapshot:
		return ErrInvalidSnapshot
	case StateSnapshotMergeFailed, StateSuspendedSnapshotMergeFailed:
		return ErrSnapshotMergeFailed
	case StateSuspended:
		return ErrLogicalVolumeSuspended
	case StateMappedDevicePresentWithoutTables:
		return ErrMappedDevicePresentWithoutTables
	case StateMappedDevicePresentWithInactiveTables:
		return ErrMappedDevicePresentWithInactiveTables
	case StateUnknown:
		return ErrUnknownVolumeState
	}
	return nil
}

// VerifyHealth checks the lv_attr of the volume.
func (l *LogicalVolume) VerifyHealth() error {
	attr, err := ParsedLVAttr(l.attr)
	if err != nil {
		return err
	}
	if err := attr.VerifyHealth(); err != nil {
		return fmt.Errorf("%s: %w", l.fullname, err)
	}
	return nil
}
