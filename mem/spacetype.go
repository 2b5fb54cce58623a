package mem

import "fmt"

// SpaceType identifies the space a region belongs to.
type SpaceType uint32

const (
	NoSpace SpaceType = iota
	SemiSpaceType
	OldSpaceType
	CompressSpaceType
	NonMovableSpaceType
	MachineCodeSpaceType
	HugeObjectSpaceType
	HugeMachineCodeSpaceType
	ReadOnlySpaceType
	AppSpawnSpaceType
	SnapshotSpaceType
	SharedOldSpaceType
	SharedCompressSpaceType
	SharedNonMovableSpaceType
	SharedHugeObjectSpaceType
	SharedReadOnlySpaceType
	SharedAppSpawnSpaceType
)

var spaceTypeNames = [...]string{
	NoSpace:                   "none",
	SemiSpaceType:             "semi",
	OldSpaceType:              "old",
	CompressSpaceType:         "compress",
	NonMovableSpaceType:       "non-movable",
	MachineCodeSpaceType:      "machine-code",
	HugeObjectSpaceType:       "huge",
	HugeMachineCodeSpaceType:  "huge-machine-code",
	ReadOnlySpaceType:         "read-only",
	AppSpawnSpaceType:         "app-spawn",
	SnapshotSpaceType:         "snapshot",
	SharedOldSpaceType:        "shared-old",
	SharedCompressSpaceType:   "shared-compress",
	SharedNonMovableSpaceType: "shared-non-movable",
	SharedHugeObjectSpaceType: "shared-huge",
	SharedReadOnlySpaceType:   "shared-read-only",
	SharedAppSpawnSpaceType:   "shared-app-spawn",
}

func (t SpaceType) String() string {
	if int(t) < len(spaceTypeNames) {
		return spaceTypeNames[t]
	}
	return fmt.Sprintf("SpaceType(%d)", uint32(t))
}

// IsYoung reports whether objects in the space are young.
func (t SpaceType) IsYoung() bool {
	return t == SemiSpaceType
}

// IsShared reports whether the space belongs to the shared heap.
func (t SpaceType) IsShared() bool {
	return t >= SharedOldSpaceType
}

// IsHuge reports whether the space holds one object per region.
func (t SpaceType) IsHuge() bool {
	switch t {
	case HugeObjectSpaceType, HugeMachineCodeSpaceType, SharedHugeObjectSpaceType:
		return true
	}
	return false
}

// IsImmortal reports whether objects in the space are never collected.
func (t SpaceType) IsImmortal() bool {
	switch t {
	case ReadOnlySpaceType, AppSpawnSpaceType, SnapshotSpaceType,
		SharedReadOnlySpaceType, SharedAppSpawnSpaceType:
		return true
	}
	return false
}

// IsMovable reports whether objects in the space may be evacuated.
func (t SpaceType) IsMovable() bool {
	switch t {
	case SemiSpaceType, OldSpaceType, CompressSpaceType, SharedOldSpaceType, SharedCompressSpaceType:
		return true
	}
	return false
}

// IsSweepable reports whether the space is reclaimed by sweeping.
func (t SpaceType) IsSweepable() bool {
	switch t {
	case OldSpaceType, NonMovableSpaceType, MachineCodeSpaceType,
		SharedOldSpaceType, SharedNonMovableSpaceType:
		return true
	}
	return false
}

// IsOldGeneration reports whether a pointer from this space into the young
// generation needs an old-to-new remembered set entry.
func (t SpaceType) IsOldGeneration() bool {
	return t != NoSpace && !t.IsYoung() && !t.IsShared()
}
