// Package storage persists scene objects as gob record streams keyed by
// (ObjectType, id), over a plain directory or a bbolt database.
package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// ObjectType names a kind of scene object.
type ObjectType uint8

const (
	ObjectTreelet ObjectType = iota
	ObjectTriangleMesh
	ObjectLights
	ObjectSampler
	ObjectCamera
	ObjectScene
	ObjectMaterial
	ObjectFloatTexture
	ObjectSpectrumTexture
	ObjectManifest

	objectTypeCount
)

type objectTypeInfo struct {
	name     string
	prefix   string
	singular bool // exactly one object of this type, id always 0
}

var objectTypes = [...]objectTypeInfo{
	ObjectTreelet:         {"treelet", "T", false},
	ObjectTriangleMesh:    {"triangle-mesh", "TM", false},
	ObjectLights:          {"lights", "LIGHTS", true},
	ObjectSampler:         {"sampler", "SAMPLER", true},
	ObjectCamera:          {"camera", "CAMERA", true},
	ObjectScene:           {"scene", "SCENE", true},
	ObjectMaterial:        {"material", "MAT", false},
	ObjectFloatTexture:    {"float-texture", "FTEX", false},
	ObjectSpectrumTexture: {"spectrum-texture", "STEX", false},
	ObjectManifest:        {"manifest", "MANIFEST", true},
}

// Valid reports whether t is a known object type.
func (t ObjectType) Valid() bool { return t < objectTypeCount }

func (t ObjectType) String() string {
	if !t.Valid() {
		return fmt.Sprintf("ObjectType(%d)", uint8(t))
	}
	return objectTypes[t].name
}

// ObjectKey addresses one stored object.
type ObjectKey struct {
	Type ObjectType
	ID   uint64
}

// Name returns the file name used for the object: "T12", "MAT3", "CAMERA".
func (k ObjectKey) Name() string {
	info := objectTypes[k.Type]
	if info.singular {
		return info.prefix
	}
	return info.prefix + strconv.FormatUint(k.ID, 10)
}

func (k ObjectKey) String() string { return k.Name() }

// ParseObjectName is the inverse of ObjectKey.Name.
func ParseObjectName(name string) (ObjectKey, error) {
	// Longest prefix first so "TM4" is not read as treelet "M4".
	best := -1
	for i, info := range objectTypes {
		if !strings.HasPrefix(name, info.prefix) {
			continue
		}
		if best == -1 || len(info.prefix) > len(objectTypes[best].prefix) {
			best = i
		}
	}
	if best == -1 {
		return ObjectKey{}, fmt.Errorf("unrecognized object name %q", name)
	}
	info := objectTypes[best]
	rest := name[len(info.prefix):]
	if info.singular {
		if rest != "" {
			return ObjectKey{}, fmt.Errorf("unrecognized object name %q", name)
		}
		return ObjectKey{Type: ObjectType(best)}, nil
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return ObjectKey{}, fmt.Errorf("object name %q: bad id: %w", name, err)
	}
	return ObjectKey{Type: ObjectType(best), ID: id}, nil
}
