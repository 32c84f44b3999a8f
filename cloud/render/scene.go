package render

import (
	"errors"
	"fmt"
	"io"

	"github.com/treelet-sim/treelet-sim/cloud/bvh"
	"github.com/treelet-sim/treelet-sim/cloud/storage"
)

// Scene is everything besides geometry that a worker needs to generate and
// shade rays.
type Scene struct {
	Camera     *Camera
	Sampler    Sampler
	Lights     []PointLight
	MaxBounces uint8
}

// sceneRecord is the SCENE object: per-render settings not owned by the
// camera, sampler or lights.
type sceneRecord struct {
	MaxBounces uint8
}

// ObjectReader opens stored objects. *storage.SceneManager satisfies it.
type ObjectReader interface {
	GetReader(t storage.ObjectType, id uint64) (*storage.Reader, error)
}

// Film returns an empty film matching the camera and sampler.
func (sc *Scene) Film() *Film {
	return NewFilm(sc.Camera.Width, sc.Camera.Height, sc.Sampler.SamplesPerPixel)
}

// Shader returns a shader over the scene's lights.
func (sc *Scene) Shader() *Shader {
	return &Shader{Lights: sc.Lights, Sampler: sc.Sampler}
}

// WriteScene stores the CAMERA, SAMPLER, LIGHTS and SCENE objects.
func WriteScene(w bvh.ObjectWriter, sc *Scene) error {
	write := func(t storage.ObjectType, records ...any) error {
		ow := w.GetWriter(t, 0)
		for _, r := range records {
			if err := ow.Write(r); err != nil {
				return err
			}
		}
		return ow.Close()
	}
	if err := write(storage.ObjectCamera, sc.Camera); err != nil {
		return fmt.Errorf("writing camera: %w", err)
	}
	if err := write(storage.ObjectSampler, sc.Sampler); err != nil {
		return fmt.Errorf("writing sampler: %w", err)
	}
	lights := make([]any, len(sc.Lights))
	for i := range sc.Lights {
		lights[i] = sc.Lights[i]
	}
	if err := write(storage.ObjectLights, lights...); err != nil {
		return fmt.Errorf("writing lights: %w", err)
	}
	if err := write(storage.ObjectScene, sceneRecord{MaxBounces: sc.MaxBounces}); err != nil {
		return fmt.Errorf("writing scene: %w", err)
	}
	return nil
}

// LoadScene reads the objects written by WriteScene.
func LoadScene(r ObjectReader) (*Scene, error) {
	sc := &Scene{Camera: &Camera{}}
	readOne := func(t storage.ObjectType, v any) error {
		or, err := r.GetReader(t, 0)
		if err != nil {
			return err
		}
		return or.Read(v)
	}
	if err := readOne(storage.ObjectCamera, sc.Camera); err != nil {
		return nil, fmt.Errorf("loading camera: %w", err)
	}
	if err := sc.Camera.Init(); err != nil {
		return nil, fmt.Errorf("loading camera: %w", err)
	}
	if err := readOne(storage.ObjectSampler, &sc.Sampler); err != nil {
		return nil, fmt.Errorf("loading sampler: %w", err)
	}
	if sc.Sampler.SamplesPerPixel == 0 {
		return nil, errors.New("loading sampler: samples per pixel is zero")
	}
	var rec sceneRecord
	if err := readOne(storage.ObjectScene, &rec); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("loading scene: %w", err)
	}
	sc.MaxBounces = rec.MaxBounces

	lr, err := r.GetReader(storage.ObjectLights, 0)
	if err != nil {
		return nil, fmt.Errorf("loading lights: %w", err)
	}
	for {
		var l PointLight
		err := lr.Read(&l)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("loading lights: %w", err)
		}
		sc.Lights = append(sc.Lights, l)
	}
	return sc, nil
}
