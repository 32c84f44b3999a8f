package storage

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Reader reads a sequence of gob records from one object.
type Reader struct {
	key ObjectKey
	dec *gob.Decoder
	eof bool
}

// Read decodes the next record into v. It returns io.EOF after the last
// record.
func (r *Reader) Read(v any) error {
	if r.eof {
		return io.EOF
	}
	if err := r.dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			r.eof = true
			return io.EOF
		}
		return fmt.Errorf("decoding record from %s: %w", r.key, err)
	}
	return nil
}

// Key returns the object this reader was opened on.
func (r *Reader) Key() ObjectKey { return r.key }

// Writer appends gob records to one object. Nothing is stored until Close.
type Writer struct {
	key     ObjectKey
	buf     bytes.Buffer
	enc     *gob.Encoder
	backend Backend
	closed  bool
}

// Write appends one record.
func (w *Writer) Write(v any) error {
	if w.closed {
		return fmt.Errorf("writing %s: writer closed", w.key)
	}
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("encoding record for %s: %w", w.key, err)
	}
	return nil
}

// Close stores the accumulated records.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.backend.Put(w.key, w.buf.Bytes())
}

// SceneManager is the single entry point for reading and writing scene
// objects. It is created once per process and passed to the components that
// need it.
type SceneManager struct {
	backend Backend
}

// NewSceneManager wraps an existing backend.
func NewSceneManager(b Backend) *SceneManager {
	return &SceneManager{backend: b}
}

// Open picks a backend for path: a bbolt database for "*.db" files and a
// directory otherwise.
func Open(path string) (*SceneManager, error) {
	if strings.HasSuffix(path, ".db") {
		b, err := OpenBoltBackend(path)
		if err != nil {
			return nil, err
		}
		logrus.Debugf("scene storage: bbolt database %s", path)
		return NewSceneManager(b), nil
	}
	if fi, err := os.Stat(path); err == nil && !fi.IsDir() {
		return nil, fmt.Errorf("scene path %s is a file but not a .db database", path)
	}
	b, err := NewDirBackend(path)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("scene storage: directory %s", path)
	return NewSceneManager(b), nil
}

// Backend exposes the underlying blob store.
func (m *SceneManager) Backend() Backend { return m.backend }

// GetReader opens the object (t, id) for sequential record reads.
func (m *SceneManager) GetReader(t ObjectType, id uint64) (*Reader, error) {
	key := ObjectKey{Type: t, ID: id}
	data, err := m.backend.Get(key)
	if err != nil {
		return nil, err
	}
	return &Reader{key: key, dec: gob.NewDecoder(bytes.NewReader(data))}, nil
}

// GetWriter opens the object (t, id) for record writes. The object is
// replaced when the writer is closed.
func (m *SceneManager) GetWriter(t ObjectType, id uint64) *Writer {
	w := &Writer{key: ObjectKey{Type: t, ID: id}, backend: m.backend}
	w.enc = gob.NewEncoder(&w.buf)
	return w
}

// ListObjects returns every stored object key.
func (m *SceneManager) ListObjects() ([]ObjectKey, error) {
	return m.backend.List()
}

// TreeletCount returns the number of stored treelets.
func (m *SceneManager) TreeletCount() (int, error) {
	keys, err := m.ListObjects()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, k := range keys {
		if k.Type == ObjectTreelet {
			n++
		}
	}
	return n, nil
}

// WriteManifest stores the list of object names, one per line, so a remote
// copy of the scene can be fetched without a list operation.
func (m *SceneManager) WriteManifest() error {
	keys, err := m.ListObjects()
	if err != nil {
		return err
	}
	var sb strings.Builder
	for _, k := range keys {
		if k.Type == ObjectManifest {
			continue
		}
		sb.WriteString(k.Name())
		sb.WriteByte('\n')
	}
	return m.backend.Put(ObjectKey{Type: ObjectManifest}, []byte(sb.String()))
}

// ParseManifest reads the output of WriteManifest.
func ParseManifest(data []byte) ([]ObjectKey, error) {
	var keys []ObjectKey
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		k, err := ParseObjectName(line)
		if err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, sc.Err()
}

// Close releases the backend.
func (m *SceneManager) Close() error { return m.backend.Close() }
