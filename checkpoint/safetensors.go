// Package checkpoint reads and writes state dicts in the safetensors format.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/jmorganca/zoo/ml"
)

var ErrUnsupportedType = errors.New("unsupported tensor type")

const metadataKey = "__metadata__"

// StateDict maps parameter names to tensors.
type StateDict map[string]*ml.Tensor

// Keys returns the names in sorted order.
func (sd StateDict) Keys() []string {
	keys := maps.Keys(sd)
	slices.Sort(keys)
	return keys
}

type safetensorMetadata struct {
	Type    string  `json:"dtype"`
	Shape   []int   `json:"shape"`
	Offsets []int64 `json:"data_offsets"`
}

// Read loads every tensor of the safetensors files ps. Later files may not
// repeat a name.
func Read(fsys fs.FS, ps ...string) (StateDict, error) {
	sd := make(StateDict)
	for _, p := range ps {
		if err := read(fsys, p, sd); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return sd, nil
}

// ReadFiles is Read against the local filesystem.
func ReadFiles(paths ...string) (StateDict, error) {
	sd := make(StateDict)
	for _, p := range paths {
		if err := read(os.DirFS(filepath.Dir(p)), filepath.Base(p), sd); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return sd, nil
}

func read(fsys fs.FS, p string, sd StateDict) error {
	f, err := fsys.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return err
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err = io.CopyN(b, f, n); err != nil {
		return err
	}

	var headers map[string]safetensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	keys := maps.Keys(headers)
	slices.Sort(keys)

	for _, key := range keys {
		value := headers[key]
		if key == metadataKey || value.Type == "" {
			continue
		}

		if _, ok := sd[key]; ok {
			return fmt.Errorf("duplicate tensor name '%s' was found for this model", key)
		}

		if len(value.Offsets) != 2 || value.Offsets[0] < 0 || value.Offsets[1] > int64(len(data)) || value.Offsets[0] > value.Offsets[1] {
			return fmt.Errorf("tensor %s: invalid offsets %v", key, value.Offsets)
		}

		t, err := decode(value.Type, data[value.Offsets[0]:value.Offsets[1]], value.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", key, err)
		}

		sd[key] = t
	}

	return nil
}

func decode(dtype string, b []byte, shape []int) (*ml.Tensor, error) {
	if len(shape) == 0 {
		shape = []int{1}
	}

	r := bytes.NewReader(b)
	switch dtype {
	case "F32":
		f32s := make([]float32, len(b)/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return ml.FromFloats(f32s, shape...)
	case "F16":
		u16s := make([]uint16, len(b)/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return ml.FromFloats(f32s, shape...)
	case "BF16":
		return ml.FromFloats(bfloat16.DecodeFloat32(b), shape...)
	case "I64":
		i64s := make([]int64, len(b)/8)
		if err := binary.Read(r, binary.LittleEndian, i64s); err != nil {
			return nil, err
		}
		return ml.FromInts(i64s, shape...)
	case "I32":
		i32s := make([]int32, len(b)/4)
		if err := binary.Read(r, binary.LittleEndian, i32s); err != nil {
			return nil, err
		}

		i64s := make([]int64, len(i32s))
		for i := range i32s {
			i64s[i] = int64(i32s[i])
		}
		return ml.FromInts(i64s, shape...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dtype)
	}
}

// Write serializes sd. Float tensors are stored as F32 and integer tensors
// as I64.
func Write(w io.Writer, sd StateDict, metadata map[string]string) error {
	headers := make(map[string]any, len(sd)+1)
	if len(metadata) > 0 {
		headers[metadataKey] = metadata
	}

	var data bytes.Buffer
	for _, key := range sd.Keys() {
		t := sd[key]
		start := int64(data.Len())

		var dtype string
		switch t.DType() {
		case ml.DTypeF32:
			dtype = "F32"
			if err := binary.Write(&data, binary.LittleEndian, t.Floats()); err != nil {
				return err
			}
		case ml.DTypeI64:
			dtype = "I64"
			if err := binary.Write(&data, binary.LittleEndian, t.Ints()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("tensor %s: %w: %s", key, ErrUnsupportedType, t.DType())
		}

		headers[key] = safetensorMetadata{
			Type:    dtype,
			Shape:   t.Shape(),
			Offsets: []int64{start, int64(data.Len())},
		}
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	// the data section starts 8 byte aligned
	if pad := len(header) % 8; pad != 0 {
		header = append(header, strings.Repeat(" ", 8-pad)...)
	}

	if err := binary.Write(w, binary.LittleEndian, int64(len(header))); err != nil {
		return err
	}

	if _, err := w.Write(header); err != nil {
		return err
	}

	_, err = data.WriteTo(w)
	return err
}

// WriteFile writes sd to path, replacing any existing file only once the
// new one is complete.
func WriteFile(path string, sd StateDict, metadata map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".partial-*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if err := Write(f, sd, metadata); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}
