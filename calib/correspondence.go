package calib

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"mime"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zlib"
	"gopkg.in/yaml.v3"

	"github.com/kwv/simfit/align"
)

// maxInflatedBytes caps decompressed payloads at 64 MB
const maxInflatedBytes = 64 << 20

// CorrespondenceSet holds matched point pairs: Source[i] corresponds to Target[i].
type CorrespondenceSet struct {
	ID     string        `json:"id,omitempty" yaml:"id,omitempty"`
	Source []align.Point `json:"source" yaml:"source"`
	Target []align.Point `json:"target" yaml:"target"`
}

// Len returns the number of pairs
func (cs *CorrespondenceSet) Len() int {
	return len(cs.Source)
}

// Dim returns the dimension of the first source point, or 0 for an empty set
func (cs *CorrespondenceSet) Dim() int {
	if len(cs.Source) == 0 {
		return 0
	}
	return len(cs.Source[0])
}

// Validate checks the set is non-empty with one target per source point and
// only finite coordinates. Dimensionality is left to the estimators.
func (cs *CorrespondenceSet) Validate() error {
	if len(cs.Source) != len(cs.Target) {
		return fmt.Errorf("%w: %d source, %d target", align.ErrLengthMismatch, len(cs.Source), len(cs.Target))
	}
	if len(cs.Source) == 0 {
		return fmt.Errorf("%w: correspondence set is empty", align.ErrInsufficientPoints)
	}
	for i := range cs.Source {
		if !finite(cs.Source[i]) {
			return fmt.Errorf("%w: source point %d", align.ErrNonFinite, i)
		}
		if !finite(cs.Target[i]) {
			return fmt.Errorf("%w: target point %d", align.ErrNonFinite, i)
		}
	}
	return nil
}

func finite(p align.Point) bool {
	for _, v := range p {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Fingerprint hashes the coordinates so unchanged sets can skip refitting.
func (cs *CorrespondenceSet) Fingerprint() uint64 {
	h := xxhash.New()
	var buf [8]byte
	writePoints := func(points []align.Point) {
		binary.LittleEndian.PutUint64(buf[:], uint64(len(points)))
		_, _ = h.Write(buf[:])
		for _, p := range points {
			binary.LittleEndian.PutUint64(buf[:], uint64(len(p)))
			_, _ = h.Write(buf[:])
			for _, v := range p {
				binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
				_, _ = h.Write(buf[:])
			}
		}
	}
	writePoints(cs.Source)
	writePoints(cs.Target)
	return h.Sum64()
}

// Format is the encoding of a correspondence payload.
type Format int

const (
	// FormatAuto sniffs the payload: a zlib header, then '{' for JSON, else YAML.
	FormatAuto Format = iota
	FormatJSON
	FormatYAML
	// FormatZlib is a zlib stream wrapping a JSON or YAML payload.
	FormatZlib
)

// FormatForMediaType maps a Content-Type to a payload format. Unknown,
// generic and missing types fall back to FormatAuto.
func FormatForMediaType(contentType string) Format {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return FormatAuto
	}
	switch {
	case mediaType == "application/json", strings.HasSuffix(mediaType, "+json"):
		return FormatJSON
	case mediaType == "application/yaml", mediaType == "application/x-yaml",
		mediaType == "text/yaml", mediaType == "text/x-yaml", strings.HasSuffix(mediaType, "+yaml"):
		return FormatYAML
	case mediaType == "application/zlib", mediaType == "application/x-zlib":
		return FormatZlib
	}
	return FormatAuto
}

// DecodeCorrespondences decodes a correspondence set from:
// - Raw JSON (object starting with '{')
// - Zlib-compressed JSON or YAML
// - YAML
func DecodeCorrespondences(data []byte) (*CorrespondenceSet, error) {
	return DecodeCorrespondencesAs(data, FormatAuto)
}

// DecodeCorrespondencesAs decodes a payload whose format is already known,
// e.g. from a Content-Type header. A zlib stream is inflated even when JSON
// or YAML is declared, since some servers label compressed bodies by content.
func DecodeCorrespondencesAs(data []byte, format Format) (*CorrespondenceSet, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty data")
	}

	// Check before trimming: compressed bytes may look like whitespace.
	if format == FormatZlib || IsZlib(data) {
		inflated, err := inflateZlib(data)
		switch {
		case err == nil:
			return DecodeCorrespondencesAs(inflated, FormatAuto)
		case format != FormatJSON && format != FormatYAML:
			return nil, fmt.Errorf("inflating payload: %w", err)
		}
		// A declared text format that merely starts like a zlib header.
	}

	data = bytes.TrimSpace(data)
	if format == FormatAuto {
		format = FormatYAML
		if data[0] == '{' {
			format = FormatJSON
		}
	}

	var cs CorrespondenceSet
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &cs); err != nil {
			return nil, fmt.Errorf("parsing correspondence JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cs); err != nil {
			return nil, fmt.Errorf("parsing correspondence YAML: %w", err)
		}
	}

	if err := cs.Validate(); err != nil {
		return nil, err
	}
	return &cs, nil
}

// EncodeCorrespondences encodes a set as JSON, zlib-compressed when compress is true.
func EncodeCorrespondences(cs *CorrespondenceSet, compress bool) ([]byte, error) {
	data, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("marshaling correspondences: %w", err)
	}
	if !compress {
		return data, nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing correspondences: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing correspondences: %w", err)
	}
	return buf.Bytes(), nil
}

// IsZlib checks for a zlib stream header (deflate method, valid check bits)
func IsZlib(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return data[0]&0x0f == 8 && (uint16(data[0])<<8|uint16(data[1]))%31 == 0
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedBytes))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadCorrespondenceFile reads a correspondence set from disk in any format
// DecodeCorrespondences accepts.
func LoadCorrespondenceFile(path string) (*CorrespondenceSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading correspondence file: %w", err)
	}
	cs, err := DecodeCorrespondences(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cs, nil
}

// LoadPointsFile reads a bare list of points (JSON or YAML), e.g. [[0,0],[1,0]].
func LoadPointsFile(path string) ([]align.Point, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading points file: %w", err)
	}

	// YAML is a superset of JSON, so one decoder covers both.
	var points []align.Point
	if err := yaml.Unmarshal(data, &points); err != nil {
		return nil, fmt.Errorf("parsing points file %s: %w", path, err)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("points file %s is empty", path)
	}
	return points, nil
}

// LoadPointPair builds a correspondence set from separate source and target files.
func LoadPointPair(sourcePath, targetPath string) (*CorrespondenceSet, error) {
	source, err := LoadPointsFile(sourcePath)
	if err != nil {
		return nil, err
	}
	target, err := LoadPointsFile(targetPath)
	if err != nil {
		return nil, err
	}
	cs := &CorrespondenceSet{Source: source, Target: target}
	if err := cs.Validate(); err != nil {
		return nil, err
	}
	return cs, nil
}
