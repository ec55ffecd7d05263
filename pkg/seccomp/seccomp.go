// Package seccomp loads the seccomp profile applied to benchmark containers.
package seccomp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// profileSchema describes the subset of the OCI seccomp profile format that
// container engines accept through --security-opt seccomp=<json>.
const profileSchema = `{
  "type": "object",
  "required": ["defaultAction"],
  "properties": {
    "defaultAction": {"type": "string", "pattern": "^SCMP_ACT_"},
    "defaultErrnoRet": {"type": "integer"},
    "architectures": {"type": "array", "items": {"type": "string"}},
    "archMap": {"type": "array"},
    "syscalls": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["action"],
        "properties": {
          "names": {"type": "array", "items": {"type": "string"}, "minItems": 1},
          "name": {"type": "string"},
          "action": {"type": "string", "pattern": "^SCMP_ACT_"},
          "args": {"type": ["array", "null"]}
        }
      }
    }
  }
}`

var schema = func() *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(profileSchema))
	if err != nil {
		panic(fmt.Sprintf("compiling seccomp schema: %v", err))
	}

	return s
}()

// Profile is a validated seccomp profile in compact JSON form.
type Profile struct {
	raw []byte
}

// Load reads and validates the profile at path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seccomp profile: %w", err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("seccomp profile %s: %w", path, err)
	}

	return p, nil
}

// Parse validates data as a seccomp profile.
func Parse(data []byte) (*Profile, error) {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("validating profile: %w", err)
	}

	if !result.Valid() {
		errs := make([]string, len(result.Errors()))
		for idx, e := range result.Errors() {
			errs[idx] = e.String()
		}

		return nil, fmt.Errorf("invalid profile: %s", strings.Join(errs, "; "))
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("compacting profile: %w", err)
	}

	return &Profile{raw: buf.Bytes()}, nil
}

// JSON returns the compact profile document.
func (p *Profile) JSON() string {
	if p == nil {
		return ""
	}

	return string(p.raw)
}

// SecurityOpt returns the engine security option carrying the profile
// inline.
func (p *Profile) SecurityOpt() string {
	return "seccomp=" + p.JSON()
}
