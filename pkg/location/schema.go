package location

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// batchSchema describes a JSON array of samples as accepted from the host
// application. Every field is required; heading and speed use -1 rather than
// null.
const batchSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["timestamp", "latitude", "longitude", "accuracy", "heading", "speed"],
    "properties": {
      "timestamp": {"type": "integer", "minimum": 1},
      "latitude":  {"type": "number", "minimum": -90,  "maximum": 90},
      "longitude": {"type": "number", "minimum": -180, "maximum": 180},
      "accuracy":  {"type": "number", "minimum": 0},
      "heading":   {"anyOf": [{"const": -1}, {"type": "number", "minimum": 0, "maximum": 360}]},
      "speed":     {"anyOf": [{"const": -1}, {"type": "number", "minimum": 0}]}
    }
  }
}`

var batchSchemaLoader = gojsonschema.NewStringLoader(batchSchema)

// DecodeBatch validates data against the sample schema and decodes it.
func DecodeBatch(data []byte) ([]Sample, error) {
	result, err := gojsonschema.Validate(batchSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			msgs[i] = e.String()
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidSample, strings.Join(msgs, "; "))
	}

	var samples []Sample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	if err := ValidateAll(samples); err != nil {
		return nil, err
	}
	return samples, nil
}
