package term

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// optargsSchema is the fixed shape global_optargs must conform to. A
// full evaluator treats optargs as an open map of arbitrary per-query
// settings; this stand-in only validates the two it parses: batch_size,
// which sizes each streamed batch, and return_empty_normal_batches,
// which is parsed into Optargs but not consulted by the Query Cache.
const optargsSchema = `{
  "type": "object",
  "properties": {
    "batch_size": {"type": "integer", "minimum": 1},
    "return_empty_normal_batches": {"type": "boolean"}
  },
  "additionalProperties": true
}`

var schemaLoader = gojsonschema.NewStringLoader(optargsSchema)

// Optargs is the compiled form of global_optargs.
type Optargs struct {
	BatchSize                int
	ReturnEmptyNormalBatches bool
	raw                      map[string]interface{}
}

// CompileOptargs validates rawOptargs against optargsSchema and
// extracts the fields the cache's control flow needs.
func CompileOptargs(rawOptargs map[string]interface{}) (*Optargs, error) {
	if rawOptargs == nil {
		rawOptargs = map[string]interface{}{}
	}

	docBytes, err := json.Marshal(rawOptargs)
	if err != nil {
		return nil, &CompileError{Message: fmt.Sprintf("invalid optargs: %v", err)}
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(docBytes))
	if err != nil {
		return nil, &CompileError{Message: fmt.Sprintf("optargs schema error: %v", err)}
	}
	if !result.Valid() {
		return nil, &CompileError{Message: fmt.Sprintf("invalid optargs: %v", result.Errors())}
	}

	o := &Optargs{BatchSize: 100, raw: rawOptargs}
	if v, ok := rawOptargs["batch_size"]; ok {
		if f, ok := v.(float64); ok {
			o.BatchSize = int(f)
		}
	}
	if v, ok := rawOptargs["return_empty_normal_batches"]; ok {
		if b, ok := v.(bool); ok {
			o.ReturnEmptyNormalBatches = b
		}
	}
	return o, nil
}
