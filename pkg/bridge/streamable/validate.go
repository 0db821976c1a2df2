package streamable

import (
	"encoding/json"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/flekschas/mcp-web/pkg/logger"
)

// validToolInput checks call arguments against the tool's declared input
// schema. Validation is best effort: a tool without a schema, or with one
// that does not compile, accepts any arguments.
func validToolInput(schema, args json.RawMessage) (bool, string) {
	if len(schema) == 0 {
		return true, ""
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	schemaLoader := gojsonschema.NewBytesLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		logger.Debugw("skipping validation for uncompilable schema", "error", err)
		return true, ""
	}
	if result.Valid() {
		return true, ""
	}

	details := make([]string, 0, len(result.Errors()))
	for _, resultErr := range result.Errors() {
		details = append(details, resultErr.String())
	}
	return false, strings.Join(details, "; ")
}
