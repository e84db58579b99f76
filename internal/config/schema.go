package config

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"

	"github.com/roach88/hashrepo/internal/apperr"
)

//go:embed schema.cue
var schemaSource string

// Schema definitions.
const (
	ConfigDefinition = "#Config"
	PullDefinition   = "#Pull"
)

var (
	schemaOnce sync.Once
	schemaCtx  *cue.Context
	schemaVal  cue.Value
	schemaErr  error

	// cue.Context is not safe for concurrent use.
	schemaMu sync.Mutex
)

func loadSchema() (*cue.Context, cue.Value, error) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		schemaVal = schemaCtx.CompileString(schemaSource, cue.Filename("schema.cue"))
		schemaErr = schemaVal.Err()
	})
	return schemaCtx, schemaVal, schemaErr
}

// CheckValue validates v, encoded through its json tags, against the
// named schema definition. Violations are FATAL_CONFIG errors.
func CheckValue(definition string, v any) error {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	ctx, schema, err := loadSchema()
	if err != nil {
		return apperr.Wrap(apperr.CodeFatalConfig, "compile schema", err)
	}
	def := schema.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return apperr.Newf(apperr.CodeFatalConfig, "unknown schema definition %s", definition)
	}

	value := ctx.Encode(v)
	if err := value.Err(); err != nil {
		return apperr.Wrap(apperr.CodeFatalConfig, "encode "+definition, err)
	}
	return check(def, value, definition)
}

// CheckYAML validates raw YAML against the named schema definition.
func CheckYAML(definition, filename string, data []byte) error {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	ctx, schema, err := loadSchema()
	if err != nil {
		return apperr.Wrap(apperr.CodeFatalConfig, "compile schema", err)
	}
	def := schema.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return apperr.Newf(apperr.CodeFatalConfig, "unknown schema definition %s", definition)
	}

	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return apperr.Wrap(apperr.CodeFatalConfig, "parse "+filename, err)
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return apperr.Wrap(apperr.CodeFatalConfig, "build "+filename, err)
	}
	return check(def, value, filename)
}

func check(def, value cue.Value, what string) error {
	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return apperr.Wrap(apperr.CodeFatalConfig, what+" violates schema", firstError(err))
	}
	return nil
}

// firstError keeps the first CUE error with its path.
func firstError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	format, args := first.Msg()
	msg := fmt.Sprintf(format, args...)
	if path := first.Path(); len(path) > 0 {
		return fmt.Errorf("%s: %s", strings.Join(path, "."), msg)
	}
	return fmt.Errorf("%s", msg)
}
