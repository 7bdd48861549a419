package config

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Format is the syntax of a configuration document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatCUE  Format = "cue"
)

// FormatFromPath picks the document format from the file extension. JSON
// files are read by the YAML decoder.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported config format: %s", path)
	}
}

// Loader reads fleet and activity documents and resolves them into engine
// values.
type Loader struct {
	schemas   *SchemaRegistry
	starlark  *StarlarkEvaluator
	validator *validator.Validate
	logger    zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithStarlarkTimeout bounds the run time of each priority script.
func WithStarlarkTimeout(timeout time.Duration) LoaderOption {
	return func(l *Loader) { l.starlark = NewStarlarkEvaluator(timeout) }
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader(opts ...LoaderOption) *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	l := &Loader{
		schemas:   NewSchemaRegistry(),
		starlark:  NewStarlarkEvaluator(0),
		validator: v,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// LoadFleet reads and validates a fleet document.
func (l *Loader) LoadFleet(ctx context.Context, path string) (*FleetDocument, error) {
	data, format, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return l.ParseFleet(ctx, data, format, path)
}

// ParseFleet decodes and validates fleet content.
func (l *Loader) ParseFleet(ctx context.Context, data []byte, format Format, filename string) (*FleetDocument, error) {
	var doc FleetDocument
	if err := l.decode(ctx, data, format, filename, "fleet", &doc); err != nil {
		return nil, err
	}

	seen := make(map[string]int, len(doc.Units))
	for i, u := range doc.Units {
		if j, ok := seen[u.ID]; ok {
			return nil, ValidationErrors{{
				File:    filename,
				Path:    fmt.Sprintf("units[%d].id", i),
				Message: fmt.Sprintf("duplicate unit id %q (first defined at units[%d])", u.ID, j),
			}}
		}
		seen[u.ID] = i
	}

	l.logger.Debug().
		Str("file", filename).
		Str("format", string(format)).
		Int("units", len(doc.Units)).
		Msg("Fleet loaded")

	return &doc, nil
}

// LoadActivities reads and validates an activities document.
func (l *Loader) LoadActivities(ctx context.Context, path string) (*ActivitiesDocument, error) {
	data, format, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return l.ParseActivities(ctx, data, format, path)
}

// ParseActivities decodes and validates activities content.
func (l *Loader) ParseActivities(ctx context.Context, data []byte, format Format, filename string) (*ActivitiesDocument, error) {
	var doc ActivitiesDocument
	if err := l.decode(ctx, data, format, filename, "activities", &doc); err != nil {
		return nil, err
	}

	l.logger.Debug().
		Str("file", filename).
		Str("format", string(format)).
		Int("activities", len(doc.Activities)).
		Msg("Activities loaded")

	return &doc, nil
}

func readDocument(path string) ([]byte, Format, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, format, nil
}

// decode fills out from data. Both formats are checked against the named
// CUE schema and the struct validate tags.
func (l *Loader) decode(ctx context.Context, data []byte, format Format, filename, schema string, out interface{}) error {
	switch format {
	case FormatCUE:
		val := l.schemas.Context().CompileBytes(data, cue.Filename(filename))
		if err := val.Err(); err != nil {
			return convertCUEErrors(filename, err)
		}
		unified, err := l.schemas.Unify(schema, val)
		if err != nil {
			return convertCUEErrors(filename, err)
		}
		if err := unified.Decode(out); err != nil {
			return ValidationErrors{{File: filename, Message: fmt.Sprintf("failed to decode: %v", err)}}
		}

	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(out); err != nil {
			if stderrors.Is(err, io.EOF) {
				return ValidationErrors{{File: filename, Message: "document is empty"}}
			}
			return ValidationErrors{{File: filename, Message: err.Error()}}
		}
		if err := l.schemas.ValidateAgainstSchema(ctx, schema, out); err != nil {
			return convertCUEErrors(filename, err)
		}

	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}

	return l.validateStruct(filename, out)
}

// validateStruct runs the go-playground validator over a decoded document.
func (l *Loader) validateStruct(filename string, doc interface{}) error {
	err := l.validator.Struct(doc)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !stderrors.As(err, &fieldErrs) {
		return ValidationErrors{{File: filename, Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := fe.Namespace()
		if i := strings.IndexByte(path, '.'); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{File: filename, Path: path, Message: msg})
	}
	return out
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(filename string, err error) ValidationErrors {
	var out ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:    filename,
			Path:    strings.Join(e.Path(), "."),
			Message: strings.TrimSpace(errors.Details(e, nil)),
		}
		if pos := errors.Positions(e); len(pos) > 0 && pos[0].Filename() == filename {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}

	if len(out) == 0 {
		out = append(out, ValidationError{File: filename, Message: err.Error()})
	}
	return out
}
