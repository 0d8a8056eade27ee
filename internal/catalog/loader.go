package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/victornm/prepquiz/internal/domain"
	"github.com/victornm/prepquiz/internal/errors"
)

// Question files are looked up in this order inside a topic directory.
var questionFiles = []string{"questions.yaml", "questions.yml", "questions.json"}

const schemaURL = "schema://questions.json"

//go:embed questions.schema.json
var questionsSchema []byte

// DirLoader reads <Root>/<subject>/<topic>/questions.(yaml|json).
type DirLoader struct {
	Root string

	schema *jsonschema.Schema
}

func NewDirLoader(root string) (*DirLoader, error) {
	// The jsonschema library expects a parsed JSON value, not raw bytes.
	var def any
	if err := json.Unmarshal(questionsSchema, &def); err != nil {
		return nil, fmt.Errorf("parse question schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, def); err != nil {
		return nil, fmt.Errorf("add question schema: %w", err)
	}

	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile question schema: %w", err)
	}

	return &DirLoader{Root: root, schema: schema}, nil
}

func (l *DirLoader) Load(ctx context.Context, subject, topic string) ([]domain.Question, error) {
	dir := filepath.Join(l.Root, subject, topic)

	for _, name := range questionFiles {
		path := filepath.Join(dir, name)

		b, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		questions, err := l.parse(b)
		if err != nil {
			return nil, errors.New(errors.CodeInvalidArgument,
				errors.WithCause(err),
				errors.WithMessagef("invalid question file %s", path))
		}

		return resolveImages(ctx, dir, questions), nil
	}

	return nil, nil
}

// parse accepts both YAML and JSON, JSON being a subset of YAML.
func (l *DirLoader) parse(b []byte) ([]domain.Question, error) {
	var raw any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	// Round-trip through JSON so the validator sees JSON types.
	j, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var doc any
	if err := json.Unmarshal(j, &doc); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}

	if err := l.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var questions []domain.Question
	if err := json.Unmarshal(j, &questions); err != nil {
		return nil, fmt.Errorf("decode questions: %w", err)
	}

	for i, q := range questions {
		if q.CorrectIndex >= len(q.Options) {
			return nil, fmt.Errorf("question %d: correct_answer %d out of range of %d options", i, q.CorrectIndex, len(q.Options))
		}
	}

	return questions, nil
}

// resolveImages makes relative image paths absolute against dir and drops
// the ones that do not exist.
func resolveImages(ctx context.Context, dir string, questions []domain.Question) []domain.Question {
	for i := range questions {
		p := questions[i].ImagePath
		if p == "" {
			continue
		}

		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}

		if _, err := os.Stat(p); err != nil {
			slog.WarnContext(ctx, "catalog: image not found", "path", p)
			p = ""
		}

		questions[i].ImagePath = p
	}

	return questions
}

// StaticLoader serves pools from memory, keyed by "subject/topic".
type StaticLoader map[string][]domain.Question

func (l StaticLoader) Load(_ context.Context, subject, topic string) ([]domain.Question, error) {
	return l[subject+"/"+topic], nil
}
