// Package routefile reads route descriptions from YAML or JSON. A file is
// checked against an embedded JSON schema and then replayed step by step
// onto the route builder.
package routefile

import (
	"bytes"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/pat-rohn/go-dataroute/pkg/command"
	"github.com/pat-rohn/go-dataroute/pkg/route"
	"github.com/pat-rohn/go-dataroute/pkg/routeerr"
	"github.com/pat-rohn/go-dataroute/pkg/token"
	"github.com/pkg/errors"
	"github.com/santhosh-tekuri/jsonschema/v5"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://github.com/pat-rohn/go-dataroute/routefile.schema.json"

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(schemaURL)
}

// File is one route description.
type File struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Step holds exactly one builder call.
type Step struct {
	Producer  string     `yaml:"producer,omitempty" json:"producer,omitempty"`
	Process   string     `yaml:"process,omitempty" json:"process,omitempty"`
	Name      string     `yaml:"name,omitempty" json:"name,omitempty"`
	Split     bool       `yaml:"split,omitempty" json:"split,omitempty"`
	Multicast bool       `yaml:"multicast,omitempty" json:"multicast,omitempty"`
	Branch    bool       `yaml:"branch,omitempty" json:"branch,omitempty"`
	Index     *int       `yaml:"index,omitempty" json:"index,omitempty"`
	End       bool       `yaml:"end,omitempty" json:"end,omitempty"`
	Buffer    bool       `yaml:"buffer,omitempty" json:"buffer,omitempty"`
	Fuse      []string   `yaml:"fuse,omitempty" json:"fuse,omitempty"`
	Account   string     `yaml:"account,omitempty" json:"account,omitempty"`
	Pack      int        `yaml:"pack,omitempty" json:"pack,omitempty"`
	Stream    string     `yaml:"stream,omitempty" json:"stream,omitempty"`
	Log       string     `yaml:"log,omitempty" json:"log,omitempty"`
	React     *ReactStep `yaml:"react,omitempty" json:"react,omitempty"`
}

// ReactStep is a react endpoint with its action as hex bytes
// `module register [index] payload...`.
type ReactStep struct {
	Key     string `yaml:"key" json:"key"`
	Command string `yaml:"command" json:"command"`
	Indexed bool   `yaml:"indexed,omitempty" json:"indexed,omitempty"`
}

// Parse validates and decodes a YAML or JSON route description.
func Parse(data []byte) (*File, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(routeerr.ErrInvalidConfig, err.Error())
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(routeerr.ErrInvalidConfig, err.Error())
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, errors.Wrap(routeerr.ErrInvalidConfig, err.Error())
	}
	if err := schema.Validate(v); err != nil {
		return nil, errors.Wrap(routeerr.ErrInvalidConfig, err.Error())
	}
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, errors.Wrap(routeerr.ErrInvalidConfig, err.Error())
	}
	return f, nil
}

// Read parses a route description from r.
func Read(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read route file")
	}
	return Parse(data)
}

// Load parses the route description at path.
func Load(path string) (*File, error) {
	logFields := log.Fields{"fnct": "Load", "path": path}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	f, err := Parse(data)
	if err != nil {
		log.WithFields(logFields).Errorf("invalid route file: %v", err)
		return nil, errors.WithMessage(err, path)
	}
	return f, nil
}

// Build replays the steps onto a new route.
func (f *File) Build() (route.Component, error) {
	var c route.Component
	started := false
	for i, s := range f.Steps {
		if s.Producer != "" {
			if started {
				c = c.Producer(s.Producer)
			} else {
				c = route.Producer(s.Producer)
				started = true
			}
			continue
		}
		if !started {
			return c, routeerr.At(i, "step", "", errors.Wrap(routeerr.ErrMissingProducer, "route must start with a producer"))
		}
		var err error
		if c, err = s.apply(c); err != nil {
			return c, routeerr.At(i, "step", "", err)
		}
	}
	return c, c.Err()
}

// Plan builds and checks the route.
func (f *File) Plan() (*route.Plan, error) {
	c, err := f.Build()
	if err != nil {
		return nil, err
	}
	return c.Plan()
}

func (s Step) apply(c route.Component) (route.Component, error) {
	switch {
	case s.Process != "":
		return c.ProcessURI(s.Process), nil
	case s.Name != "":
		return c.Name(s.Name), nil
	case s.Split:
		return c.Split(), nil
	case s.Multicast:
		return c.Multicast(), nil
	case s.Branch:
		return c.Branch(), nil
	case s.Index != nil:
		return c.Index(*s.Index), nil
	case s.End:
		return c.End(), nil
	case s.Buffer:
		return c.Buffer(), nil
	case len(s.Fuse) > 0:
		return c.Fuse(s.Fuse...), nil
	case s.Account == "count":
		return c.Account(token.AccountCount), nil
	case s.Account == "time":
		return c.Account(token.AccountTime), nil
	case s.Pack > 0:
		return c.Pack(s.Pack), nil
	case s.Stream != "":
		return c.Stream(s.Stream), nil
	case s.Log != "":
		return c.Log(s.Log), nil
	case s.React != nil:
		raw, err := hex.DecodeString(strings.ReplaceAll(s.React.Command, " ", ""))
		if err != nil {
			return c, errors.Wrap(routeerr.ErrInvalidConfig, err.Error())
		}
		action, err := command.Parse(raw, s.React.Indexed)
		if err != nil {
			return c, errors.Wrap(routeerr.ErrInvalidConfig, err.Error())
		}
		return c.React(s.React.Key, action), nil
	}
	return c, errors.Wrap(routeerr.ErrInvalidConfig, "empty step")
}
