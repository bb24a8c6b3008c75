// Package config loads default scheduler arguments and folds them with user overrides.
//
// The default document is a mapping of section name to scheduler arguments. Section "__all__" holds
// cluster independent defaults, every other section is a cluster profile named by cluster identifier:
//
//	{
//	  "__all__": {"--mail-user": "me@example.com", "--mail-type": "FAIL"},
//	  "cedar": {"--account": "def-someone", "--time": "1:00:00"}
//	}
//
// JSON and YAML documents are both accepted.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/go-pkgz/lgr"
	"gopkg.in/yaml.v3"

	"github.com/umputun/submitter/app/cluster"
)

const (
	// GlobalSection is the document section applied to every cluster
	GlobalSection = "__all__"
	// ContactFlag is the required contact field
	ContactFlag = "--mail-user"
	// ContactPlaceholder is replaced by EnvContact value
	ContactPlaceholder = "<YOUR_EMAIL_GOES_HERE>"
	// EnvContact provides contact address if the document has a placeholder
	EnvContact = "_MY_SCHEDULER_EMAIL"
)

// DefaultFiles are default document names checked in the root directory, in order
var DefaultFiles = []string{"default.json", "default.yml", "default.yaml"}

// Error is returned for a missing or malformed default document. Always fatal
type Error struct {
	File   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "config error"
	if e.File != "" {
		msg += " in " + e.File
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ", " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Layer is a set of scheduler arguments, flag name to value
type Layer map[string]string

// Clone makes a copy of the layer
func (l Layer) Clone() Layer {
	res := make(Layer, len(l))
	for k, v := range l {
		res[k] = v
	}
	return res
}

// Keys returns sorted flag names
func (l Layer) Keys() []string {
	res := make([]string, 0, len(l))
	for k := range l {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// Document is the parsed default configuration, section name to layer
type Document map[string]Layer

// Profile returns layers for the cluster, global first. Missing sections give empty layers
func (d Document) Profile(c cluster.Cluster) (global, profile Layer) {
	global, profile = Layer{}, Layer{}
	if g, ok := d[GlobalSection]; ok {
		global = g.Clone()
	}
	if p, ok := d[string(c)]; ok {
		profile = p.Clone()
	}
	return global, profile
}

// Find returns the first default document present in dir
func Find(dir string) (string, error) {
	for _, name := range DefaultFiles {
		fname := filepath.Join(dir, name)
		if _, err := os.Stat(fname); err == nil {
			return fname, nil
		}
	}
	return "", &Error{File: dir, Reason: fmt.Sprintf("no default configuration, expected one of %v", DefaultFiles),
		Err: os.ErrNotExist}
}

// Load reads and parses the default document
func Load(fname string) (Document, error) {
	data, err := os.ReadFile(fname) //nolint:gosec // path from trusted cli option
	if err != nil {
		return nil, &Error{File: fname, Reason: "can't read", Err: err}
	}
	doc, err := Parse(data)
	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			cerr.File = fname
			return nil, cerr
		}
		return nil, &Error{File: fname, Reason: "can't parse", Err: err}
	}
	log.Printf("[DEBUG] loaded %d config sections from %s", len(doc), fname)
	return doc, nil
}

// Parse decodes default document from json or yaml data
func Parse(data []byte) (Document, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, &Error{Reason: "empty document"}
	}
	raw := map[string]map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Reason: "malformed document", Err: err}
	}

	doc := make(Document, len(raw))
	for section, args := range raw {
		layer := make(Layer, len(args))
		for k, v := range args {
			if !strings.HasPrefix(k, "-") {
				return nil, &Error{Reason: fmt.Sprintf("section %q: argument %q should start with - or --", section, k)}
			}
			switch vv := v.(type) {
			case string:
				layer[k] = vv
			case int, int64, uint64, float64, bool:
				layer[k] = fmt.Sprint(vv)
			case nil:
				return nil, &Error{Reason: fmt.Sprintf("section %q: argument %q has no value", section, k)}
			default:
				return nil, &Error{Reason: fmt.Sprintf("section %q: argument %q has non-scalar value %v", section, k, vv)}
			}
		}
		doc[section] = layer
	}
	return doc, nil
}

// Defaults returns the global+cluster layer with the contact field validated and the placeholder resolved.
// getenv is used to look up EnvContact
func (d Document) Defaults(c cluster.Cluster, getenv func(string) string) (Layer, error) {
	layers, err := d.Layers(c, getenv)
	if err != nil {
		return nil, err
	}
	return Resolve(layers...), nil
}

// Layers returns global and cluster layers separately, lowest precedence first, with the contact
// field resolved in the layer that sets it
func (d Document) Layers(c cluster.Cluster, getenv func(string) string) ([]Layer, error) {
	global, profile := d.Profile(c)
	owner := profile
	if _, ok := profile[ContactFlag]; !ok {
		owner = global
	}

	contact, ok := owner[ContactFlag]
	if !ok {
		return nil, &Error{Reason: fmt.Sprintf("the contact address %s is not set", ContactFlag)}
	}
	contact = strings.TrimSpace(contact)
	if contact == ContactPlaceholder {
		contact = strings.TrimSpace(getenv(EnvContact))
		if contact == "" {
			return nil, &Error{Reason: fmt.Sprintf("the contact address %s is a placeholder and %s is not set",
				ContactFlag, EnvContact)}
		}
	}
	if contact == "" {
		return nil, &Error{Reason: fmt.Sprintf("the contact address %s is empty", ContactFlag)}
	}
	owner[ContactFlag] = contact
	return []Layer{global, profile}, nil
}

// Resolve folds layers left to right. A later layer replaces the whole value of a key set by an earlier one
func Resolve(layers ...Layer) Layer {
	res := Layer{}
	for _, l := range layers {
		for k, v := range l {
			res[k] = v
		}
	}
	return res
}
