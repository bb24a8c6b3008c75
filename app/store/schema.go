package store

import (
	"github.com/invopop/jsonschema"
)

// Schema returns json schema of the record file, an object of job id to JobRecord
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{DoNotReference: true}
	res := &jsonschema.Schema{
		Version:              jsonschema.Version,
		Type:                 "object",
		Title:                "Submitter job record store",
		Description:          "Schema for the job record file, keyed by job id",
		AdditionalProperties: r.Reflect(&JobRecord{}),
	}
	return res
}
