package nodetype

import (
	"bytes"
	"errors"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/systemshift/contentrepo/internal/content/core"
)

// definitionFile is the on-disk form of a set of node type definitions:
//
//	nodeTypes:
//	  - name: app:article
//	    supertypes: [nt:unstructured, mix:title]
//	    properties:
//	      - name: app:body
//	        type: String
//	        mandatory: true
type definitionFile struct {
	NodeTypes []Definition `yaml:"nodeTypes"`
}

// LoadDefinitions decodes node type definitions from YAML.
func LoadDefinitions(r io.Reader) ([]Definition, error) {
	var f definitionFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, core.Wrap(core.ErrInvalidSerializedData, "nodetype.LoadDefinitions", "", err)
	}
	return f.NodeTypes, nil
}

// LoadDefinitionFile reads definitions from a YAML file.
func LoadDefinitionFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Wrap(core.ErrRepository, "nodetype.LoadDefinitionFile", path, err)
	}
	return LoadDefinitions(bytes.NewReader(data))
}

// MarshalDefinitions encodes definitions in the format LoadDefinitions reads.
func MarshalDefinitions(defs []Definition) ([]byte, error) {
	out, err := yaml.Marshal(definitionFile{NodeTypes: defs})
	if err != nil {
		return nil, core.Wrap(core.ErrRepository, "nodetype.MarshalDefinitions", "", err)
	}
	return out, nil
}
