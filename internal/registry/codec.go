package registry

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/seanchatmangpt/aps/internal/domain"
)

// RecordParseError marks one process document that could not be read or
// decoded. Reports carry it per record instead of failing.
type RecordParseError struct {
	Key string
	Err error
}

func (e *RecordParseError) Error() string {
	return fmt.Sprintf("process document %s: %v", e.Key, e.Err)
}

func (e *RecordParseError) Unwrap() error { return e.Err }

var (
	errNoProcess = errors.New("missing process object")
	errNoName    = errors.New("missing process.name")
)

func decodeDocument(data []byte) (domain.Document, error) {
	var doc domain.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

func encodeDocument(doc domain.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeLoose reads a document into a generic tree so that status resolution
// works on whatever shape the file has.
func decodeLoose(data []byte) (map[string]any, string, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, "", err
	}
	proc, ok := tree["process"].(map[string]any)
	if !ok {
		return nil, "", errNoProcess
	}
	name, ok := proc["name"].(string)
	if !ok || name == "" {
		return nil, "", errNoName
	}
	return tree, name, nil
}
